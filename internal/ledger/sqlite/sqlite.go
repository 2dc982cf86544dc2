package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/saasforge/credit-ledger/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
//
// Amounts and balances are stored as canonical decimal strings and all
// arithmetic happens in decimal on the Go side, inside the write
// transaction. SQLite's NUMERIC affinity would silently coerce fractional
// values to REAL floats, which drifts the balance cell away from the exact
// ledger rows.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	// Write transactions take the database lock up front so the
	// read-compute-write sequence inside them never has to upgrade.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// SQLite allows one writer at a time; serialising at the pool level keeps
	// concurrent debit transactions queued instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	credit_balance TEXT NOT NULL DEFAULT '0',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS credit_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	type TEXT NOT NULL CHECK(type IN ('purchase','bonus','refund','adjustment','consumption')),
	amount TEXT NOT NULL,
	balance TEXT NOT NULL,
	order_id TEXT,
	description TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_created ON credit_transactions(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_type ON credit_transactions(user_id, type);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureAccount creates the account with a zero balance if missing.
func (s *Store) EnsureAccount(ctx context.Context, id, email, displayName string) (*ledger.Account, error) {
	if id == "" {
		return nil, errors.New("account id required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(id, email, display_name, credit_balance, created_at, updated_at)
VALUES(?, ?, ?, '0', ?, ?)
ON CONFLICT(id) DO NOTHING`, id, email, displayName, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return s.Account(ctx, id)
}

// Account returns the stored account row.
func (s *Store) Account(ctx context.Context, id string) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, display_name, credit_balance, created_at, updated_at
FROM accounts WHERE id = ?`, id)
	var a ledger.Account
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.CreditBalance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Balance returns the committed balance for the user.
func (s *Store) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT credit_balance FROM accounts WHERE id = ?`, userID)
	var balance decimal.Decimal
	err := row.Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ledger.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// balanceForUpdate reads the balance inside a write transaction. The
// transaction already holds the database write lock (immediate txlock, one
// pooled connection), so the value cannot change before the matching UPDATE.
func balanceForUpdate(ctx context.Context, tx *sql.Tx, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx, `SELECT credit_balance FROM accounts WHERE id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ledger.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func writeBalance(ctx context.Context, tx *sql.Tx, userID string, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
UPDATE accounts SET credit_balance = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		balance.String(), userID)
	return err
}

// Credit increments the balance and appends the ledger entry in one transaction.
func (s *Store) Credit(ctx context.Context, userID string, amount decimal.Decimal, typ ledger.Type, orderID, description string, metadata ledger.Metadata) (ledger.Transaction, error) {
	if userID == "" {
		return ledger.Transaction{}, errors.New("user id required")
	}
	if !typ.Valid() || typ == ledger.TypeConsumption {
		return ledger.Transaction{}, fmt.Errorf("invalid credit type %q", typ)
	}
	if !amount.IsPositive() {
		return ledger.Transaction{}, fmt.Errorf("credit amount must be positive, got %s", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	balance, err := balanceForUpdate(ctx, tx, userID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	newBalance := balance.Add(amount)
	if err := writeBalance(ctx, tx, userID, newBalance); err != nil {
		return ledger.Transaction{}, fmt.Errorf("apply credit: %w", err)
	}

	entry, err := insertEntry(ctx, tx, userID, typ, amount, newBalance, orderID, description, metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	return entry, nil
}

// Debit decrements the balance only if sufficient. The balance check, the
// decrement, and the consumption entry commit as one transaction, and the
// transaction holds the write lock for its whole lifetime, so two concurrent
// debits can never both pass a check that only covers one of them.
func (s *Store) Debit(ctx context.Context, userID string, amount decimal.Decimal, description string, metadata ledger.Metadata) (ledger.Transaction, error) {
	if userID == "" {
		return ledger.Transaction{}, errors.New("user id required")
	}
	if !amount.IsPositive() {
		return ledger.Transaction{}, fmt.Errorf("debit amount must be positive, got %s", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	balance, err := balanceForUpdate(ctx, tx, userID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if balance.LessThan(amount) {
		return ledger.Transaction{}, ledger.ErrInsufficientCredits
	}
	newBalance := balance.Sub(amount)
	if err := writeBalance(ctx, tx, userID, newBalance); err != nil {
		return ledger.Transaction{}, fmt.Errorf("apply debit: %w", err)
	}

	entry, err := insertEntry(ctx, tx, userID, ledger.TypeConsumption, amount.Neg(), newBalance, "", description, metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	return entry, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, userID string, typ ledger.Type, amount, balance decimal.Decimal, orderID, description string, metadata ledger.Metadata) (ledger.Transaction, error) {
	entry := ledger.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Balance:     balance,
		OrderID:     orderID,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO credit_transactions(id, user_id, type, amount, balance, order_id, description, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(),
		entry.UserID,
		string(entry.Type),
		entry.Amount.String(),
		entry.Balance.String(),
		entry.OrderID,
		entry.Description,
		entry.Metadata,
		entry.CreatedAt,
	)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return entry, nil
}

// Transactions returns the user's entries, newest first. rowid breaks ties
// between entries written in the same instant, so the order matches insertion
// order exactly.
func (s *Store) Transactions(ctx context.Context, userID string, f ledger.Filter) ([]ledger.Transaction, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query := `
SELECT id, user_id, type, amount, balance, order_id, description, metadata, created_at
FROM credit_transactions
WHERE user_id = ?`
	args := []any{userID}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	query += `
ORDER BY created_at DESC, rowid DESC
LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Transaction
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		e       ledger.Transaction
		id      string
		typ     string
		orderID sql.NullString
		desc    sql.NullString
	)
	if err := rows.Scan(&id, &e.UserID, &typ, &e.Amount, &e.Balance, &orderID, &desc, &e.Metadata, &e.CreatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("parse transaction id: %w", err)
	}
	e.ID = parsed
	e.Type = ledger.Type(typ)
	e.OrderID = orderID.String
	e.Description = desc.String
	return e, nil
}

// Totals aggregates the ledger by entry type for the user. Summation happens
// in decimal; SQL SUM over the text column would go through floats.
func (s *Store) Totals(ctx context.Context, userID string) (ledger.Totals, error) {
	if userID == "" {
		return ledger.Totals{}, errors.New("user id required")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT type, amount FROM credit_transactions WHERE user_id = ?`, userID)
	if err != nil {
		return ledger.Totals{}, err
	}
	defer rows.Close()

	var totals ledger.Totals
	for rows.Next() {
		var (
			typ    string
			amount decimal.Decimal
		)
		if err := rows.Scan(&typ, &amount); err != nil {
			return ledger.Totals{}, err
		}
		switch ledger.Type(typ) {
		case ledger.TypePurchase, ledger.TypeBonus:
			totals.TotalPurchased = totals.TotalPurchased.Add(amount)
		case ledger.TypeConsumption:
			totals.TotalConsumed = totals.TotalConsumed.Add(amount.Neg())
		}
	}
	return totals, rows.Err()
}
