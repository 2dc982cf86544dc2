package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/saasforge/credit-ledger/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// PoolConfig tunes the database/sql connection pool.
type PoolConfig struct {
	MaxOpen         int
	MaxIdle         int
	LifetimeMinutes int
	IdleTimeMinutes int
}

// New opens a PostgreSQL-backed ledger store using the provided DSN.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.LifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(pool.LifetimeMinutes) * time.Minute)
	}
	if pool.IdleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(pool.IdleTimeMinutes) * time.Minute)
	}

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
	credit_balance NUMERIC(20,8) NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	type TEXT NOT NULL CHECK(type IN ('purchase','bonus','refund','adjustment','consumption')),
	amount NUMERIC(20,8) NOT NULL,
	balance NUMERIC(20,8) NOT NULL,
	order_id TEXT,
	description TEXT,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(id, email, display_name)
VALUES($1, $2, $3)
ON CONFLICT(id) DO NOTHING`, id, email, displayName)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return s.Account(ctx, id)
}

// Account returns the stored account row.
func (s *Store) Account(ctx context.Context, id string) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, display_name, credit_balance, created_at, updated_at
FROM accounts WHERE id = $1`, id)
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
	row := s.db.QueryRowContext(ctx, `SELECT credit_balance FROM accounts WHERE id = $1`, userID)
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

	var newBalance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
UPDATE accounts
SET credit_balance = credit_balance + $1, updated_at = NOW()
WHERE id = $2
RETURNING credit_balance`, amount, userID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrAccountNotFound
	}
	if err != nil {
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

// Debit decrements the balance only if sufficient, as a single conditional
// UPDATE, and appends the consumption entry in the same transaction.
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

	var newBalance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
UPDATE accounts
SET credit_balance = credit_balance - $1, updated_at = NOW()
WHERE id = $2 AND credit_balance >= $1
RETURNING credit_balance`, amount, userID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		var one int
		probe := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = $1`, userID).Scan(&one)
		if errors.Is(probe, sql.ErrNoRows) {
			return ledger.Transaction{}, ledger.ErrAccountNotFound
		}
		if probe != nil {
			return ledger.Transaction{}, probe
		}
		return ledger.Transaction{}, ledger.ErrInsufficientCredits
	}
	if err != nil {
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID,
		entry.UserID,
		string(entry.Type),
		entry.Amount,
		entry.Balance,
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

// Transactions returns the user's entries, newest first.
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
WHERE user_id = $1`
	args := []any{userID}
	if f.Type != "" {
		query += fmt.Sprintf(` AND type = $%d`, len(args)+1)
		args = append(args, string(f.Type))
	}
	query += fmt.Sprintf(`
ORDER BY created_at DESC, id DESC
LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Transaction
	for rows.Next() {
		var (
			e       ledger.Transaction
			typ     string
			orderID sql.NullString
			desc    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &e.Amount, &e.Balance, &orderID, &desc, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = ledger.Type(typ)
		e.OrderID = orderID.String
		e.Description = desc.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Totals aggregates the ledger by entry type for the user.
func (s *Store) Totals(ctx context.Context, userID string) (ledger.Totals, error) {
	if userID == "" {
		return ledger.Totals{}, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN type IN ('purchase','bonus') THEN amount ELSE 0 END), 0) AS purchased,
	COALESCE(SUM(CASE WHEN type = 'consumption' THEN -amount ELSE 0 END), 0) AS consumed
FROM credit_transactions
WHERE user_id = $1`, userID)

	var totals ledger.Totals
	if err := row.Scan(&totals.TotalPurchased, &totals.TotalConsumed); err != nil {
		return ledger.Totals{}, err
	}
	return totals, nil
}
