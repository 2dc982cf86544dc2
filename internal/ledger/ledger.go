package ledger

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type classifies a ledger entry. Credit-increasing entries carry a positive
// amount; consumption entries carry a negative amount.
type Type string

const (
	TypePurchase    Type = "purchase"
	TypeBonus       Type = "bonus"
	TypeRefund      Type = "refund"
	TypeAdjustment  Type = "adjustment"
	TypeConsumption Type = "consumption"
)

// Valid reports whether t is one of the known entry types.
func (t Type) Valid() bool {
	switch t {
	case TypePurchase, TypeBonus, TypeRefund, TypeAdjustment, TypeConsumption:
		return true
	}
	return false
}

var (
	// ErrAccountNotFound indicates the user id does not resolve to an account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientCredits indicates a debit would drive the balance negative.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Metadata is a flexible JSON payload attached to a transaction
// (token counts, provider/model used, and similar).
type Metadata map[string]any

// Value implements driver.Valuer for Metadata.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata.
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*m = nil
			return nil
		}
		return json.Unmarshal(v, m)
	case string:
		if v == "" {
			*m = nil
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported metadata type %T", value)
	}
}

// Transaction is an immutable ledger entry. Balance is the account balance
// immediately after the entry was applied, recorded at write time.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	UserID      string          `json:"user_id"`
	Type        Type            `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Balance     decimal.Decimal `json:"balance"`
	OrderID     string          `json:"order_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Metadata    Metadata        `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Account is a user row as the ledger sees it: identity plus the single
// mutable balance cell. The balance is written only through Credit and Debit.
type Account struct {
	ID            string          `json:"id"`
	Email         string          `json:"email"`
	DisplayName   string          `json:"display_name,omitempty"`
	CreditBalance decimal.Decimal `json:"credit_balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Filter narrows a transaction history query.
type Filter struct {
	Limit  int
	Offset int
	Type   Type // empty means all types
}

// Totals aggregates the ledger by entry type for reporting.
type Totals struct {
	TotalPurchased decimal.Decimal `json:"total_purchased"`
	TotalConsumed  decimal.Decimal `json:"total_consumed"`
}

// Store defines persistence behaviour for accounts and the credit ledger.
//
// Credit and Debit each run as a single atomic unit: the balance mutation and
// the ledger insert commit together or not at all. Debit applies the balance
// check and the decrement as one indivisible operation against the store, so
// concurrent debits can never observe the check and the write as separate
// steps.
type Store interface {
	// EnsureAccount creates the account with a zero balance if it does not
	// exist and returns the stored row either way.
	EnsureAccount(ctx context.Context, id, email, displayName string) (*Account, error)
	// Account returns the stored row or ErrAccountNotFound.
	Account(ctx context.Context, id string) (*Account, error)
	// Balance returns the committed balance or ErrAccountNotFound.
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// Credit increments the balance and appends one ledger entry whose
	// Balance field is the post-increment value. Fails with
	// ErrAccountNotFound without writing anything.
	Credit(ctx context.Context, userID string, amount decimal.Decimal, typ Type, orderID, description string, metadata Metadata) (Transaction, error)
	// Debit decrements the balance only if it is at least amount, and appends
	// one consumption entry with the negated amount and the post-decrement
	// balance. Fails with ErrInsufficientCredits or ErrAccountNotFound
	// without writing anything.
	Debit(ctx context.Context, userID string, amount decimal.Decimal, description string, metadata Metadata) (Transaction, error)
	// Transactions returns committed entries for the user, newest first.
	Transactions(ctx context.Context, userID string, f Filter) ([]Transaction, error)
	// Totals aggregates absolute amounts of purchase+bonus entries versus
	// consumption entries.
	Totals(ctx context.Context, userID string) (Totals, error)
	Close() error
}
