package credits

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/saasforge/credit-ledger/internal/ledger"
	"github.com/saasforge/credit-ledger/internal/metrics"
)

// Message surfaced to callers when a consume attempt exceeds the balance.
const insufficientCreditsMessage = "Insufficient credits"

// AddParams describes a credit-increasing operation.
type AddParams struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Type        ledger.Type     `json:"type"`
	OrderID     string          `json:"order_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Metadata    ledger.Metadata `json:"metadata,omitempty"`
}

// ConsumeParams describes a debit operation.
type ConsumeParams struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	Metadata    ledger.Metadata `json:"metadata,omitempty"`
}

// ConsumeResult is the structured outcome of a consume attempt. Insufficient
// balance is a normal business outcome, not an error: Success is false, Error
// explains why, and NewBalance carries the account's true committed balance.
type ConsumeResult struct {
	Success       bool            `json:"success"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Status is a derived reporting view over the ledger. The ledger itself stays
// the source of truth.
type Status struct {
	Balance        decimal.Decimal `json:"balance"`
	TotalPurchased decimal.Decimal `json:"total_purchased"`
	TotalConsumed  decimal.Decimal `json:"total_consumed"`
}

// Page is one page of transaction history.
type Page struct {
	Transactions []ledger.Transaction `json:"transactions"`
	Page         int                  `json:"page"`
	PerPage      int                  `json:"per_page"`
	HasMore      bool                 `json:"has_more"`
}

// Service is the sole writer of account balances and the ledger. Atomicity
// of each add/consume is delegated to the store; the service owns validation,
// the error taxonomy, and reporting views.
type Service struct {
	store     ledger.Store
	logger    *log.Logger
	collector *metrics.Collector
}

// NewService creates a Service on top of a ledger store.
func NewService(store ledger.Store) *Service {
	return &Service{
		store:  store,
		logger: log.New(log.Writer(), "[credits] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (s *Service) SetLogger(logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics attaches a metrics collector; nil disables instrumentation.
func (s *Service) SetMetrics(c *metrics.Collector) {
	s.collector = c
}

// Balance returns the committed balance for the user, or zero when the
// account does not exist. Missing accounts are deliberately not an error on
// this read path so new or deleted users simply read as "no credits".
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance, err := s.store.Balance(ctx, userID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Add credits the account and appends one ledger entry, atomically. An add
// against a missing account is a caller bug and fails hard with nothing
// written.
func (s *Service) Add(ctx context.Context, p AddParams) (ledger.Transaction, error) {
	if p.UserID == "" {
		return ledger.Transaction{}, errors.New("user id required")
	}
	if !p.Amount.IsPositive() {
		return ledger.Transaction{}, fmt.Errorf("add amount must be positive, got %s", p.Amount)
	}
	if !p.Type.Valid() || p.Type == ledger.TypeConsumption {
		return ledger.Transaction{}, fmt.Errorf("invalid add type %q", p.Type)
	}

	entry, err := s.store.Credit(ctx, p.UserID, p.Amount, p.Type, p.OrderID, p.Description, p.Metadata)
	if err != nil {
		s.logger.Printf("add failed user=%s amount=%s type=%s err=%v", p.UserID, p.Amount, p.Type, err)
		return ledger.Transaction{}, err
	}
	s.logger.Printf("add user=%s amount=%s type=%s balance=%s tx=%s", p.UserID, p.Amount, p.Type, entry.Balance, entry.ID)
	if s.collector != nil {
		s.collector.CreditsAdded(string(p.Type), p.Amount.InexactFloat64())
	}
	return entry, nil
}

// Consume debits the account through the store's single conditional
// decrement, so two concurrent consumes can never both pass a balance check
// that only covers one of them. Insufficient balance comes back as a
// structured result; a missing account is a hard error.
func (s *Service) Consume(ctx context.Context, p ConsumeParams) (ConsumeResult, error) {
	if p.UserID == "" {
		return ConsumeResult{}, errors.New("user id required")
	}
	if !p.Amount.IsPositive() {
		balance, err := s.Balance(ctx, p.UserID)
		if err != nil {
			return ConsumeResult{}, err
		}
		if s.collector != nil {
			s.collector.ConsumeRejected("invalid_amount")
		}
		return ConsumeResult{
			Success:    false,
			NewBalance: balance,
			Error:      fmt.Sprintf("consume amount must be positive, got %s", p.Amount),
		}, nil
	}

	entry, err := s.store.Debit(ctx, p.UserID, p.Amount, p.Description, p.Metadata)
	switch {
	case err == nil:
		s.logger.Printf("consume user=%s amount=%s balance=%s tx=%s", p.UserID, p.Amount, entry.Balance, entry.ID)
		if s.collector != nil {
			s.collector.CreditsConsumed(p.Amount.InexactFloat64())
		}
		return ConsumeResult{
			Success:       true,
			NewBalance:    entry.Balance,
			TransactionID: entry.ID.String(),
		}, nil
	case errors.Is(err, ledger.ErrInsufficientCredits):
		balance, berr := s.store.Balance(ctx, p.UserID)
		if berr != nil && !errors.Is(berr, ledger.ErrAccountNotFound) {
			return ConsumeResult{}, fmt.Errorf("read balance after rejected consume: %w", berr)
		}
		s.logger.Printf("consume rejected user=%s amount=%s balance=%s", p.UserID, p.Amount, balance)
		if s.collector != nil {
			s.collector.ConsumeRejected("insufficient_credits")
		}
		return ConsumeResult{
			Success:    false,
			NewBalance: balance,
			Error:      insufficientCreditsMessage,
		}, nil
	case errors.Is(err, ledger.ErrAccountNotFound):
		s.logger.Printf("consume against missing account user=%s amount=%s", p.UserID, p.Amount)
		return ConsumeResult{}, fmt.Errorf("consume for user %s: %w", p.UserID, err)
	default:
		return ConsumeResult{}, fmt.Errorf("consume: %w", err)
	}
}

// HasEnough reports whether the balance currently covers amount. The answer
// can be stale by the time a consume runs; it exists for UI hinting only and
// is never a substitute for the conditional decrement.
func (s *Service) HasEnough(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}

// Transactions returns committed ledger entries, newest first.
func (s *Service) Transactions(ctx context.Context, userID string, f ledger.Filter) ([]ledger.Transaction, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	return s.store.Transactions(ctx, userID, f)
}

// TransactionsPage returns one page of history. Pages are 1-based.
func (s *Service) TransactionsPage(ctx context.Context, userID string, page, perPage int, typ ledger.Type) (Page, error) {
	if userID == "" {
		return Page{}, errors.New("user id required")
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	// Fetch one extra row to learn whether another page exists.
	entries, err := s.store.Transactions(ctx, userID, ledger.Filter{
		Limit:  perPage + 1,
		Offset: (page - 1) * perPage,
		Type:   typ,
	})
	if err != nil {
		return Page{}, err
	}
	hasMore := len(entries) > perPage
	if hasMore {
		entries = entries[:perPage]
	}
	return Page{Transactions: entries, Page: page, PerPage: perPage, HasMore: hasMore}, nil
}

// CreditStatus aggregates balance and per-type totals for display.
func (s *Service) CreditStatus(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		return Status{}, errors.New("user id required")
	}
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	totals, err := s.store.Totals(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("aggregate ledger: %w", err)
	}
	return Status{
		Balance:        balance,
		TotalPurchased: totals.TotalPurchased,
		TotalConsumed:  totals.TotalConsumed,
	}, nil
}
