package usage

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/saasforge/credit-ledger/internal/credits"
	"github.com/saasforge/credit-ledger/internal/ledger"
	"github.com/saasforge/credit-ledger/internal/ledger/sqlite"
)

func newTestService(t *testing.T) *credits.Service {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "credits.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.EnsureAccount(context.Background(), "u1", "", ""); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	svc := credits.NewService(store)
	svc.SetLogger(log.New(io.Discard, "", 0))
	return svc
}

func TestRecorderConsumesOncePerEvent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Add(ctx, credits.AddParams{UserID: "u1", Amount: decimal.NewFromInt(10), Type: ledger.TypePurchase}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	calc := credits.NewCalculator(credits.Pricing{
		Mode:             credits.ModeDynamic,
		TokensPerCredit:  1000,
		ModelMultipliers: map[string]float64{"gpt-4": 2.0, "default": 1.0},
	})
	rec := NewRecorder(svc, calc, Config{Logger: log.New(io.Discard, "", 0), Workers: 2})

	// 1000 tokens at 2.0x = 2 credits, three times.
	for i := 0; i < 3; i++ {
		if err := rec.Record(Event{UserID: "u1", Operation: "ai_chat", TotalTokens: 1000, Model: "gpt-4", Provider: "openai"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	balance, err := svc.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.String() != "4" {
		t.Fatalf("expected balance 4 after three 2-credit debits, got %s", balance)
	}

	entries, err := svc.Transactions(ctx, "u1", ledger.Filter{Type: ledger.TypeConsumption})
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 consumption entries, got %d", len(entries))
	}
	if entries[0].Metadata["model"] != "gpt-4" {
		t.Fatalf("expected usage metadata on entry, got %#v", entries[0].Metadata)
	}
}

func TestRecorderRejectionLeavesBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Add(ctx, credits.AddParams{UserID: "u1", Amount: decimal.NewFromInt(1), Type: ledger.TypePurchase}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	calc := credits.NewCalculator(credits.Pricing{Mode: credits.ModeFixed, FixedCosts: map[string]int64{"ai_chat": 5}})
	rec := NewRecorder(svc, calc, Config{Logger: log.New(io.Discard, "", 0)})

	if err := rec.Record(Event{UserID: "u1", Operation: "ai_chat", TotalTokens: 50, Model: "gpt-4"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	balance, err := svc.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.String() != "1" {
		t.Fatalf("rejected consumption must not touch the balance, got %s", balance)
	}
}

func TestRecorderClosed(t *testing.T) {
	svc := newTestService(t)
	calc := credits.NewCalculator(credits.Pricing{})
	rec := NewRecorder(svc, calc, Config{Logger: log.New(io.Discard, "", 0)})
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Record(Event{UserID: "u1", Operation: "ai_chat"}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Closing twice is a no-op.
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
