package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/saasforge/credit-ledger/internal/credits"
	"github.com/saasforge/credit-ledger/internal/usage"
)

func TestAddCreditsSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		if r.URL.Path != "/api/v1/credits/add" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var params credits.AddParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		if params.UserID != "u1" || params.Amount.String() != "50" {
			t.Errorf("params = %+v", params)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transaction":{"user_id":"u1","type":"purchase","amount":"50","balance":"50"}}`))
	}))
	defer srv.Close()

	c, err := NewCreditsClient(srv.URL, "secret", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	entry, err := c.AddCredits(context.Background(), credits.AddParams{
		UserID: "u1",
		Amount: decimal.NewFromInt(50),
		Type:   "purchase",
	})
	if err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if entry.Balance.String() != "50" {
		t.Errorf("balance = %s, want 50", entry.Balance)
	}
}

func TestConsumeCreditsDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":false,"new_balance":"2","error":"Insufficient credits"}`))
	}))
	defer srv.Close()

	c, err := NewCreditsClient(srv.URL, "", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	result, err := c.ConsumeCredits(context.Background(), credits.ConsumeParams{
		UserID: "u1",
		Amount: decimal.NewFromInt(8),
	})
	if err != nil {
		t.Fatalf("ConsumeCredits: %v", err)
	}
	if result.Success {
		t.Error("expected rejection")
	}
	if result.NewBalance.String() != "2" {
		t.Errorf("new_balance = %s, want 2", result.NewBalance)
	}
	if result.Error != "Insufficient credits" {
		t.Errorf("error = %q", result.Error)
	}
}

func TestBalanceAndCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/credits/u1/balance":
			w.Write([]byte(`{"user_id":"u1","balance":"42.5"}`))
		case "/api/v1/credits/u1/check":
			if r.URL.Query().Get("amount") != "40" {
				t.Errorf("amount = %q", r.URL.Query().Get("amount"))
			}
			w.Write([]byte(`{"user_id":"u1","amount":"40","enough":true}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, _ := NewCreditsClient(srv.URL, "", nil)
	balance, err := c.Balance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != "42.5" {
		t.Errorf("balance = %q, want 42.5", balance)
	}
	enough, err := c.Check(context.Background(), "u1", "40")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !enough {
		t.Error("expected enough")
	}
}

func TestErrorResponseSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"account not found"}`))
	}))
	defer srv.Close()

	c, _ := NewCreditsClient(srv.URL, "", nil)
	_, err := c.AddCredits(context.Background(), credits.AddParams{UserID: "ghost", Amount: decimal.NewFromInt(1), Type: "purchase"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "creditd error: account not found" {
		t.Errorf("err = %q", got)
	}
}

func TestReportUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev usage.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.UserID != "u1" || ev.TotalTokens != 1500 {
			t.Errorf("event = %+v", ev)
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	c, _ := NewCreditsClient(srv.URL, "", nil)
	err := c.ReportUsage(context.Background(), usage.Event{
		UserID:      "u1",
		Operation:   "chat.completion",
		TotalTokens: 1500,
		Model:       "gpt-4o",
	})
	if err != nil {
		t.Fatalf("ReportUsage: %v", err)
	}
}
