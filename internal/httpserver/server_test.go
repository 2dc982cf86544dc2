package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/saasforge/credit-ledger/internal/credits"
	"github.com/saasforge/credit-ledger/internal/health"
	"github.com/saasforge/credit-ledger/internal/ledger/sqlite"
	"github.com/saasforge/credit-ledger/internal/usage"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*Server, *usage.Recorder) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "credits.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	service := credits.NewService(store)
	service.SetLogger(log.New(io.Discard, "", 0))
	calc := credits.NewCalculator(credits.Pricing{
		Mode:             credits.ModeDynamic,
		TokensPerCredit:  1000,
		ModelMultipliers: map[string]float64{"gpt-4": 2.0, "default": 1.0},
	})
	recorder := usage.NewRecorder(service, calc, usage.Config{Logger: log.New(io.Discard, "", 0)})
	t.Cleanup(func() { _ = recorder.Close() })

	srv := New(Options{
		Service:    service,
		Store:      store,
		Recorder:   recorder,
		Checker:    health.NewChecker(store),
		AdminToken: testToken,
		Logger:     log.New(io.Discard, "", 0),
	})
	return srv, recorder
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/credits/u1/balance", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if payload := decodeBody(t, rec); payload["status"] != "ok" {
		t.Fatalf("unexpected health payload %v", payload)
	}
}

func TestAddConsumeFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/accounts", map[string]any{"user_id": "u1", "email": "u1@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ensure account: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/credits/add", map[string]any{
		"user_id": "u1", "amount": "10", "type": "purchase", "order_id": "order-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	tx := decodeBody(t, rec)["transaction"].(map[string]any)
	if tx["balance"] != "10" {
		t.Fatalf("expected snapshot balance 10, got %v", tx["balance"])
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/credits/consume", map[string]any{
		"user_id": "u1", "amount": "8", "description": "ai chat",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("consume: %d %s", rec.Code, rec.Body.String())
	}
	result := decodeBody(t, rec)
	if result["success"] != true || result["new_balance"] != "2" {
		t.Fatalf("unexpected consume result %v", result)
	}

	// Second consume of 8 must be rejected with the true balance.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/credits/consume", map[string]any{
		"user_id": "u1", "amount": "8",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("consume: %d %s", rec.Code, rec.Body.String())
	}
	result = decodeBody(t, rec)
	if result["success"] != false || result["error"] != "Insufficient credits" || result["new_balance"] != "2" {
		t.Fatalf("unexpected rejection result %v", result)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/credits/u1/balance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["balance"] != "2" {
		t.Fatalf("unexpected balance payload %v", payload)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/credits/u1/status", nil)
	status := decodeBody(t, rec)
	if status["total_purchased"] != "10" || status["total_consumed"] != "8" {
		t.Fatalf("unexpected status %v", status)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/credits/u1/transactions?type=consumption", nil)
	payload := decodeBody(t, rec)
	entries := payload["transactions"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected 1 consumption entry, got %d", len(entries))
	}
}

func TestAddMissingAccount(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/credits/add", map[string]any{
		"user_id": "ghost", "amount": "10", "type": "purchase",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing account, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAddValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/credits/add", map[string]any{
		"user_id": "u1", "amount": "-5", "type": "purchase",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative amount, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/credits/add", map[string]any{
		"user_id": "u1", "amount": "5", "type": "consumption",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for consumption type, got %d", rec.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	srv, recorder := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/accounts", map[string]any{"user_id": "u1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ensure account: %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/credits/add", map[string]any{
		"user_id": "u1", "amount": "10", "type": "purchase",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add: %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/usage", map[string]any{
		"user_id": "u1", "operation": "ai_chat", "total_tokens": 1000, "model": "gpt-4", "provider": "openai",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("usage: %d %s", rec.Code, rec.Body.String())
	}

	// Drain the queue, then the 2-credit debit must be visible.
	if err := recorder.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = doJSON(t, srv, http.MethodGet, "/api/v1/credits/u1/balance", nil)
		if decodeBody(t, rec)["balance"] == "8" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("usage debit never applied, balance payload %s", rec.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCheckEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/accounts", map[string]any{"user_id": "u1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ensure account: %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/credits/add", map[string]any{
		"user_id": "u1", "amount": "5", "type": "bonus",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add: %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/credits/u1/check?amount=5", nil)
	if payload := decodeBody(t, rec); payload["enough"] != true {
		t.Fatalf("expected enough=true, got %v", payload)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/credits/u1/check?amount=6", nil)
	if payload := decodeBody(t, rec); payload["enough"] != false {
		t.Fatalf("expected enough=false, got %v", payload)
	}
}
