package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/saasforge/credit-ledger/internal/credits"
	"github.com/saasforge/credit-ledger/internal/ledger"
	"github.com/saasforge/credit-ledger/internal/usage"
)

type ensureAccountRequest struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleEnsureAccount(w http.ResponseWriter, r *http.Request) {
	var req ensureAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id required"))
		return
	}
	account, err := s.store.EnsureAccount(r.Context(), req.UserID, req.Email, req.DisplayName)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"account": account})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var params credits.AddParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if params.UserID == "" || !params.Amount.IsPositive() || !params.Type.Valid() || params.Type == ledger.TypeConsumption {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id, positive amount, and a credit type are required"))
		return
	}
	entry, err := s.service.Add(r.Context(), params)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		s.respondError(w, http.StatusNotFound, err)
		return
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transaction": entry})
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var params credits.ConsumeParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if params.UserID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id required"))
		return
	}
	result, err := s.service.Consume(r.Context(), params)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		s.respondError(w, http.StatusNotFound, err)
		return
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := s.service.Balance(r.Context(), userID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("amount query parameter required"))
		return
	}
	enough, err := s.service.HasEnough(r.Context(), userID, amount)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "amount": amount, "enough": enough})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	q := r.URL.Query()
	typ := ledger.Type(q.Get("type"))
	if typ != "" && !typ.Valid() {
		s.respondError(w, http.StatusBadRequest, errors.New("unknown transaction type"))
		return
	}

	if raw := q.Get("page"); raw != "" {
		page, _ := strconv.Atoi(raw)
		perPage, _ := strconv.Atoi(q.Get("per_page"))
		result, err := s.service.TransactionsPage(r.Context(), userID, page, perPage, typ)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		s.respondJSON(w, http.StatusOK, result)
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	entries, err := s.service.Transactions(r.Context(), userID, ledger.Filter{Limit: limit, Offset: offset, Type: typ})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []ledger.Transaction{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	status, err := s.service.CreditStatus(r.Context(), userID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("usage recording disabled"))
		return
	}
	var event usage.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if event.UserID == "" || event.Operation == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id and operation required"))
		return
	}
	switch err := s.recorder.Record(event); {
	case errors.Is(err, usage.ErrQueueFull), errors.Is(err, usage.ErrClosed):
		s.respondError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err)
	default:
		s.respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	result := s.checker.Check(r.Context())
	status := http.StatusOK
	if result.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, result)
}
