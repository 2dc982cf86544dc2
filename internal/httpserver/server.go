package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/saasforge/credit-ledger/internal/credits"
	"github.com/saasforge/credit-ledger/internal/health"
	"github.com/saasforge/credit-ledger/internal/ledger"
	"github.com/saasforge/credit-ledger/internal/metrics"
	"github.com/saasforge/credit-ledger/internal/usage"
)

// Options configures the HTTP server.
type Options struct {
	Service  *credits.Service
	Store    ledger.Store
	Recorder *usage.Recorder
	Checker  *health.Checker
	Metrics  *metrics.Collector
	// AdminToken guards the API when non-empty; callers send it as a bearer
	// token. Empty disables the check (local development).
	AdminToken string
	Logger     *log.Logger
}

// Server exposes the credit service over HTTP. It is call-site plumbing: all
// correctness guarantees live in the service and the store underneath.
type Server struct {
	service    *credits.Service
	store      ledger.Store
	recorder   *usage.Recorder
	checker    *health.Checker
	collector  *metrics.Collector
	adminToken string
	logger     *log.Logger
	router     chi.Router
}

// New constructs the server and its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[http] ", log.LstdFlags|log.Lmicroseconds)
	}
	s := &Server{
		service:    opts.Service,
		store:      opts.Store,
		recorder:   opts.Recorder,
		checker:    opts.Checker,
		collector:  opts.Metrics,
		adminToken: opts.AdminToken,
		logger:     logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.collector != nil {
		r.Handle("/metrics", s.collector.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if s.adminToken != "" {
			api.Use(s.tokenMiddleware)
		}
		if s.collector != nil {
			api.Use(s.observeMiddleware)
		}
		api.Post("/accounts", s.handleEnsureAccount)
		api.Post("/credits/add", s.handleAdd)
		api.Post("/credits/consume", s.handleConsume)
		api.Get("/credits/{userID}/balance", s.handleBalance)
		api.Get("/credits/{userID}/check", s.handleCheck)
		api.Get("/credits/{userID}/transactions", s.handleTransactions)
		api.Get("/credits/{userID}/status", s.handleStatus)
		api.Post("/usage", s.handleUsage)
	})

	return r
}

func (s *Server) tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.respondError(w, http.StatusUnauthorized, errors.New("invalid or missing token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.collector.ObserveRequest(route, strconv.Itoa(ww.Status()), time.Since(start))
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
