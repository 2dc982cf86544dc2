// Package usage turns completed units of metered work into credit
// consumption. Events are queued and debited by background workers so the
// serving path never blocks on the ledger.
package usage

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/saasforge/credit-ledger/internal/credits"
	"github.com/saasforge/credit-ledger/internal/ledger"
	"github.com/saasforge/credit-ledger/internal/metrics"
)

// ErrQueueFull is returned when an event cannot be accepted. Callers see the
// rejection instead of a silent drop: the ledger provides no idempotency for
// consumes, so a dropped-and-retried event could double-bill.
var ErrQueueFull = errors.New("usage queue full")

// ErrClosed is returned after the recorder has been shut down.
var ErrClosed = errors.New("usage recorder closed")

// Event is one completed unit of metered work reported by a call site.
type Event struct {
	UserID      string `json:"user_id"`
	Operation   string `json:"operation"`
	TotalTokens int64  `json:"total_tokens"`
	Model       string `json:"model"`
	Provider    string `json:"provider"`
}

// Config tunes the recorder.
type Config struct {
	QueueSize int // buffered events (default 1024)
	Workers   int // parallel consumers (default 1)
	Logger    *log.Logger
	Metrics   *metrics.Collector
}

// Recorder prices events through the calculator and debits them through the
// credit service, exactly once per accepted event.
type Recorder struct {
	service   *credits.Service
	calc      *credits.Calculator
	events    chan Event
	logger    *log.Logger
	collector *metrics.Collector

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder starts the worker pool.
func NewRecorder(service *credits.Service, calc *credits.Calculator, cfg Config) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[usage] ", log.LstdFlags|log.Lmicroseconds)
	}
	r := &Recorder{
		service:   service,
		calc:      calc,
		events:    make(chan Event, cfg.QueueSize),
		logger:    logger,
		collector: cfg.Metrics,
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Record enqueues an event without blocking. A full queue is a visible
// rejection, never a silent drop.
func (r *Recorder) Record(ev Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.events <- ev:
		if r.collector != nil {
			r.collector.SetUsageQueueDepth(len(r.events))
		}
		return nil
	default:
		if r.collector != nil {
			r.collector.UsageDropped()
		}
		return ErrQueueFull
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for ev := range r.events {
		r.apply(ev)
		if r.collector != nil {
			r.collector.SetUsageQueueDepth(len(r.events))
		}
	}
}

func (r *Recorder) apply(ev Event) {
	amount := r.calc.CreditsFor(ev.Operation, credits.Usage{
		TotalTokens: ev.TotalTokens,
		Model:       ev.Model,
		Provider:    ev.Provider,
	})
	result, err := r.service.Consume(context.Background(), credits.ConsumeParams{
		UserID:      ev.UserID,
		Amount:      decimal.NewFromInt(amount),
		Description: ev.Operation,
		Metadata: ledger.Metadata{
			"total_tokens": ev.TotalTokens,
			"model":        ev.Model,
			"provider":     ev.Provider,
		},
	})
	if err != nil {
		r.logger.Printf("consume failed user=%s operation=%s credits=%d err=%v", ev.UserID, ev.Operation, amount, err)
		return
	}
	if !result.Success {
		r.logger.Printf("consume rejected user=%s operation=%s credits=%d reason=%s balance=%s",
			ev.UserID, ev.Operation, amount, result.Error, result.NewBalance)
	}
}

// Close stops accepting events, drains the queue, and waits for workers.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}
