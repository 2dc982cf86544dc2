package health

import (
	"context"
	"time"
)

// Pinger is the slice of a store the checker needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Result is one health probe outcome.
type Result struct {
	Status    string    `json:"status"` // ok | unhealthy
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker probes the ledger database.
type Checker struct {
	store   Pinger
	timeout time.Duration
}

// NewChecker creates a checker over the ledger store.
func NewChecker(store Pinger) *Checker {
	return &Checker{store: store, timeout: 2 * time.Second}
}

// Check pings the store with a bounded timeout.
func (c *Checker) Check(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.store.Ping(ctx)
	result := Result{
		Status:    "ok",
		LatencyMS: time.Since(start).Milliseconds(),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		result.Status = "unhealthy"
		result.Error = err.Error()
	}
	return result
}
