// Package quota tracks per-operation daily usage against policy limits.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DayFormat is the layout of counter day keys.
const DayFormat = "2006-01-02"

// Counter is the persistence the Ledger needs. storage.StateBackend satisfies it.
type Counter interface {
	IncrementQuota(ctx context.Context, kind, day string, n, limit int64) (int64, bool, error)
	GetQuota(ctx context.Context, kind, day string) (int64, error)
}

// Result reports the outcome of a Consume call.
type Result struct {
	Allowed bool   `json:"allowed"`
	Count   int64  `json:"count"`
	Limit   int64  `json:"limit"`
	Day     string `json:"day"`
}

// Ledger consumes units from per-kind, per-UTC-day counters.
type Ledger struct {
	store Counter
	now   func() time.Time
}

// NewLedger returns a Ledger over store using the wall clock.
func NewLedger(store Counter) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock replaces the clock. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Day returns the counter key for t.
func Day(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// Consume adds n units to today's counter for kind if the total stays within
// limit. A limit <= 0 is unlimited: the units are counted but never refused.
func (l *Ledger) Consume(ctx context.Context, kind string, n, limit int64) (Result, error) {
	if n <= 0 {
		n = 1
	}
	day := Day(l.now())
	count, ok, err := l.store.IncrementQuota(ctx, kind, day, n, limit)
	if err != nil {
		return Result{}, fmt.Errorf("consuming %s quota: %w", kind, err)
	}
	outcome := "consumed"
	if !ok {
		outcome = "refused"
	}
	quotaOps.WithLabelValues(kind, outcome).Inc()
	return Result{Allowed: ok, Count: count, Limit: limit, Day: day}, nil
}

// Usage returns today's count for kind.
func (l *Ledger) Usage(ctx context.Context, kind string) (int64, error) {
	return l.store.GetQuota(ctx, kind, Day(l.now()))
}

var quotaOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_quota_consume_total",
	Help: "Quota consume attempts by kind and outcome.",
}, []string{"kind", "outcome"})

func init() {
	prometheus.MustRegister(quotaOps)
}
