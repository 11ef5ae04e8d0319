package trash

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is how often the Sweeper empties expired entries.
const DefaultSweepInterval = 6 * time.Hour

// Sweeper periodically erases entries older than the policy retention.
// Retention is read from the policy on every pass, so a reload takes effect
// on the next tick. A retention of 0 days skips automatic sweeping.
type Sweeper struct {
	store    *Store
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a sweeper but does not start it.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{store: store, interval: interval, done: make(chan struct{})}
}

// Start sweeps once immediately, then on every interval until ctx is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	log.Info().Dur("interval", s.interval).Msg("trash sweeper started")
}

// Stop signals the sweeper to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.SweepOnce(ctx)

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass and returns how many entries were erased.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	if s.store.RetentionDays() <= 0 {
		return 0
	}
	n, err := s.store.Empty(ctx, nil, "system")
	if err != nil {
		log.Warn().Err(err).Msg("trash sweep failed")
		return 0
	}
	return n
}
