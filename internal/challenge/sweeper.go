package challenge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/reggate/internal/metrics"
)

// Sweeper periodically deletes challenges that expired more than a grace
// period ago. Correctness never depends on it; expiry is derived on read.
type Sweeper struct {
	store    Store
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a challenge sweeper.
func NewSweeper(store Store, interval, grace time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		grace:    grace,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// WithClock overrides the time source (tests).
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in challenge sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass and returns the number of rows removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.store.DeleteExpired(ctx, s.now().Add(-s.grace))
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("challenge_sweep").Inc()
		s.logger.Warn("failed to sweep expired challenges", "error", err)
		return 0
	}
	if n > 0 {
		metrics.ChallengesSweptTotal.Add(float64(n))
		s.logger.Info("swept expired challenges", "count", n)
	}
	return n
}
