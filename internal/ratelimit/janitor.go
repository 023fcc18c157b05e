package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/reggate/internal/logging"
	"github.com/mbd888/reggate/internal/metrics"
)

// StaleDeleter is implemented by counter stores that do not expire keys on
// their own. The Redis store relies on key TTLs instead.
type StaleDeleter interface {
	DeleteStale(ctx context.Context, now time.Time, window time.Duration) (int64, error)
}

// Janitor periodically removes lapsed counters. Reads already treat stale
// counters as zero, so this only bounds storage.
type Janitor struct {
	store    StaleDeleter
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// NewJanitor creates a janitor for store using the counter window.
func NewJanitor(store StaleDeleter, window, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Janitor{
		store:    store,
		window:   window,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// WithClock overrides the time source (tests).
func (j *Janitor) WithClock(now func() time.Time) *Janitor {
	j.now = now
	return j
}

// Running reports whether the loop is active.
func (j *Janitor) Running() bool {
	return j.running.Load()
}

// Start runs the prune loop until ctx is done or Stop is called. Call in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.safePrune(ctx)
		}
	}
}

// Stop signals the janitor to stop.
func (j *Janitor) Stop() {
	select {
	case j.stop <- struct{}{}:
	default:
	}
}

func (j *Janitor) safePrune(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in counter janitor", "panic", fmt.Sprint(r))
		}
	}()
	j.Prune(ctx)
}

// Prune runs one pass and returns the number of counters removed.
func (j *Janitor) Prune(ctx context.Context) int64 {
	n, err := j.store.DeleteStale(ctx, j.now(), j.window)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("counter_prune").Inc()
		j.logger.Warn("failed to prune rate limit counters", "error", err)
		return 0
	}
	if n > 0 {
		j.logger.Debug("pruned rate limit counters", "count", n)
	}
	return n
}
