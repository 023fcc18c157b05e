// Package ratelimit keeps per-identifier attempt counters for the risk engine
// and provides request throttling middleware for the HTTP surface.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// DefaultWindow is the counter window. A counter older than this resets on
// the next attempt.
const DefaultWindow = time.Hour

// IdentifierType names what a counter counts.
type IdentifierType string

const (
	TypeIP          IdentifierType = "ip"
	TypeFingerprint IdentifierType = "fingerprint"
	TypeEmail       IdentifierType = "email"
)

// Action scopes counters to a flow.
type Action string

const (
	ActionRegistration Action = "registration"
	ActionLogin        Action = "login"
)

// Key identifies one counter.
type Key struct {
	Identifier string
	Type       IdentifierType
	Action     Action
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Action, k.Type, k.Identifier)
}

// Counter is the state of one key.
type Counter struct {
	Identifier     string         `json:"identifier"`
	IdentifierType IdentifierType `json:"identifier_type"`
	Action         Action         `json:"action"`
	Attempts       int            `json:"attempts"`
	WindowStart    time.Time      `json:"window_start"`
}

// Store persists counters.
type Store interface {
	// Increment atomically adds one attempt, first resetting the counter to
	// a fresh window starting at now if its window started before now-window.
	Increment(ctx context.Context, key Key, now time.Time, window time.Duration) (Counter, error)
	// Attempts returns the attempts in the current window, or 0 when the
	// counter is missing or stale.
	Attempts(ctx context.Context, key Key, now time.Time, window time.Duration) (int, error)
}

// stale reports whether a window that started at start has lapsed at now.
func stale(start, now time.Time, window time.Duration) bool {
	return start.Before(now.Add(-window))
}

// Limiter is the attempt-counter front end used by the orchestrator and the
// risk engine.
type Limiter struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewLimiter creates a limiter over store with the default window.
func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store, window: DefaultWindow, now: time.Now}
}

// WithWindow overrides the counter window.
func (l *Limiter) WithWindow(d time.Duration) *Limiter {
	if d > 0 {
		l.window = d
	}
	return l
}

// WithClock overrides the time source (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Attempts returns the current-window attempts for an identifier. Empty
// identifiers always report zero.
func (l *Limiter) Attempts(ctx context.Context, action Action, t IdentifierType, identifier string) (int, error) {
	if identifier == "" {
		return 0, nil
	}
	return l.store.Attempts(ctx, Key{Identifier: identifier, Type: t, Action: action}, l.now(), l.window)
}

// Record increments the counter of every non-empty identifier for action.
// All increments are attempted; the first error is returned.
func (l *Limiter) Record(ctx context.Context, action Action, identifiers map[IdentifierType]string) error {
	now := l.now()
	var firstErr error
	for _, t := range []IdentifierType{TypeIP, TypeFingerprint, TypeEmail} {
		id := identifiers[t]
		if id == "" {
			continue
		}
		if _, err := l.store.Increment(ctx, Key{Identifier: id, Type: t, Action: action}, now, l.window); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("increment %s counter: %w", t, err)
		}
	}
	return firstErr
}
