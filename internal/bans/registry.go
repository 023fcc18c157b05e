package bans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultNameSimilarity is the ratio at or above which a name is considered a
// near-duplicate of a banned name.
const DefaultNameSimilarity = 0.85

// Registry answers ban lookups for the risk engine and accepts bans from
// administrative tooling.
type Registry struct {
	store Store
	now   func() time.Time
}

// NewRegistry wraps a store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Ban records a ban, normalizing the value for its type.
func (r *Registry) Ban(ctx context.Context, sig BannedSignal) (*BannedSignal, error) {
	sig.SignalValue = Canonical(sig.SignalType, sig.SignalValue)
	if err := validate(&sig); err != nil {
		return nil, err
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = r.now().UTC()
	}
	if err := r.store.Put(ctx, &sig); err != nil {
		return nil, err
	}
	return &sig, nil
}

// Unban removes a ban. Removing a value that is not banned is not an error.
func (r *Registry) Unban(ctx context.Context, t SignalType, value string) error {
	return r.store.Delete(ctx, t, Canonical(t, value))
}

// Lookup returns the ban for an already-normalized value, or (nil, nil) when
// the value is not banned. Empty values are never banned.
func (r *Registry) Lookup(ctx context.Context, t SignalType, value string) (*BannedSignal, error) {
	if value == "" {
		return nil, nil
	}
	sig, err := r.store.Get(ctx, t, value)
	if errors.Is(err, ErrNotBanned) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s ban: %w", t, err)
	}
	return sig, nil
}

// NameMatch is the closest banned name to a candidate.
type NameMatch struct {
	BannedName string  `json:"banned_name"`
	Ratio      float64 `json:"ratio"`
}

// MostSimilarName returns the banned name with the highest similarity ratio
// to name. ok is false when name is empty or nothing is banned by name.
func (r *Registry) MostSimilarName(ctx context.Context, name string) (match NameMatch, ok bool, err error) {
	if name == "" {
		return NameMatch{}, false, nil
	}
	banned, err := r.store.ListByType(ctx, TypeName)
	if err != nil {
		return NameMatch{}, false, fmt.Errorf("list banned names: %w", err)
	}
	for _, b := range banned {
		ratio := Similarity(name, b.SignalValue)
		if !ok || ratio > match.Ratio {
			match = NameMatch{BannedName: b.SignalValue, Ratio: ratio}
			ok = true
		}
	}
	return match, ok, nil
}

// Similarity returns the difflib sequence-matcher ratio between two strings,
// compared rune by rune: 2*matches / (len(a)+len(b)), in [0, 1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	m := difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, ""))
	return m.Ratio()
}

// List returns every ban of one type, ordered by value.
func (r *Registry) List(ctx context.Context, t SignalType) ([]*BannedSignal, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSignalType, t)
	}
	return r.store.ListByType(ctx, t)
}
