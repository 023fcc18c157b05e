package risk

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions map[string]*Decision // session_id → decision
}

// NewMemoryStore creates an in-memory decision store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{decisions: make(map[string]*Decision)}
}

func (s *MemoryStore) Upsert(_ context.Context, d *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.SessionID] = copyDecision(d)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[sessionID]
	if !ok {
		return nil, ErrDecisionNotFound
	}
	return copyDecision(d), nil
}

func (s *MemoryStore) Resolve(_ context.Context, sessionID string, from, to ActionTaken, userID *int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[sessionID]
	if !ok {
		return ErrDecisionNotFound
	}
	if d.ActionTaken != from {
		return ErrStateConflict
	}
	d.ActionTaken = to
	if userID != nil {
		id := *userID
		d.UserID = &id
	}
	resolved := at
	d.ResolvedAt = &resolved
	return nil
}

func copyDecision(d *Decision) *Decision {
	cp := *d
	cp.Breakdown = copyBreakdown(d.Breakdown)
	if d.UserID != nil {
		id := *d.UserID
		cp.UserID = &id
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
