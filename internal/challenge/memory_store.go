package challenge

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu         sync.RWMutex
	challenges map[string]*Challenge // id → challenge
	bySession  map[string][]string   // session_id → ids in issue order
}

// NewMemoryStore creates an in-memory challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]*Challenge),
		bySession:  make(map[string][]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, c *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.bySession[c.SessionID] {
		prev := s.challenges[id]
		if prev != nil && prev.Open(c.IssuedAt) {
			prev.ExpiresAt = c.IssuedAt
		}
	}
	cp := *c
	s.challenges[c.ID] = &cp
	s.bySession[c.SessionID] = append(s.bySession[c.SessionID], c.ID)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, sessionID string) (*Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Challenge
	for _, id := range s.bySession[sessionID] {
		c, ok := s.challenges[id]
		if !ok || c.Completed {
			continue
		}
		if latest == nil || !c.IssuedAt.Before(latest.IssuedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrChallengeNotFound
	}
	return copyChallenge(latest), nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok || c.Completed {
		return ErrChallengeClosed
	}
	c.Attempts++
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok || !c.Open(now) {
		return ErrChallengeClosed
	}
	c.Completed = true
	completed := now
	c.CompletedAt = &completed
	c.Attempts++
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for sessionID, ids := range s.bySession {
		kept := ids[:0]
		for _, id := range ids {
			c := s.challenges[id]
			if c != nil && c.ExpiresAt.Before(cutoff) {
				delete(s.challenges, id)
				n++
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(s.bySession, sessionID)
		} else {
			s.bySession[sessionID] = kept
		}
	}
	return n, nil
}

// Get returns a challenge by id. Not part of Store; used by tests.
func (s *MemoryStore) Get(id string) (*Challenge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	if !ok {
		return nil, false
	}
	return copyChallenge(c), true
}

func copyChallenge(c *Challenge) *Challenge {
	cp := *c
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
