package registration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/reggate/internal/metrics"
)

// MemoryPendingStore is an in-memory PendingStore for demo/test use. Expired
// entries are dropped on read.
type MemoryPendingStore struct {
	mu      sync.Mutex
	pending map[string]*PendingRegistration
	now     func() time.Time
}

// NewMemoryPendingStore creates an in-memory pending store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{
		pending: make(map[string]*PendingRegistration),
		now:     time.Now,
	}
}

// WithClock overrides the time source (tests).
func (s *MemoryPendingStore) WithClock(now func() time.Time) *MemoryPendingStore {
	s.now = now
	return s
}

func (s *MemoryPendingStore) Put(_ context.Context, p *PendingRegistration) error {
	if !s.now().Before(p.ExpiresAt) {
		return fmt.Errorf("session %s: %w", p.SessionID, ErrPendingExpired)
	}
	cp := *p
	cp.Candidate.Password = ""

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.SessionID] = &cp
	metrics.PendingRegistrations.Set(float64(len(s.pending)))
	return nil
}

func (s *MemoryPendingStore) Get(_ context.Context, sessionID string) (*PendingRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[sessionID]
	if !ok {
		return nil, ErrPendingNotFound
	}
	if !s.now().Before(p.ExpiresAt) {
		delete(s.pending, sessionID)
		metrics.PendingRegistrations.Set(float64(len(s.pending)))
		return nil, ErrPendingNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryPendingStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, sessionID)
	metrics.PendingRegistrations.Set(float64(len(s.pending)))
	return nil
}
