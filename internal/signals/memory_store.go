package signals

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // session_id → record
}

// NewMemoryStore creates an in-memory signal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Upsert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyRecord(rec)
	if prev, ok := s.records[rec.SessionID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	s.records[rec.SessionID] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) CountByIPSince(_ context.Context, ip string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.IPAddress == ip && !rec.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func copyRecord(rec *Record) *Record {
	cp := *rec
	if rec.Unavailable != nil {
		cp.Unavailable = append([]string(nil), rec.Unavailable...)
	}
	return &cp
}
