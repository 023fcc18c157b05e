package bans

import (
	"context"
	"sort"
	"sync"
)

type banKey struct {
	t     SignalType
	value string
}

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu   sync.RWMutex
	bans map[banKey]*BannedSignal
}

// NewMemoryStore creates an in-memory ban store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bans: make(map[banKey]*BannedSignal)}
}

func (s *MemoryStore) Put(_ context.Context, sig *BannedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sig
	s.bans[banKey{sig.SignalType, sig.SignalValue}] = &cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, t SignalType, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bans, banKey{t, value})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, t SignalType, value string) (*BannedSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.bans[banKey{t, value}]
	if !ok {
		return nil, ErrNotBanned
	}
	cp := *sig
	return &cp, nil
}

func (s *MemoryStore) ListByType(_ context.Context, t SignalType) ([]*BannedSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*BannedSignal
	for k, sig := range s.bans {
		if k.t == t {
			cp := *sig
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalValue < out[j].SignalValue })
	return out, nil
}
