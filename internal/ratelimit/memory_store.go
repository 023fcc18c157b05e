package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/reggate/internal/syncutil"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
// Increments for one key are serialized by a sharded mutex.
type MemoryStore struct {
	locks    syncutil.ShardedMutex
	counters sync.Map // Key → *Counter
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Increment(_ context.Context, key Key, now time.Time, window time.Duration) (Counter, error) {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	v, ok := s.counters.Load(key)
	if !ok || stale(v.(*Counter).WindowStart, now, window) {
		c := &Counter{
			Identifier:     key.Identifier,
			IdentifierType: key.Type,
			Action:         key.Action,
			Attempts:       1,
			WindowStart:    now,
		}
		s.counters.Store(key, c)
		return *c, nil
	}

	c := v.(*Counter)
	c.Attempts++
	return *c, nil
}

func (s *MemoryStore) Attempts(_ context.Context, key Key, now time.Time, window time.Duration) (int, error) {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	v, ok := s.counters.Load(key)
	if !ok {
		return 0, nil
	}
	c := v.(*Counter)
	if stale(c.WindowStart, now, window) {
		return 0, nil
	}
	return c.Attempts, nil
}

// Sweep drops counters whose window lapsed before now. Returns the count removed.
func (s *MemoryStore) Sweep(now time.Time, window time.Duration) int {
	n := 0
	s.counters.Range(func(k, _ any) bool {
		key := k.(Key)
		unlock := s.locks.Lock(key.String())
		if v, ok := s.counters.Load(key); ok && stale(v.(*Counter).WindowStart, now, window) {
			s.counters.Delete(key)
			n++
		}
		unlock()
		return true
	})
	return n
}

// DeleteStale is Sweep with the StaleDeleter signature.
func (s *MemoryStore) DeleteStale(_ context.Context, now time.Time, window time.Duration) (int64, error) {
	return int64(s.Sweep(now, window)), nil
}
