// Package syncutil provides keyed locking for the in-memory stores.
package syncutil

import (
	"hash/fnv"
	"strings"
	"sync"
)

const shardCount = 256

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Keys that hash to the same shard share a lock; memory stays bounded no
// matter how many identifiers are seen.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

// Do runs fn while holding the lock for key.
func (s *ShardedMutex) Do(key string, fn func()) {
	unlock := s.Lock(key)
	defer unlock()
	fn()
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// Key joins composite key parts with a separator that cannot appear in
// normalized identifiers.
func Key(parts ...string) string {
	return strings.Join(parts, "\x1f")
}
