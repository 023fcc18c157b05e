package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript resets a stale counter or increments a live one in one
// round trip. A reset also sets the key TTL to the window, so lapsed
// counters disappear on their own.
//
// KEYS[1] counter hash; ARGV[1] now (unix ms); ARGV[2] window (ms).
var incrementScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = tonumber(redis.call('HGET', KEYS[1], 'window_start'))
if (not start) or (start < now - window) then
	redis.call('HSET', KEYS[1], 'attempts', 1, 'window_start', now)
	redis.call('PEXPIRE', KEYS[1], window)
	return {1, now}
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
return {attempts, start}
`)

// RedisStore keeps counters in Redis hashes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "reggate:rl:"}
}

func (s *RedisStore) key(k Key) string {
	return s.prefix + k.String()
}

func (s *RedisStore) Increment(ctx context.Context, key Key, now time.Time, window time.Duration) (Counter, error) {
	vals, err := incrementScript.Run(ctx, s.client, []string{s.key(key)}, now.UnixMilli(), window.Milliseconds()).Int64Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("redis increment counter: %w", err)
	}
	if len(vals) != 2 {
		return Counter{}, fmt.Errorf("redis increment counter: unexpected reply of length %d", len(vals))
	}
	return Counter{
		Identifier:     key.Identifier,
		IdentifierType: key.Type,
		Action:         key.Action,
		Attempts:       int(vals[0]),
		WindowStart:    time.UnixMilli(vals[1]),
	}, nil
}

func (s *RedisStore) Attempts(ctx context.Context, key Key, now time.Time, window time.Duration) (int, error) {
	vals, err := s.client.HMGet(ctx, s.key(key), "attempts", "window_start").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis read counter: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, nil
	}

	attempts, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return 0, fmt.Errorf("redis read counter attempts: %w", err)
	}
	startMs, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis read counter window: %w", err)
	}
	if stale(time.UnixMilli(startMs), now, window) {
		return 0, nil
	}
	return attempts, nil
}
