package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingKeyPrefix = "reggate:pending:"

// RedisPendingStore keeps pending registrations in Redis with a TTL matching
// their expiry, so abandoned sessions clean themselves up.
type RedisPendingStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisPendingStore creates a Redis-backed pending store.
func NewRedisPendingStore(client redis.UniversalClient) *RedisPendingStore {
	return &RedisPendingStore{client: client, now: time.Now}
}

func (s *RedisPendingStore) Put(ctx context.Context, p *PendingRegistration) error {
	ttl := p.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("session %s: %w", p.SessionID, ErrPendingExpired)
	}
	// Candidate.Password has no JSON encoding.
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending registration: %w", err)
	}
	if err := s.client.Set(ctx, pendingKeyPrefix+p.SessionID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending registration: %w", err)
	}
	return nil
}

func (s *RedisPendingStore) Get(ctx context.Context, sessionID string) (*PendingRegistration, error) {
	data, err := s.client.Get(ctx, pendingKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending registration: %w", err)
	}
	var p PendingRegistration
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending registration: %w", err)
	}
	return &p, nil
}

func (s *RedisPendingStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, pendingKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("failed to delete pending registration: %w", err)
	}
	return nil
}
