// Package auth authenticates operator calls to the internal endpoints: ban
// management and external verification callbacks.
//
// Keys are random "rk_" tokens. Only their SHA-256 hash is stored.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

const (
	keyPrefix = "rk_"
	// minKeyLength is the prefix plus 16 random bytes, hex encoded.
	minKeyLength = len(keyPrefix) + 32
)

// APIKey is a stored operator key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Principal string     `json:"principal"` // operator or service the key belongs to
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByPrincipal(ctx context.Context, principal string) ([]*APIKey, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id string) error
}

// Manager handles authentication
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a new key for principal.
// Returns the raw key (shown once) and the stored metadata
func (m *Manager) GenerateKey(ctx context.Context, principal, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = keyPrefix + hex.EncodeToString(b)

	key = m.newKey(rawKey, principal, name)
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Import registers an externally provisioned raw key, such as one supplied
// through configuration. Importing a key that already exists returns it.
func (m *Manager) Import(ctx context.Context, rawKey, principal, name string) (*APIKey, error) {
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, keyPrefix) || len(rawKey) < minKeyLength {
		return nil, ErrInvalidAPIKey
	}
	if existing, err := m.store.GetByHash(ctx, hashKey(rawKey)); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	key := m.newKey(rawKey, principal, name)
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (m *Manager) newKey(rawKey, principal, name string) *APIKey {
	h := hashKey(rawKey)
	return &APIKey{
		ID:        "ak_" + h[:16],
		Hash:      h,
		Principal: principal,
		Name:      name,
		CreatedAt: m.now().UTC(),
	}
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Last-used tracking is advisory.
	_ = m.store.Touch(ctx, key.ID, now)
	return key, nil
}

// ListKeys returns all keys for a principal
func (m *Manager) ListKeys(ctx context.Context, principal string) ([]*APIKey, error) {
	return m.store.GetByPrincipal(ctx, principal)
}

// RevokeKey revokes one of principal's keys
func (m *Manager) RevokeKey(ctx context.Context, keyID, principal string) error {
	keys, err := m.store.GetByPrincipal(ctx, principal)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			return m.store.Revoke(ctx, k.ID)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
