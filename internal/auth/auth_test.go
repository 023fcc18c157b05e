package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	raw, key, err := mgr.GenerateKey(context.Background(), "ops", "ci")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if !strings.HasPrefix(raw, "rk_") || len(raw) != 3+64 {
		t.Errorf("unexpected raw key %q", raw)
	}
	if key.Hash == raw || key.Hash == "" {
		t.Error("expected hash to differ from raw key")
	}
	if key.Principal != "ops" || key.Name != "ci" {
		t.Errorf("unexpected metadata %+v", key)
	}
}

func TestValidateKey(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())
	raw, _, _ := mgr.GenerateKey(ctx, "ops", "ci")

	if _, err := mgr.ValidateKey(ctx, raw); err != nil {
		t.Errorf("raw key rejected: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, "Bearer "+raw); err != nil {
		t.Errorf("bearer key rejected: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, ""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, "sk_"+strings.Repeat("a", 64)); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for wrong prefix, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, "rk_unknown"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for unknown key, got %v", err)
	}
}

func TestValidateKey_TracksLastUse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mgr := NewManager(store)
	raw, key, _ := mgr.GenerateKey(ctx, "ops", "ci")

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return at }
	if _, err := mgr.ValidateKey(ctx, raw); err != nil {
		t.Fatal(err)
	}
	keys, _ := store.GetByPrincipal(ctx, "ops")
	if len(keys) != 1 || keys[0].ID != key.ID || !keys[0].LastUsed.Equal(at) {
		t.Errorf("expected last use %v, got %+v", at, keys)
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())
	raw := "rk_" + strings.Repeat("ab", 20)

	first, err := mgr.Import(ctx, raw, "ops", "bootstrap")
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	second, err := mgr.Import(ctx, raw, "ops", "bootstrap")
	if err != nil {
		t.Fatalf("second Import failed: %v", err)
	}
	if first.ID != second.ID {
		t.Error("expected import to be idempotent")
	}
	if _, err := mgr.ValidateKey(ctx, raw); err != nil {
		t.Errorf("imported key rejected: %v", err)
	}

	if _, err := mgr.Import(ctx, "rk_short", "ops", "bad"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected short key to be rejected, got %v", err)
	}
}

func TestRevokeKey(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())
	raw, key, _ := mgr.GenerateKey(ctx, "ops", "ci")

	if err := mgr.RevokeKey(ctx, key.ID, "someone-else"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound for other principal, got %v", err)
	}
	if err := mgr.RevokeKey(ctx, key.ID, "ops"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected revoked key to be rejected, got %v", err)
	}
}

func TestExpiredKeyRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mgr := NewManager(store)

	raw := "rk_" + strings.Repeat("cd", 20)
	key := mgr.newKey(raw, "ops", "old")
	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	if err := store.Create(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.ValidateKey(ctx, raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected expired key to be rejected, got %v", err)
	}
}
