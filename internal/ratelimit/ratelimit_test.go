package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_IncrementAndReset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := Key{Identifier: "198.51.100.1", Type: TypeIP, Action: ActionRegistration}
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		c, err := s.Increment(ctx, key, t0.Add(time.Duration(i)*time.Minute), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, c.Attempts)
		assert.Equal(t, t0.Add(time.Minute), c.WindowStart, "window starts at first attempt")
	}

	n, err := s.Attempts(ctx, key, t0.Add(30*time.Minute), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Exactly one hour after the window opened is still inside it.
	n, err = s.Attempts(ctx, key, t0.Add(61*time.Minute), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	late := t0.Add(2 * time.Hour)
	n, err = s.Attempts(ctx, key, late, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "stale window reads as zero")

	c, err := s.Increment(ctx, key, late, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Attempts)
	assert.Equal(t, late, c.WindowStart)
}

func TestMemoryStore_KeysAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_, _ = s.Increment(ctx, Key{"a@example.com", TypeEmail, ActionRegistration}, now, time.Hour)
	_, _ = s.Increment(ctx, Key{"a@example.com", TypeEmail, ActionLogin}, now, time.Hour)
	c, _ := s.Increment(ctx, Key{"a@example.com", TypeEmail, ActionRegistration}, now, time.Hour)
	assert.Equal(t, 2, c.Attempts)

	n, _ := s.Attempts(ctx, Key{"a@example.com", TypeEmail, ActionLogin}, now, time.Hour)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_ConcurrentIncrementsAreNotLost(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := Key{Identifier: "fp", Type: TypeFingerprint, Action: ActionRegistration}
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Increment(ctx, key, now, time.Hour)
		}()
	}
	wg.Wait()

	n, err := s.Attempts(ctx, key, now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Now()

	_, _ = s.Increment(ctx, Key{"old", TypeIP, ActionRegistration}, t0.Add(-3*time.Hour), time.Hour)
	_, _ = s.Increment(ctx, Key{"new", TypeIP, ActionRegistration}, t0, time.Hour)

	assert.Equal(t, 1, s.Sweep(t0, time.Hour))
	n, _ := s.Attempts(ctx, Key{"new", TypeIP, ActionRegistration}, t0, time.Hour)
	assert.Equal(t, 1, n)
}

func TestLimiter_RecordAndAttempts(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewLimiter(NewMemoryStore()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	ids := map[IdentifierType]string{
		TypeIP:          "203.0.113.5",
		TypeFingerprint: "abc123",
		TypeEmail:       "", // skipped
	}
	require.NoError(t, l.Record(ctx, ActionRegistration, ids))
	require.NoError(t, l.Record(ctx, ActionRegistration, ids))

	n, err := l.Attempts(ctx, ActionRegistration, TypeIP, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.Attempts(ctx, ActionRegistration, TypeEmail, "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	now = now.Add(2 * time.Hour)
	n, err = l.Attempts(ctx, ActionRegistration, TypeFingerprint, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type failingStore struct{ MemoryStore }

func (f *failingStore) Increment(_ context.Context, key Key, _ time.Time, _ time.Duration) (Counter, error) {
	if key.Type == TypeIP {
		return Counter{}, errors.New("db down")
	}
	return Counter{Attempts: 1}, nil
}

func TestLimiter_RecordReturnsFirstError(t *testing.T) {
	l := NewLimiter(&failingStore{})
	err := l.Record(context.Background(), ActionLogin, map[IdentifierType]string{
		TypeIP:    "203.0.113.5",
		TypeEmail: "a@example.com",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "increment ip counter")
}

func TestThrottle_BurstThenReject(t *testing.T) {
	th := NewThrottle(ThrottleConfig{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer th.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, th.Allow("client"), "request %d within burst", i)
	}
	assert.False(t, th.Allow("client"))
	assert.True(t, th.Allow("other-client"))
}

func TestThrottle_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	th := NewThrottle(ThrottleConfig{RequestsPerMinute: 1, BurstSize: 1})
	defer th.Stop()
	th.Stop() // idempotent

	r := gin.New()
	r.Use(th.Middleware())
	r.POST("/v1/registrations", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 2)
	for i := range codes {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/registrations", nil)
		req.RemoteAddr = "192.0.2.10:4321"
		r.ServeHTTP(w, req)
		codes[i] = w.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
