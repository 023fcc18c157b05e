package challenge

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/reggate/internal/logging"
	"github.com/mbd888/reggate/internal/policy"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// easyPolicy issues difficulty 1 challenges so tests solve them instantly.
func easyPolicy() policy.Challenge {
	p := policy.Default().Challenge
	p.DifficultySteps = []policy.DifficultyStep{{Below: 1000, Difficulty: 1}}
	return p
}

func newTestService(p policy.Challenge) (*Service, *MemoryStore, *clock) {
	store := NewMemoryStore()
	clk := &clock{now: t0}
	return NewService(store, p).WithClock(clk.Now), store, clk
}

func solve(p *Params, timestamp string) Solution {
	for i := 0; ; i++ {
		n := strconv.Itoa(i)
		if h := Hash(p.Data, timestamp, n); strings.HasPrefix(h, p.TargetPrefix) {
			return Solution{Data: p.Data, Timestamp: timestamp, Nonce: n, Hash: h}
		}
	}
}

func TestDifficultyFor(t *testing.T) {
	svc, _, _ := newTestService(policy.Default().Challenge)
	tests := []struct {
		score int
		want  int
	}{
		{0, 2}, {29, 2}, {30, 3}, {59, 3}, {60, 4}, {65, 4}, {99, 4},
		{100, 5}, {149, 5}, {150, 6}, {999, 6},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, svc.DifficultyFor(tt.score), "score %d", tt.score)
	}
}

func TestDifficultyFor_Clamped(t *testing.T) {
	p := easyPolicy()
	p.DifficultySteps = []policy.DifficultyStep{{Below: 10, Difficulty: 0}}
	p.MaxDifficulty = 40
	svc, _, _ := newTestService(p)
	assert.Equal(t, MinDifficulty, svc.DifficultyFor(5))
	assert.Equal(t, MaxDifficulty, svc.DifficultyFor(50))
}

func TestGenerate_RiskScore65(t *testing.T) {
	svc, store, _ := newTestService(policy.Default().Challenge)

	params, err := svc.Generate(context.Background(), "sess_1", 65)
	require.NoError(t, err)
	assert.Equal(t, 4, params.Difficulty)
	assert.Equal(t, "0000", params.TargetPrefix)
	assert.Equal(t, strconv.FormatInt(t0.UnixMilli(), 10), params.Timestamp)
	assert.Equal(t, t0.Add(10*time.Minute), params.ExpiresAt)

	c, ok := store.Get(params.ChallengeID)
	require.True(t, ok)
	assert.Len(t, c.TargetHash, 64)
	assert.True(t, strings.HasPrefix(c.TargetHash, "0000"))
	assert.Equal(t, c.TargetHash, Hash(c.Data, c.Timestamp, c.Nonce))
	assert.False(t, c.Completed)
	assert.Zero(t, c.Attempts)
}

func TestGenerate_StrongChallengeWithDefaultPolicy(t *testing.T) {
	if testing.Short() {
		t.Skip("difficulty 5 search takes about a million hashes")
	}
	p := policy.Default().Challenge
	require.Greater(t, p.SearchBudget(5), 16<<16, "round budget covers the expected work")

	// Under a flat one million cap about one round in three fails here.
	svc, store, _ := newTestService(p)
	for i := 0; i < 3; i++ {
		sessionID := "sess_strong_" + strconv.Itoa(i)
		params, err := svc.Generate(context.Background(), sessionID, 120)
		require.NoError(t, err)
		assert.Equal(t, 5, params.Difficulty)

		c, ok := store.Get(params.ChallengeID)
		require.True(t, ok)
		assert.True(t, strings.HasPrefix(c.TargetHash, "00000"))
	}
}

func TestGenerate_ExhaustedSearch(t *testing.T) {
	p := easyPolicy()
	p.DifficultySteps = []policy.DifficultyStep{{Below: 1000, Difficulty: MaxDifficulty}}
	p.MaxIterations = 1
	p.MaxRounds = 2
	svc, store, _ := newTestService(p)

	_, err := svc.Generate(context.Background(), "sess_1", 10)
	require.ErrorIs(t, err, ErrChallengeGeneration)

	_, err = store.Latest(context.Background(), "sess_1")
	assert.ErrorIs(t, err, ErrChallengeNotFound, "nothing is stored on failure")
}

func TestGenerate_CanceledContext(t *testing.T) {
	svc, _, _ := newTestService(easyPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Generate(ctx, "sess_1", 10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrChallengeGeneration)
}

func TestVerify_ValidSolutionCompletesOnce(t *testing.T) {
	svc, store, _ := newTestService(easyPolicy())
	ctx := context.Background()

	params, err := svc.Generate(ctx, "sess_1", 10)
	require.NoError(t, err)
	sol := solve(params, params.Timestamp)

	res, err := svc.Verify(ctx, "sess_1", sol)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reason)

	c, _ := store.Get(params.ChallengeID)
	assert.True(t, c.Completed)
	assert.Equal(t, 1, c.Attempts)
	require.NotNil(t, c.CompletedAt)

	res, err = svc.Verify(ctx, "sess_1", sol)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNoChallenge, res.Reason)
}

func TestVerify_NoChallenge(t *testing.T) {
	svc, _, _ := newTestService(easyPolicy())
	res, err := svc.Verify(context.Background(), "sess_unknown", Solution{Data: "x", Timestamp: "1", Nonce: "1", Hash: "0"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNoChallenge, res.Reason)
}

func TestVerify_ExpiredEvenWhenCorrect(t *testing.T) {
	svc, store, clk := newTestService(easyPolicy())
	ctx := context.Background()

	params, err := svc.Generate(ctx, "sess_1", 10)
	require.NoError(t, err)
	sol := solve(params, params.Timestamp)

	clk.Advance(10*time.Minute + time.Second)
	res, err := svc.Verify(ctx, "sess_1", sol)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonExpired, res.Reason)

	c, _ := store.Get(params.ChallengeID)
	assert.False(t, c.Completed)
	assert.Equal(t, t0.Add(10*time.Minute), c.ExpiresAt, "expiry is never extended")
}

func TestVerify_FailuresCountAttemptsAndStayOpen(t *testing.T) {
	svc, store, clk := newTestService(easyPolicy())
	ctx := context.Background()

	params, err := svc.Generate(ctx, "sess_1", 10)
	require.NoError(t, err)
	good := solve(params, params.Timestamp)

	// A self-consistent hash that misses the prefix.
	var weak Solution
	for i := 0; ; i++ {
		n := strconv.Itoa(i)
		if h := Hash(params.Data, params.Timestamp, n); !strings.HasPrefix(h, params.TargetPrefix) {
			weak = Solution{Data: params.Data, Timestamp: params.Timestamp, Nonce: n, Hash: h}
			break
		}
	}

	stale := strconv.FormatInt(t0.Add(-20*time.Minute).UnixMilli(), 10)

	tests := []struct {
		name   string
		sol    Solution
		reason string
	}{
		{"missing nonce", Solution{Data: params.Data, Timestamp: params.Timestamp, Hash: good.Hash}, ReasonMalformed},
		{"other data", Solution{Data: "deadbeef", Timestamp: good.Timestamp, Nonce: good.Nonce, Hash: Hash("deadbeef", good.Timestamp, good.Nonce)}, ReasonDataMismatch},
		{"fabricated hash", Solution{Data: good.Data, Timestamp: good.Timestamp, Nonce: good.Nonce, Hash: strings.Repeat("0", 64)}, ReasonHashMismatch},
		{"weak hash", weak, ReasonInsufficient},
		{"bad timestamp", solve(params, "yesterday"), ReasonInvalidTime},
		{"stale timestamp", solve(params, stale), ReasonTimestampWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Verify(ctx, "sess_1", tt.sol)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}

	c, _ := store.Get(params.ChallengeID)
	assert.Equal(t, len(tests), c.Attempts)
	assert.False(t, c.Completed)

	clk.Advance(time.Minute)
	res, err := svc.Verify(ctx, "sess_1", good)
	require.NoError(t, err)
	assert.True(t, res.Valid, "the challenge stays open for retry")
}

func TestGenerate_ReplacesOpenChallenge(t *testing.T) {
	svc, store, clk := newTestService(easyPolicy())
	ctx := context.Background()

	first, err := svc.Generate(ctx, "sess_1", 10)
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := svc.Generate(ctx, "sess_1", 10)
	require.NoError(t, err)

	c, _ := store.Get(first.ChallengeID)
	assert.True(t, c.Expired(clk.Now()))

	latest, err := store.Latest(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, second.ChallengeID, latest.ID)

	// A solution for the first challenge no longer verifies.
	res, err := svc.Verify(ctx, "sess_1", solve(first, first.Timestamp))
	require.NoError(t, err)
	assert.Equal(t, ReasonDataMismatch, res.Reason)
}

func TestSweeper_DeletesAfterGrace(t *testing.T) {
	svc, store, clk := newTestService(easyPolicy())
	ctx := context.Background()

	params, err := svc.Generate(ctx, "sess_1", 10)
	require.NoError(t, err)

	sweeper := NewSweeper(store, time.Minute, time.Hour, logging.Discard()).WithClock(clk.Now)

	clk.Advance(30 * time.Minute)
	assert.Zero(t, sweeper.Sweep(ctx), "expired but within grace")

	clk.Advance(time.Hour)
	assert.Equal(t, 1, sweeper.Sweep(ctx))
	_, ok := store.Get(params.ChallengeID)
	assert.False(t, ok)
}

func TestSweeper_StartStop(t *testing.T) {
	sweeper := NewSweeper(NewMemoryStore(), 10*time.Millisecond, time.Hour, logging.Discard())
	done := make(chan struct{})
	go func() {
		sweeper.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, sweeper.Running, time.Second, 5*time.Millisecond)
	// Stop does not block, so repeat it until the loop is listening.
	require.Eventually(t, func() bool {
		sweeper.Stop()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.False(t, sweeper.Running())
}
