package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_UpsertAndGetCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	d := &Decision{
		ID:          "dec_1",
		SessionID:   "sess_1",
		RiskScore:   40,
		Breakdown:   map[string]SignalScore{CheckFormTooFast: {Score: 40, Status: StatusTriggered}},
		Action:      ActionMonitor,
		ActionTaken: TakenMonitored,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.Upsert(ctx, d))
	d.Breakdown[CheckTorExit] = SignalScore{Score: 100}

	got, err := s.Get(ctx, "sess_1")
	require.NoError(t, err)
	assert.Len(t, got.Breakdown, 1)
	assert.False(t, got.Resolved())

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}

func TestMemoryStore_ResolveIsConditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, &Decision{SessionID: "sess_1", ActionTaken: TakenChallenged}))

	uid := int64(42)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Resolve(ctx, "sess_1", TakenChallenged, TakenMonitored, &uid, at))

	got, err := s.Get(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, TakenMonitored, got.ActionTaken)
	require.NotNil(t, got.UserID)
	assert.Equal(t, int64(42), *got.UserID)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, at.Equal(*got.ResolvedAt))

	err = s.Resolve(ctx, "sess_1", TakenChallenged, TakenMonitored, &uid, at)
	assert.ErrorIs(t, err, ErrStateConflict, "second resolve loses")

	err = s.Resolve(ctx, "missing", TakenChallenged, TakenMonitored, nil, at)
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}
