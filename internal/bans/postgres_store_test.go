//go:build integration

package bans

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/reggate/internal/testutil"
)

func TestPostgresStore_Registry(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	reg := NewRegistry(NewPostgresStore(db))
	ctx := context.Background()

	_, err := reg.Ban(ctx, BannedSignal{SignalType: TypeEmail, SignalValue: "Bad.Actor@gmail.com", BannedBy: "ops", Severity: SeverityHigh})
	require.NoError(t, err)
	_, err = reg.Ban(ctx, BannedSignal{SignalType: TypeName, SignalValue: "Mallory Evil", BannedBy: "ops"})
	require.NoError(t, err)

	ban, err := reg.Lookup(ctx, TypeEmail, "badactor@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, SeverityHigh, ban.Severity)

	match, ok, err := reg.MostSimilarName(ctx, "mallory evil")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, match.Ratio)

	list, err := reg.List(ctx, TypeEmail)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, reg.Unban(ctx, TypeEmail, "badactor@gmail.com"))
	ban, err = reg.Lookup(ctx, TypeEmail, "badactor@gmail.com")
	require.NoError(t, err)
	assert.Nil(t, ban)
}

func TestPostgresStore_FingerprintBan(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	reg := NewRegistry(NewPostgresStore(db))
	ctx := context.Background()
	fp := "9F86D081884C7D659A2FEAA0C55AD015A3BF4F1B2B0B822CD15D6C15B0F00A08"

	_, err := reg.Ban(ctx, BannedSignal{SignalType: TypeFingerprint, SignalValue: fp, BannedBy: "ops", Severity: SeverityHigh})
	require.NoError(t, err)

	ban, err := reg.Lookup(ctx, TypeFingerprint, strings.ToLower(fp))
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, TypeFingerprint, ban.SignalType)

	list, err := reg.List(ctx, TypeFingerprint)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
