package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActions_LogAndRecent(t *testing.T) {
	ctx := context.Background()
	a, err := NewActions(ctx, newTestDB(t))
	require.NoError(t, err)

	require.NoError(t, a.Log(ctx, ActionRecord{GroupID: 100, Action: ActionBan, UserID: 1, Reason: "first"}))
	require.NoError(t, a.Log(ctx, ActionRecord{GroupID: 100, Action: ActionDelete, UserID: 2, Reason: "second"}))
	require.NoError(t, a.Log(ctx, ActionRecord{GroupID: 200, Action: ActionBan, UserID: 3, Reason: "other group"}))

	recs, err := a.Recent(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "second", recs[0].Reason, "newest first")
	assert.Equal(t, "first", recs[1].Reason)

	limited, err := a.Recent(ctx, 100, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestActions_BanLifecycle(t *testing.T) {
	ctx := context.Background()
	a, err := NewActions(ctx, newTestDB(t))
	require.NoError(t, err)

	banned, err := a.IsBanned(ctx, 100, 42)
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, a.AddBan(ctx, 100, 42, "spam"))

	banned, err = a.IsBanned(ctx, 100, 42)
	require.NoError(t, err)
	assert.True(t, banned)

	banned, err = a.IsBanned(ctx, 200, 42)
	require.NoError(t, err)
	assert.False(t, banned, "ban is per group")

	require.NoError(t, a.CloseBan(ctx, 100, 42))

	banned, err = a.IsBanned(ctx, 100, 42)
	require.NoError(t, err)
	assert.False(t, banned)
}
