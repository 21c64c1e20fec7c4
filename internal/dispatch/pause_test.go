package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPauseRegistry(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	reg := NewPauseRegistry(client)

	paused, err := reg.IsPaused(ctx, "camp-1")
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, reg.Pause(ctx, "camp-1"))

	paused, err = reg.IsPaused(ctx, "camp-1")
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, reg.Resume(ctx, "camp-1"))

	paused, err = reg.IsPaused(ctx, "camp-1")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestPauseRegistryConflicts(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	reg := NewPauseRegistry(client)

	require.NoError(t, reg.Pause(ctx, "camp-1"))
	assert.ErrorIs(t, reg.Pause(ctx, "camp-1"), ErrAlreadyPaused)

	require.NoError(t, reg.Resume(ctx, "camp-1"))
	assert.ErrorIs(t, reg.Resume(ctx, "camp-1"), ErrNotPaused)

	assert.ErrorIs(t, reg.Resume(ctx, "never-paused"), ErrNotPaused)
}

func TestPauseRegistryList(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	reg := NewPauseRegistry(client)

	require.NoError(t, reg.Pause(ctx, "camp-1"))
	require.NoError(t, reg.Pause(ctx, "camp-2"))

	ids, err := reg.Paused(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"camp-1", "camp-2"}, ids)
}
