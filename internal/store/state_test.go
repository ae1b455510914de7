package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_SetGetDelete(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetState(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetState(ctx, "k", "v1"))
	require.NoError(t, s.SetState(ctx, "k", "v2"))
	v, ok, err := s.GetState(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.DeleteState(ctx, "k"))
	_, ok, err = s.GetState(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckpoint_RFC3339UTC(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Checkpoint(ctx, "last_sync_contact")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2024, 3, 1, 14, 30, 0, 0, time.FixedZone("CET", 3600))
	require.NoError(t, s.SetCheckpoint(ctx, "last_sync_contact", at))

	raw, _, err := s.GetState(ctx, "last_sync_contact")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T13:30:00Z", raw)

	got, ok, err := s.Checkpoint(ctx, "last_sync_contact")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(at))
}

func TestCheckpoint_Malformed(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "last_sync_contact", "yesterday"))
	_, _, err := s.Checkpoint(ctx, "last_sync_contact")
	assert.Error(t, err)
}
