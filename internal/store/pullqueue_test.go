package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/record"
)

func pullItems(mappingID string, ids ...string) []model.PullQueueItem {
	out := make([]model.PullQueueItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.PullQueueItem{
			MappingID: mappingID,
			Record: record.New("Contact", id, map[string]any{
				"LastName":         "Doe",
				"LastModifiedDate": "2024-03-01T11:00:00.000+0000",
			}),
		})
	}
	return out
}

func TestEnqueuePull_RoundTripsRecord(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueuePull(ctx, pullItems("contact", "003000000000001AAA"), clk.Now()))
	require.NoError(t, s.EnqueuePull(ctx, nil, clk.Now()))

	n, err := s.CountPull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, ok, err := s.ClaimPull(ctx, 10, clk.Now(), testLease)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "contact", item.MappingID)
	assert.Equal(t, "003000000000001AAA", item.Record.ID)
	assert.Equal(t, "Contact", item.Record.Type)
	assert.Equal(t, "Doe", item.Record.String("LastName"))
	assert.Equal(t, testEpoch, item.Created)
	assert.Equal(t, clk.Now().Add(testLease).Unix(), item.Expire)
}

func TestClaimPull_OldestFirstAndLeased(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueuePull(ctx, pullItems("contact", "003000000000001AAA", "003000000000002AAA"), clk.Now()))

	first, ok, err := s.ClaimPull(ctx, 10, clk.Now(), testLease)
	require.NoError(t, err)
	require.True(t, ok)
	second, ok, err := s.ClaimPull(ctx, 10, clk.Now(), testLease)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, first.ItemID, second.ItemID)

	_, ok, err = s.ClaimPull(ctx, 10, clk.Now(), testLease)
	require.NoError(t, err)
	assert.False(t, ok, "both items are leased")
}

func TestReleasePull_RecordsFailures(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueuePull(ctx, pullItems("contact", "003000000000001AAA"), clk.Now()))
	item, ok, err := s.ClaimPull(ctx, 2, clk.Now(), testLease)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleasePull(ctx, item.ItemID, 1))
	item, ok, err = s.ClaimPull(ctx, 2, clk.Now(), testLease)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, item.Failures)

	require.NoError(t, s.ReleasePull(ctx, item.ItemID, 2))
	_, ok, err = s.ClaimPull(ctx, 2, clk.Now().Add(time.Hour), testLease)
	require.NoError(t, err)
	assert.False(t, ok, "items at maxFails are not claimed")
}

func TestDeletePull(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueuePull(ctx, pullItems("contact", "003000000000001AAA"), clk.Now()))
	item, ok, err := s.ClaimPull(ctx, 10, clk.Now(), testLease)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.DeletePull(ctx, item.ItemID))
	n, err := s.CountPull(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
