package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/model"
)

const testLease = 300 * time.Second

func TestEnqueue_MergesAndPreservesFailures(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, createTestPushItem("contact", "1", model.OpCreate), clk.Now()))

	items, err := s.List(ctx, "contact", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	first := items[0]
	first.Failures = 3
	first.MappedObjectID = 11
	require.NoError(t, s.Save(ctx, first, clk.Now()))

	later := clk.Advance(time.Minute)
	require.NoError(t, s.Enqueue(ctx, createTestPushItem("contact", "1", model.OpUpdate), later))

	items, err = s.List(ctx, "contact", 0)
	require.NoError(t, err)
	require.Len(t, items, 1, "same (name, entity_id) merges")
	got := items[0]
	assert.Equal(t, first.ItemID, got.ItemID)
	assert.Equal(t, model.OpUpdate, got.Op)
	assert.Equal(t, 3, got.Failures, "failures preserved")
	assert.Equal(t, int64(11), got.MappedObjectID, "stored mapped object id kept")
	assert.Equal(t, testEpoch, got.Created, "created preserved")
	assert.Equal(t, later, got.Updated)
}

func TestEnqueue_Idempotent(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(ctx, createTestPushItem("contact", "1", model.OpUpdate), clk.Now()))
	}
	require.NoError(t, s.Enqueue(ctx, createTestPushItem("lead", "1", model.OpUpdate), clk.Now()))

	n, err := s.Count(ctx, "contact")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClaim_OrderAndLimit(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"3", "1", "2"} {
		require.NoError(t, s.Enqueue(ctx, createTestPushItem("contact", id, model.OpUpdate), testEpoch.Add(time.Duration(i)*time.Second)))
	}

	items, err := s.Claim(ctx, "contact", 2, 10, clk.Now(), testLease)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "3", items[0].EntityID)
	assert.Equal(t, "1", items[1].EntityID)
	for _, it := range items {
		assert.Equal(t, clk.Now().Add(testLease).Unix(), it.Expire)
		assert.True(t, it.Leased(clk.Now()))
	}

	// Leased items are skipped.
	rest, err := s.Claim(ctx, "contact", 10, 10, clk.Now(), testLease)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "2", rest[0].EntityID)

	none, err := s.Claim(ctx, "contact", 10, 10, clk.Now(), testLease)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClaim_ExpiredLeaseIsReclaimable(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, createTestPushItem("contact", "1", model.OpUpdate), clk.Now()))
	items, err := s.Claim(ctx, "contact", 1, 10, clk.Now(), testLease)
	require.NoError(t, err)
	require.Len(t, items, 1)

	clk.Advance(testLease - time.Second)
	none, err := s.Claim(ctx, "contact", 1, 10, clk.Now(), testLease)
	require.NoError(t, err)
	assert.Empty(t, none)

	clk.Advance(time.Second)
	again, err := s.Claim(ctx, "contact", 1, 10, clk.Now(), testLease)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, items[0].ItemID, again[0].ItemID)
}

func TestClaim_SkipsPermanentlyFailed(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	item := createTestPushItem("contact", "1", model.OpUpdate)
	item.Failures = 10
	require.NoError(t, s.Save(ctx, item, clk.Now()))

	items, err := s.Claim(ctx, "contact", 5, 10, clk.Now(), testLease)
	require.NoError(t, err)
	assert.Empty(t, items)

	n, err := s.Count(ctx, "contact")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the row stays for inspection")
}

func TestClaim_ZeroLimit(t *testing.T) {
	s, clk := createTestStore(t)
	require.NoError(t, s.Enqueue(context.Background(), createTestPushItem("contact", "1", model.OpUpdate), clk.Now()))

	items, err := s.Claim(context.Background(), "contact", 0, 10, clk.Now(), testLease)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestClaim_ConcurrentClaimersNeverShareJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	const numJobs = 40
	const numClaimers = 4

	seed, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < numJobs; i++ {
		require.NoError(t, seed.Enqueue(ctx, createTestPushItem("contact", string(rune('A'+i)), model.OpUpdate), testEpoch))
	}
	require.NoError(t, seed.Close())

	var mu sync.Mutex
	seen := map[int64]int{}
	var wg sync.WaitGroup
	for c := 0; c < numClaimers; c++ {
		s, err := Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })

		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for {
				items, err := s.Claim(ctx, "contact", 3, 10, testEpoch, testLease)
				if !assert.NoError(t, err) || len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					seen[it.ItemID]++
				}
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	assert.Len(t, seen, numJobs, "every job claimed")
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}
}

func TestRelease_ClearsLease(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, createTestPushItem("contact", "1", model.OpUpdate), clk.Now()))
	items, err := s.Claim(ctx, "contact", 1, 10, clk.Now(), testLease)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, s.Release(ctx, []int64{items[0].ItemID}))
	require.NoError(t, s.Release(ctx, nil))

	again, err := s.Claim(ctx, "contact", 1, 10, clk.Now(), testLease)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestDeleteAndDeleteByEntity(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, createTestPushItem("contact", "1", model.OpUpdate), clk.Now()))
	require.NoError(t, s.Enqueue(ctx, createTestPushItem("contact", "2", model.OpUpdate), clk.Now()))
	require.NoError(t, s.Enqueue(ctx, createTestPushItem("lead", "2", model.OpUpdate), clk.Now()))

	items, err := s.List(ctx, "contact", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, s.Delete(ctx, items[0].ItemID))

	require.NoError(t, s.DeleteByEntity(ctx, "contact", "2"))

	n, err := s.Count(ctx, "contact")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Count(ctx, "lead")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
