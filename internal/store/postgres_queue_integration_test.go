package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/model"
)

var postgresIntegrationCounter uint64

func TestNewPostgresPushQueue_EmptyDSN(t *testing.T) {
	_, err := NewPostgresPushQueue("  ")
	assert.ErrorIs(t, err, ErrEmptyDSN)
}

func TestPostgresPlaceholders(t *testing.T) {
	assert.Equal(t, "$2, $3, $4", postgresPlaceholders(2, 3))
	assert.Equal(t, `"a""b"`, postgresQuoteIdentifier(`a"b`))
}

func TestPostgresIntegrationPushQueue(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	q := newPostgresIntegrationQueue(t, dsn)
	ctx := context.Background()
	now := testEpoch

	require.NoError(t, q.Enqueue(ctx, createTestPushItem("contact", "1", model.OpCreate), now))
	require.NoError(t, q.Enqueue(ctx, createTestPushItem("contact", "1", model.OpUpdate), now.Add(time.Second)))
	require.NoError(t, q.Enqueue(ctx, createTestPushItem("contact", "2", model.OpUpdate), now.Add(2*time.Second)))

	n, err := q.Count(ctx, "contact")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := q.Claim(ctx, "contact", 5, 10, now, testLease)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0].EntityID)
	assert.Equal(t, model.OpUpdate, items[0].Op)

	again, err := q.Claim(ctx, "contact", 5, 10, now, testLease)
	require.NoError(t, err)
	assert.Empty(t, again)

	failed := items[0]
	failed.Failures++
	require.NoError(t, q.Save(ctx, failed, now))
	require.NoError(t, q.Release(ctx, []int64{items[1].ItemID}))

	listed, err := q.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, 1, listed[0].Failures)
	assert.True(t, listed[0].Leased(now), "save keeps the lease")
	assert.False(t, listed[1].Leased(now))

	require.NoError(t, q.DeleteByEntity(ctx, "contact", "2"))
	require.NoError(t, q.Delete(ctx, failed.ItemID))
	n, err = q.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CRMSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set CRMSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func newPostgresIntegrationQueue(t *testing.T, dsn string) *PostgresPushQueue {
	t.Helper()
	q, err := NewPostgresPushQueue(dsn)
	require.NoError(t, err)
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	q.tableName = fmt.Sprintf("crmsync_push_queue_it_%d_%d", time.Now().UnixNano(), n)
	t.Cleanup(func() {
		_ = q.Close()
		postgresIntegrationDropTable(t, dsn, q.tableName)
	})
	return q
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(tableName)); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
