package pushqueue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/events"
	"github.com/roach88/crmsync/internal/mappedobject"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/remote"
	"github.com/roach88/crmsync/internal/store"
	"github.com/roach88/crmsync/internal/syncerr"
	"github.com/roach88/crmsync/internal/testutil"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *store.Store
	client    *remote.MemoryClient
	entities  *entity.MemoryStore
	events    *events.Dispatcher
	clock     *testutil.FakeClock
	syncer    *mappedobject.Syncer
	queue     *Queue
	processor *RestProcessor
	observer  *Observer
	logs      *bytes.Buffer
}

func accountMapping(async bool) mapping.Definition {
	return mapping.Definition{
		ID:               "account",
		LocalEntityType:  "node",
		LocalBundle:      "organization",
		RemoteObjectType: "Account",
		Triggers:         mapping.TriggerLocal,
		Async:            async,
		Rules: []mapping.Rule{
			{Kind: mapping.KindProperties, LocalPath: "title", RemoteField: "Name", Direction: mapping.DirectionSync},
		},
	}
}

func newFixture(t *testing.T, defs []mapping.Definition, opts ...Option) *fixture {
	t.Helper()
	clk := testutil.NewFakeClock(testEpoch)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := mapping.NewRegistry(defs)
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	f := &fixture{
		store:    st,
		client:   remote.NewMemoryClient(clk),
		entities: entity.NewMemoryStore(clk),
		events:   events.New(logger),
		clock:    clk,
		logs:     logs,
	}
	f.client.Define(remote.Schema{
		Name: "Account",
		Fields: []remote.Field{
			{Name: "Id", Type: remote.TypeID},
			{Name: "Name", Type: remote.TypeString, Length: 255},
		},
	})
	f.syncer = mappedobject.New(st, f.client, f.entities,
		mappedobject.WithEvents(f.events), mappedobject.WithClock(clk), mappedobject.WithLogger(logger))

	base := []Option{
		WithClock(clk),
		WithLogger(logger),
		WithRunIDs(GeneratorFunc(testutil.SequentialIDs("run"))),
	}
	f.queue = New(st, reg, append(base, opts...)...)
	f.processor = NewRestProcessor(f.queue, f.syncer, st, f.entities, f.events)
	f.observer = NewObserver(f.queue, f.syncer, st, f.events)
	f.entities.OnChange(f.observer.Listener())
	return f
}

func (f *fixture) saveEntity(t *testing.T, title string) entity.Entity {
	t.Helper()
	ent, err := f.entities.Create(context.Background(), "node", map[string]any{"bundle": "organization", "title": title})
	require.NoError(t, err)
	require.NoError(t, f.entities.Save(context.Background(), ent))
	return ent
}

func (f *fixture) list(t *testing.T) []model.PushQueueItem {
	t.Helper()
	items, err := f.queue.List(context.Background(), "", 0)
	require.NoError(t, err)
	return items
}

func TestEnqueue_RejectsIncompleteItems(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()

	assert.ErrorIs(t, f.queue.Enqueue(ctx, "", "1", model.OpCreate), ErrInvalidItem)
	assert.ErrorIs(t, f.queue.Enqueue(ctx, "account", "", model.OpCreate), ErrInvalidItem)
	assert.ErrorIs(t, f.queue.Enqueue(ctx, "account", "1", model.Op("touch")), ErrInvalidItem)
}

func TestEnqueue_MergeKeepsFailures(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, model.PushQueueItem{
		Name: "account", EntityID: "7", Op: model.OpCreate, Failures: 3,
	}, f.clock.Now()))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.queue.Enqueue(ctx, "account", "7", model.OpUpdate))

	items := f.list(t)
	require.Len(t, items, 1)
	assert.Equal(t, model.OpUpdate, items[0].Op)
	assert.Equal(t, 3, items[0].Failures)
	assert.Equal(t, testEpoch, items[0].Created)
}

func TestProcessQueues_PushesQueuedEntity(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()

	ent := f.saveEntity(t, "Acme")
	require.Len(t, f.list(t), 1)
	assert.Empty(t, f.client.Calls())

	report := f.queue.ProcessQueues(ctx)
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, map[string]int{"account": 1}, report.PerMapping)
	assert.False(t, report.LimitReached)

	calls := f.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "create", calls[0].Op)
	assert.Equal(t, map[string]any{"Name": "Acme"}, calls[0].Fields)
	assert.Empty(t, f.list(t))

	mo, err := f.store.LoadMappedObjectByEntity(ctx, "account", "node", ent.ID())
	require.NoError(t, err)
	assert.Equal(t, calls[0].ID, mo.RemoteID)
	assert.Equal(t, model.ActionPushCreate, mo.LastSyncAction)
}

func TestProcessQueues_StopsAtLimit(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)}, WithLimit(3))
	ctx := context.Background()

	for _, title := range []string{"A", "B", "C", "D", "E"} {
		f.saveEntity(t, title)
	}

	report := f.queue.ProcessQueues(ctx)
	assert.Equal(t, 3, report.Claimed)
	assert.True(t, report.LimitReached)
	assert.Len(t, f.client.Calls(), 3)

	count, err := f.queue.Count(ctx, "account")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	report = f.queue.ProcessQueues(ctx)
	assert.Equal(t, "run-2", report.RunID)
	assert.Equal(t, 2, report.Claimed)
	assert.False(t, report.LimitReached)
}

func TestProcessQueues_TransientErrorReleasesBatch(t *testing.T) {
	contact := accountMapping(true)
	contact.ID = "contact"
	contact.Weight = 1
	f := newFixture(t, []mapping.Definition{accountMapping(true), contact})
	ctx := context.Background()

	f.saveEntity(t, "Acme")
	f.client.FailNext("create", syncerr.Transient(errors.New("503"), "service unavailable"))

	report := f.queue.ProcessQueues(ctx)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, map[string]int{"account": 1, "contact": 1}, report.PerMapping)

	items, err := f.queue.List(ctx, "account", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].Expire)
	assert.Zero(t, items[0].Failures)

	n, err := f.queue.Count(ctx, "contact")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type stubProcessor struct {
	err   error
	calls int
}

func (p *stubProcessor) Process(_ context.Context, _ []model.PushQueueItem) error {
	p.calls++
	return p.err
}

func TestProcessQueues_OtherErrorLeavesBatchLeased(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()
	stub := &stubProcessor{err: errors.New("boom")}
	f.queue.UseProcessor(stub)

	require.NoError(t, f.queue.Enqueue(ctx, "account", "1", model.OpUpdate))
	report := f.queue.ProcessQueues(ctx)
	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, 1, report.Errors)
	assert.Zero(t, report.Released)

	items := f.list(t)
	require.Len(t, items, 1)
	assert.Equal(t, testEpoch.Add(DefaultLease).Unix(), items[0].Expire)
	assert.Contains(t, f.logs.String(), "push batch failed")
}

func TestProcessQueues_RequeueReleasesBatch(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()
	f.queue.UseProcessor(&stubProcessor{err: syncerr.Requeue(errors.New("later"), "not now")})

	require.NoError(t, f.queue.Enqueue(ctx, "account", "1", model.OpUpdate))
	report := f.queue.ProcessQueues(ctx)
	assert.Equal(t, 1, report.Released)

	items := f.list(t)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].Expire)
}

func TestProcessQueues_WithoutProcessor(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	f.queue.UseProcessor(nil)

	report := f.queue.ProcessQueues(context.Background())
	assert.Equal(t, 1, report.Errors)
	assert.Zero(t, report.Claimed)
}

func TestFailItem_PermanentlyFailedAtMaxFails(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, model.PushQueueItem{
		Name: "account", EntityID: "42", Op: model.OpUpdate, Failures: 9,
	}, f.clock.Now()))
	claimed, err := f.queue.Claim(ctx, "account", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, f.queue.FailItem(ctx, errors.New("remote rejected"), claimed[0]))

	items := f.list(t)
	require.Len(t, items, 1)
	assert.Equal(t, 10, items[0].Failures)
	assert.Equal(t, claimed[0].Expire, items[0].Expire)
	assert.Contains(t, f.logs.String(), "permanently failed queue item")

	f.clock.Advance(DefaultLease + time.Second)
	claimed, err = f.queue.Claim(ctx, "account", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestFailItem_IncrementsBelowMaxFails(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, "account", "42", model.OpUpdate))
	claimed, err := f.queue.Claim(ctx, "account", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, f.queue.FailItem(ctx, errors.New("remote rejected"), claimed[0]))
	items := f.list(t)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Failures)
	assert.NotContains(t, f.logs.String(), "permanently failed")
}

func TestProcessQueues_MissingEntityDeletesItem(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, "account", "999", model.OpUpdate))
	f.queue.ProcessQueues(ctx)

	assert.Empty(t, f.list(t))
	assert.Empty(t, f.client.Calls())
	assert.Contains(t, f.logs.String(), "entity not found")
}

func TestProcessQueues_RemoteRejectionCountsFailure(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()

	f.saveEntity(t, "Acme")
	f.client.FailNext("create", errors.New("FIELD_CUSTOM_VALIDATION_EXCEPTION"))
	f.queue.ProcessQueues(ctx)

	items := f.list(t)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Failures)
	assert.NotZero(t, items[0].Expire)
}

func TestProcessQueues_UnknownMappingIsConfigurationFailure(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()

	item := model.PushQueueItem{ItemID: 1, Name: "gone", EntityID: "1", Op: model.OpUpdate}
	err := f.processor.ProcessItem(ctx, item)
	assert.True(t, syncerr.IsConfiguration(err))
}

func TestProcessQueues_AsyncDeleteRemovesRemoteRecord(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()

	ent := f.saveEntity(t, "Acme")
	f.queue.ProcessQueues(ctx)
	mo, err := f.store.LoadMappedObjectByEntity(ctx, "account", "node", ent.ID())
	require.NoError(t, err)

	require.NoError(t, f.entities.Delete(ctx, ent))
	items := f.list(t)
	require.Len(t, items, 1)
	assert.Equal(t, model.OpDelete, items[0].Op)

	f.queue.ProcessQueues(ctx)
	calls := f.client.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "delete", calls[1].Op)
	assert.Equal(t, mo.RemoteID, calls[1].ID)
	assert.Zero(t, f.client.Count("Account"))

	_, err = f.store.LoadMappedObject(ctx, mo.ID)
	assert.True(t, syncerr.IsNotFound(err))
	assert.Empty(t, f.list(t))
}

func TestReleaseAndDeleteByEntity(t *testing.T) {
	f := newFixture(t, []mapping.Definition{accountMapping(true)})
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, "account", "1", model.OpUpdate))
	require.NoError(t, f.queue.Enqueue(ctx, "account", "2", model.OpUpdate))
	claimed, err := f.queue.Claim(ctx, "account", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, f.queue.ReleaseItems(ctx, claimed))
	for _, it := range f.list(t) {
		assert.Zero(t, it.Expire)
	}

	require.NoError(t, f.queue.DeleteItemByEntity(ctx, "account", "1"))
	items := f.list(t)
	require.Len(t, items, 1)
	assert.Equal(t, "2", items[0].EntityID)
}
