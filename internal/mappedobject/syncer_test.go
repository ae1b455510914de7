package mappedobject

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/events"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/remote"
	"github.com/roach88/crmsync/internal/store"
	"github.com/roach88/crmsync/internal/syncerr"
	"github.com/roach88/crmsync/internal/testutil"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *store.Store
	client   *remote.MemoryClient
	entities *entity.MemoryStore
	events   *events.Dispatcher
	clock    *testutil.FakeClock
	syncer   *Syncer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := testutil.NewFakeClock(testEpoch)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store:    st,
		client:   remote.NewMemoryClient(clk),
		entities: entity.NewMemoryStore(clk),
		events:   events.New(logger),
		clock:    clk,
	}
	f.client.Define(accountSchema)
	base := []Option{WithEvents(f.events), WithClock(clk), WithLogger(logger)}
	f.syncer = New(st, f.client, f.entities, append(base, opts...)...)
	return f
}

var accountSchema = remote.Schema{
	Name: "Account",
	Fields: []remote.Field{
		{Name: "Id", Type: remote.TypeID},
		{Name: "Name", Type: remote.TypeString, Length: 255},
		{Name: "Tags__c", Type: remote.TypeMultipicklist},
		{Name: "Employees__c", Type: remote.TypeInt},
		{Name: "Active__c", Type: remote.TypeBoolean},
		{Name: "External__c", Type: remote.TypeString, ExternalID: true},
		{Name: "LastModifiedDate", Type: remote.TypeDatetime},
	},
}

func accountMapping() mapping.Definition {
	return mapping.Definition{
		ID:               "account",
		LocalEntityType:  "node",
		LocalBundle:      "organization",
		RemoteObjectType: "Account",
		Triggers:         mapping.TriggerLocal | mapping.TriggerRemoteCreate | mapping.TriggerRemoteUpdate,
		Rules: []mapping.Rule{
			{Kind: mapping.KindProperties, LocalPath: "title", RemoteField: "Name", Direction: mapping.DirectionSync},
			{Kind: mapping.KindProperties, LocalPath: "tags", RemoteField: "Tags__c", Direction: mapping.DirectionSync},
			{Kind: mapping.KindProperties, LocalPath: "employees", RemoteField: "Employees__c", Direction: mapping.DirectionSync},
			{Kind: mapping.KindProperties, LocalPath: "active", RemoteField: "Active__c", Direction: mapping.DirectionSync},
		},
	}
}

func keyedMapping() mapping.Definition {
	def := accountMapping()
	def.KeyField = "External__c"
	def.Rules = append(def.Rules, mapping.Rule{
		Kind: mapping.KindProperties, LocalPath: "uuid", RemoteField: "External__c", Direction: mapping.DirectionPush,
	})
	return def
}

func (f *fixture) saveEntity(t *testing.T, values map[string]any) entity.Entity {
	t.Helper()
	values["bundle"] = "organization"
	ent, err := f.entities.Create(context.Background(), "node", values)
	require.NoError(t, err)
	require.NoError(t, f.entities.Save(context.Background(), ent))
	return ent
}

func TestPush_CreatesWhenNoRemoteID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := accountMapping()
	def.Rules = def.Rules[:1]
	ent := f.saveEntity(t, map[string]any{"title": "Acme"})

	mo := &model.MappedObject{}
	require.NoError(t, f.syncer.Push(ctx, def, mo, ent))

	calls := f.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "create", calls[0].Op)
	assert.Equal(t, map[string]any{"Name": "Acme"}, calls[0].Fields)

	assert.Equal(t, calls[0].ID, mo.RemoteID)
	assert.Len(t, mo.RemoteID, 18)
	assert.Equal(t, model.ActionPushCreate, mo.LastSyncAction)
	assert.Equal(t, model.StatusSuccess, mo.LastSyncStatus)
	assert.Equal(t, ent.ID(), mo.EntityID)
	assert.Equal(t, "node", mo.EntityType)
	assert.Equal(t, "account", mo.MappingID)
	assert.Equal(t, ent.Changed(), mo.EntityUpdated)

	stored, err := f.store.LoadMappedObjectByRemote(ctx, "account", mo.RemoteID)
	require.NoError(t, err)
	assert.Equal(t, mo.ID, stored.ID)
}

func TestPush_UpdatesWhenRemoteIDStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := f.client.Seed(record.New("Account", "", map[string]any{"Name": "Old"}))
	ent := f.saveEntity(t, map[string]any{"title": "New", "tags": []any{"A", "B"}, "employees": 12, "active": true})

	mo := &model.MappedObject{RemoteID: existing.ID}
	require.NoError(t, f.syncer.Push(ctx, accountMapping(), mo, ent))

	calls := f.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "update", calls[0].Op)
	assert.Equal(t, existing.ID, calls[0].ID)
	assert.Equal(t, map[string]any{
		"Name":         "New",
		"Tags__c":      "A;B",
		"Employees__c": 12,
		"Active__c":    true,
	}, calls[0].Fields)
	assert.Equal(t, model.ActionPushUpdate, mo.LastSyncAction)
}

func TestPush_UpsertTakesPrecedence(t *testing.T) {
	for _, remoteID := range []string{"", "001000000000001AAA"} {
		t.Run("remote_id="+remoteID, func(t *testing.T) {
			f := newFixture(t)
			ent := f.saveEntity(t, map[string]any{"title": "Acme", "uuid": "ext-1"})

			mo := &model.MappedObject{RemoteID: remoteID}
			require.NoError(t, f.syncer.Push(context.Background(), keyedMapping(), mo, ent))

			calls := f.client.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, "upsert", calls[0].Op)
			assert.Equal(t, "External__c", calls[0].KeyField)
			assert.Equal(t, "ext-1", calls[0].KeyValue)
			assert.Equal(t, model.ActionPushUpsert, mo.LastSyncAction)
			assert.NotEmpty(t, mo.RemoteID)
		})
	}
}

func TestPush_UpsertOfExistingRecordKeepsRemoteID(t *testing.T) {
	f := newFixture(t)
	f.client.Seed(record.New("Account", "001000000000042AAA", map[string]any{"External__c": "ext-1"}))
	ent := f.saveEntity(t, map[string]any{"title": "Acme", "uuid": "ext-1"})

	mo := &model.MappedObject{RemoteID: "001000000000042AAA"}
	require.NoError(t, f.syncer.Push(context.Background(), keyedMapping(), mo, ent))
	assert.Equal(t, "001000000000042AAA", mo.RemoteID)
}

func TestPush_NormalizesReturnedID(t *testing.T) {
	f := newFixture(t)
	client := &shortIDClient{MemoryClient: f.client}
	s := New(f.store, client, f.entities, WithClock(f.clock))
	def := accountMapping()
	def.Rules = def.Rules[:1]
	ent := f.saveEntity(t, map[string]any{"title": "Acme"})

	mo := &model.MappedObject{}
	require.NoError(t, s.Push(context.Background(), def, mo, ent))
	assert.Len(t, mo.RemoteID, 18)
	assert.True(t, record.SameID(mo.RemoteID, mo.RemoteID[:15]))
}

// shortIDClient returns 15 character ids from Create.
type shortIDClient struct {
	*remote.MemoryClient
}

func (c *shortIDClient) Create(ctx context.Context, objectType string, fields map[string]any) (string, error) {
	id, err := c.MemoryClient.Create(ctx, objectType, fields)
	if err != nil {
		return "", err
	}
	return id[:15], nil
}

func TestPush_ParamsAlterListener(t *testing.T) {
	f := newFixture(t)
	f.events.OnPushParamsAlter(func(_ context.Context, ev *events.PushParamsEvent) {
		ev.Params["Name"] = ev.Params["Name"].(string) + " (altered)"
		delete(ev.Params, "Tags__c")
	})
	ent := f.saveEntity(t, map[string]any{"title": "Acme", "tags": []any{"A"}, "employees": 1, "active": false})

	require.NoError(t, f.syncer.Push(context.Background(), accountMapping(), &model.MappedObject{}, ent))

	calls := f.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Acme (altered)", calls[0].Fields["Name"])
	assert.NotContains(t, calls[0].Fields, "Tags__c")
}

func TestPush_RemoteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := syncerr.Transient(errors.New("503"), "service unavailable")
	f.client.FailNext("create", boom)

	var failed []*events.PushResultEvent
	var succeeded int
	f.events.OnPushFail(func(_ context.Context, ev *events.PushResultEvent) { failed = append(failed, ev) })
	f.events.OnPushSuccess(func(context.Context, *events.PushResultEvent) { succeeded++ })

	def := accountMapping()
	def.Rules = def.Rules[:1]
	ent := f.saveEntity(t, map[string]any{"title": "Acme"})
	mo := &model.MappedObject{}

	err := f.syncer.Push(ctx, def, mo, ent)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, syncerr.IsTransient(err))

	require.Len(t, failed, 1)
	assert.Equal(t, model.ActionPushCreate, failed[0].Op)
	assert.Same(t, boom, failed[0].Err)
	assert.Zero(t, succeeded)

	assert.Equal(t, model.StatusFail, mo.LastSyncStatus)
	assert.Zero(t, mo.ID)
	_, err = f.store.LoadMappedObjectByEntity(ctx, def.ID, ent.Type(), ent.ID())
	assert.True(t, syncerr.IsNotFound(err), "a failed first create must not leave a mapped object")
}

func TestPush_RemoteFailureOnUpdateIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := accountMapping()
	def.Rules = def.Rules[:1]
	ent := f.saveEntity(t, map[string]any{"title": "Acme"})
	mo := &model.MappedObject{}
	require.NoError(t, f.syncer.Push(ctx, def, mo, ent))
	require.NotZero(t, mo.ID)

	f.client.FailNext("update", syncerr.Transient(errors.New("503"), "service unavailable"))
	require.Error(t, f.syncer.Push(ctx, def, mo, ent))

	stored, err := f.store.LoadMappedObject(ctx, mo.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFail, stored.LastSyncStatus)
	assert.Equal(t, model.ActionPushUpdate, stored.LastSyncAction)
	assert.NotEmpty(t, stored.RemoteID)
}

func TestPush_FieldErrorsBecomeNotices(t *testing.T) {
	f := newFixture(t)
	var notices []string
	f.events.OnNotice(func(_ context.Context, msg string, _ ...any) { notices = append(notices, msg) })

	def := accountMapping()
	def.Rules = append(def.Rules[:1], mapping.Rule{
		Kind: mapping.KindRelatedProperties, LocalPath: "parent.title", RemoteField: "ParentId", Direction: mapping.DirectionPush,
	})
	ent := f.saveEntity(t, map[string]any{"title": "Acme", "parent": map[string]any{"type": "node", "id": "404"}})

	require.NoError(t, f.syncer.Push(context.Background(), def, &model.MappedObject{}, ent))
	assert.Equal(t, []string{"push field skipped"}, notices)
	assert.Equal(t, map[string]any{"Name": "Acme"}, f.client.Calls()[0].Fields)
}

func TestPush_PayloadValidation(t *testing.T) {
	f := newFixture(t, WithPayloadValidation(true))
	def := accountMapping()
	def.Rules = append(def.Rules[:1], mapping.Rule{
		Kind: mapping.KindConstant, Value: "x", RemoteField: "Bogus__c", Direction: mapping.DirectionPush,
	})
	ent := f.saveEntity(t, map[string]any{"title": "Acme"})

	err := f.syncer.Push(context.Background(), def, &model.MappedObject{}, ent)
	require.Error(t, err)
	assert.True(t, syncerr.IsConfiguration(err))
	assert.Empty(t, f.client.Calls(), "no remote write for a rejected payload")
}

func TestPushDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := f.client.Seed(record.New("Account", "", map[string]any{"Name": "Acme"}))

	mo := &model.MappedObject{EntityType: "node", EntityID: "1", MappingID: "account", RemoteID: existing.ID}
	require.NoError(t, f.syncer.PushDelete(ctx, accountMapping(), mo))
	assert.Equal(t, model.ActionPushDelete, mo.LastSyncAction)
	assert.Equal(t, model.StatusSuccess, mo.LastSyncStatus)
	assert.Zero(t, f.client.Count("Account"))

	// Already gone remotely counts as deleted.
	mo2 := &model.MappedObject{EntityType: "node", EntityID: "2", MappingID: "account", RemoteID: "001000000000999AAA"}
	require.NoError(t, f.syncer.PushDelete(ctx, accountMapping(), mo2))
	assert.Equal(t, model.StatusSuccess, mo2.LastSyncStatus)
}

func TestPushDelete_RemoteFailure(t *testing.T) {
	f := newFixture(t)
	existing := f.client.Seed(record.New("Account", "", map[string]any{"Name": "Acme"}))
	f.client.FailNext("delete", syncerr.Transient(errors.New("timeout"), "delete"))

	mo := &model.MappedObject{EntityType: "node", EntityID: "1", MappingID: "account", RemoteID: existing.ID}
	err := f.syncer.PushDelete(context.Background(), accountMapping(), mo)
	require.Error(t, err)
	assert.Equal(t, model.StatusFail, mo.LastSyncStatus)
	assert.Equal(t, 1, f.client.Count("Account"))
}

func TestPull_AttachedRecordCreatesEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var saves []bool
	f.entities.OnChange(func(_ context.Context, e entity.Entity, _ model.Op) { saves = append(saves, e.Pulling()) })
	var triggers []mapping.Trigger
	f.events.OnPullPresave(func(_ context.Context, ev *events.PullEvent) { triggers = append(triggers, ev.Trigger) })

	rec := record.New("Account", "001000000000007AAA", map[string]any{
		"Name":         "Acme",
		"Tags__c":      "A; B ;C",
		"Employees__c": float64(250),
		"Active__c":    "false",
	})
	ent, err := f.entities.Create(ctx, "node", map[string]any{"bundle": "organization"})
	require.NoError(t, err)
	mo := &model.MappedObject{Record: &rec}

	f.clock.Advance(time.Hour)
	require.NoError(t, f.syncer.Pull(ctx, accountMapping(), mo, ent))

	assert.Equal(t, []bool{true}, saves, "entity saved once, flagged as pulling")
	assert.False(t, ent.Pulling(), "flag cleared after save")
	assert.Equal(t, []mapping.Trigger{mapping.TriggerRemoteCreate}, triggers)

	loaded, err := f.entities.Load(ctx, "node", ent.ID())
	require.NoError(t, err)
	title, _ := loaded.Field("title")
	tags, _ := loaded.Field("tags")
	employees, _ := loaded.Field("employees")
	active, _ := loaded.Field("active")
	assert.Equal(t, "Acme", title)
	assert.Equal(t, []any{"A", "B", "C"}, tags)
	assert.Equal(t, int64(250), employees)
	assert.Equal(t, false, active)

	assert.Equal(t, ent.ID(), mo.EntityID)
	assert.Equal(t, "001000000000007AAA", mo.RemoteID)
	assert.Equal(t, model.ActionPull, mo.LastSyncAction)
	assert.Equal(t, f.clock.Now(), mo.EntityUpdated)
	assert.Empty(t, f.client.Calls(), "attached record is not re-read")
}

func TestPull_ReadsByRemoteID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := f.client.Seed(record.New("Account", "", map[string]any{"Name": "Remote Name"}))
	ent := f.saveEntity(t, map[string]any{"title": "Local Name"})

	var triggers []mapping.Trigger
	f.events.OnPullPresave(func(_ context.Context, ev *events.PullEvent) { triggers = append(triggers, ev.Trigger) })

	mo := &model.MappedObject{RemoteID: existing.ID, ForcePull: true}
	require.NoError(t, f.syncer.Pull(ctx, accountMapping(), mo, ent))

	title, _ := ent.Field("title")
	assert.Equal(t, "Remote Name", title)
	assert.False(t, mo.ForcePull)
	assert.Equal(t, []mapping.Trigger{mapping.TriggerRemoteUpdate}, triggers)
}

func TestPull_ByExternalIDStoresRemoteID(t *testing.T) {
	f := newFixture(t)
	existing := f.client.Seed(record.New("Account", "", map[string]any{"Name": "Acme", "External__c": "ext-9"}))
	ent := f.saveEntity(t, map[string]any{"uuid": "ext-9"})

	mo := &model.MappedObject{}
	require.NoError(t, f.syncer.Pull(context.Background(), keyedMapping(), mo, ent))
	assert.Equal(t, existing.ID, mo.RemoteID)
	title, _ := ent.Field("title")
	assert.Equal(t, "Acme", title)
}

func TestPull_NothingToPull(t *testing.T) {
	f := newFixture(t)
	ent := f.saveEntity(t, map[string]any{"title": "x"})

	err := f.syncer.Pull(context.Background(), accountMapping(), &model.MappedObject{}, ent)
	require.Error(t, err)
	assert.True(t, syncerr.IsNothingToPull(err))
}

func TestPull_EntityValueListenerAndNilSkip(t *testing.T) {
	f := newFixture(t)
	f.events.OnPullEntityValue(func(_ context.Context, ev *events.PullValueEvent) {
		switch ev.Rule.RemoteField {
		case "Name":
			ev.Value = "Renamed"
		case "Tags__c":
			ev.Value = nil
		}
	})
	ent := f.saveEntity(t, map[string]any{"title": "Old", "tags": []any{"keep"}})
	rec := record.New("Account", "001000000000007AAA", map[string]any{"Name": "Acme", "Tags__c": "A"})

	mo := &model.MappedObject{Record: &rec}
	require.NoError(t, f.syncer.Pull(context.Background(), accountMapping(), mo, ent))

	title, _ := ent.Field("title")
	tags, _ := ent.Field("tags")
	assert.Equal(t, "Renamed", title)
	assert.Equal(t, []any{"keep"}, tags, "nil values never overwrite")
}

func TestPull_UnwritablePathIsWarning(t *testing.T) {
	f := newFixture(t)
	var warnings []string
	f.events.OnWarning(func(_ context.Context, msg string, _ ...any) { warnings = append(warnings, msg) })

	def := accountMapping()
	def.Rules = append(def.Rules[:1], mapping.Rule{
		Kind: mapping.KindProperties, LocalPath: "id", RemoteField: "External__c", Direction: mapping.DirectionPull,
	})
	ent := f.saveEntity(t, map[string]any{})
	rec := record.New("Account", "001000000000007AAA", map[string]any{"Name": "Acme", "External__c": "ext"})

	require.NoError(t, f.syncer.Pull(context.Background(), def, &model.MappedObject{Record: &rec}, ent))
	assert.Equal(t, []string{"pull value not written"}, warnings)
	title, _ := ent.Field("title")
	assert.Equal(t, "Acme", title)
}

func TestPushPullRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := accountMapping()
	src := f.saveEntity(t, map[string]any{
		"title":     "Acme",
		"tags":      []any{"A", "B", "C"},
		"employees": int64(42),
		"active":    true,
	})

	mo := &model.MappedObject{}
	require.NoError(t, f.syncer.Push(ctx, def, mo, src))

	dst, err := f.entities.Create(ctx, "node", map[string]any{"bundle": "organization"})
	require.NoError(t, err)
	// A second mapping links the same remote record to the copy.
	pullDef := def
	pullDef.ID = "account_copy"
	pulled := &model.MappedObject{RemoteID: mo.RemoteID}
	require.NoError(t, f.syncer.Pull(ctx, pullDef, pulled, dst))

	for _, field := range []string{"title", "tags", "employees", "active"} {
		want, _ := src.Field(field)
		got, _ := dst.Field(field)
		assert.Equal(t, want, got, field)
	}
}

func TestSave_PrunesRevisions(t *testing.T) {
	f := newFixture(t, WithRevisionLimit(2))
	ctx := context.Background()
	def := accountMapping()
	def.Rules = def.Rules[:1]
	ent := f.saveEntity(t, map[string]any{"title": "Acme"})

	mo := &model.MappedObject{}
	for i := 0; i < 4; i++ {
		require.NoError(t, f.syncer.Push(ctx, def, mo, ent))
	}

	revs, err := f.store.Revisions(ctx, mo.ID)
	require.NoError(t, err)
	assert.Len(t, revs, 2)
}

func TestSave_UnlimitedRevisions(t *testing.T) {
	f := newFixture(t, WithRevisionLimit(0))
	ctx := context.Background()
	mo := &model.MappedObject{EntityType: "node", EntityID: "1", MappingID: "account"}
	for i := 0; i < DefaultRevisionLimit+2; i++ {
		require.NoError(t, f.syncer.Save(ctx, mo))
	}

	revs, err := f.store.Revisions(ctx, mo.ID)
	require.NoError(t, err)
	assert.Len(t, revs, DefaultRevisionLimit+2)
}

func TestSchema_UndescribedObjectDefaultsToStrings(t *testing.T) {
	f := newFixture(t)
	s, err := f.syncer.Schema(context.Background(), "Widget__c")
	require.NoError(t, err)
	assert.Equal(t, "Widget__c", s.Name)
	assert.Empty(t, s.Fields)

	f.client.FailNext("describe", syncerr.Transient(errors.New("401"), "auth"))
	_, err = f.syncer.Schema(context.Background(), "Contact")
	assert.True(t, syncerr.IsTransient(err))
}
