package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/roach88/crmsync/internal/engine"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/pushqueue"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/remote"
	"github.com/roach88/crmsync/internal/store"
	"github.com/roach88/crmsync/internal/syncerr"
	"github.com/roach88/crmsync/internal/testutil"
)

// Run executes a scenario and returns its trace and assertion results.
//
// Each run is isolated: a fresh SQLite store in a temporary directory, an
// in-memory CRM, an in-memory entity store and a fake clock starting at
// the scenario's start time. Push run ids are sequential, so identical
// scenarios produce identical traces.
//
// A step that cannot be executed aborts the run with an error. Failed
// assertions are reported in the Result.
func Run(s *Scenario) (*Result, error) {
	ctx := context.Background()

	start := s.Start
	if start.IsZero() {
		start = DefaultStart
	}
	clk := testutil.NewFakeClock(start)

	dir, err := os.MkdirTemp("", "crmsync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "sync.db"), store.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	defs, err := mapping.LoadString(s.Mappings)
	if err != nil {
		return nil, fmt.Errorf("compile mappings: %w", err)
	}
	registry, err := mapping.NewRegistry(defs)
	if err != nil {
		return nil, fmt.Errorf("register mappings: %w", err)
	}

	client := remote.NewMemoryClient(clk)
	for _, schema := range s.Remote.Schemas {
		client.Define(schema)
	}
	entities := entity.NewMemoryStore(clk)
	for entityType, fields := range s.Local.Types {
		entities.Define(entityType, fields)
	}

	eng := engine.New(st, client, entities, registry,
		engine.WithSettings(engineSettings(s.Settings)),
		engine.WithClock(clk),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithRunIDs(pushqueue.GeneratorFunc(testutil.SequentialIDs("run"))),
	)

	r := &runner{
		clock:    clk,
		store:    st,
		client:   client,
		entities: entities,
		engine:   eng,
		refs:     map[string]ref{},
	}
	if err := r.seed(s, start); err != nil {
		return nil, err
	}

	result := &Result{Pass: true, Trace: []TraceEvent{}}
	for i, step := range s.Steps {
		if err := r.step(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Action, err)
		}
		result.Trace = append(result.Trace, r.drainCalls(i+1, step.Action)...)
	}

	for i, a := range s.Assertions {
		if failure := r.check(ctx, i, a); failure != nil {
			result.AddError(*failure)
		}
	}
	return result, nil
}

func engineSettings(s *Settings) engine.Settings {
	settings := engine.DefaultSettings()
	if s == nil {
		return settings
	}
	if s.PushLimit > 0 {
		settings.PushLimit = s.PushLimit
	}
	if s.PushMaxFails > 0 {
		settings.PushMaxFails = s.PushMaxFails
	}
	if s.PullLimit > 0 {
		settings.PullLimit = s.PullLimit
	}
	if s.PullMaxQueueSize > 0 {
		settings.PullMaxQueueSize = s.PullMaxQueueSize
	}
	if s.PullMaxFails > 0 {
		settings.PullMaxFails = s.PullMaxFails
	}
	return settings
}

// ref is a named local entity or remote record. Exactly one of
// entityType and object is set.
type ref struct {
	entityType string
	object     string
	id         string
}

type runner struct {
	clock    *testutil.FakeClock
	store    *store.Store
	client   *remote.MemoryClient
	entities *entity.MemoryStore
	engine   *engine.Engine

	refs  map[string]ref
	calls int
	seq   int
}

func (r *runner) seed(s *Scenario, start time.Time) error {
	for _, rec := range s.Remote.Records {
		if _, dup := r.refs[rec.Ref]; dup {
			return fmt.Errorf("duplicate ref %q", rec.Ref)
		}
		fields := maps.Clone(rec.Fields)
		if fields == nil {
			fields = map[string]any{}
		}
		if _, ok := fields["LastModifiedDate"]; !ok {
			fields["LastModifiedDate"] = record.FormatTime(start)
		}
		seeded := r.client.Seed(record.New(rec.Object, "", fields))
		r.refs[rec.Ref] = ref{object: rec.Object, id: seeded.ID}
	}

	for _, e := range s.Local.Entities {
		if _, dup := r.refs[e.Ref]; dup {
			return fmt.Errorf("duplicate ref %q", e.Ref)
		}
		bundle := e.Bundle
		if bundle == "" {
			bundle = e.Type
		}
		doc := entity.NewDocument(e.Type, bundle, maps.Clone(e.Fields))
		doc.ChangedAt = start
		r.entities.Put(doc)
		r.refs[e.Ref] = ref{entityType: e.Type, id: doc.EntityID}
	}
	return nil
}

func (r *runner) step(ctx context.Context, step Step) error {
	switch step.Action {
	case StepTouch:
		return r.touch(ctx, step)
	case StepDelete:
		ent, err := r.loadEntity(ctx, step.Entity)
		if err != nil {
			return err
		}
		return r.entities.Delete(ctx, ent)
	case StepEnqueue:
		op := model.Op(step.Op)
		if !op.Valid() {
			return fmt.Errorf("invalid op %q", step.Op)
		}
		entityID := step.Entity
		if target, ok := r.refs[step.Entity]; ok {
			entityID = target.id
		}
		return r.engine.Enqueue(ctx, step.Mapping, entityID, op)
	case StepPush:
		r.engine.Push(ctx)
		return nil
	case StepPull:
		_, err := r.engine.Pull(ctx)
		return err
	case StepRemoteUpdate:
		return r.remoteUpdate(ctx, step)
	case StepRemoteDelete:
		object, id, err := r.resolveRemote(ctx, step.Record, step.Mapping, step.Entity)
		if err != nil {
			return err
		}
		return r.client.Remove(object, id)
	case StepAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		r.clock.Advance(d)
		return nil
	case StepFailNext:
		r.client.FailNext(step.Op, injectedError(step.Op, step.Error))
		return nil
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

func (r *runner) touch(ctx context.Context, step Step) error {
	var ent entity.Entity
	if _, ok := r.refs[step.Entity]; ok {
		loaded, err := r.loadEntity(ctx, step.Entity)
		if err != nil {
			return err
		}
		ent = loaded
	} else {
		if step.Type == "" {
			return fmt.Errorf("entity %q is unknown and no type is given", step.Entity)
		}
		values := map[string]any{}
		if step.Bundle != "" {
			values["bundle"] = step.Bundle
		}
		created, err := r.entities.Create(ctx, step.Type, values)
		if err != nil {
			return err
		}
		ent = created
	}

	for _, path := range slices.Sorted(maps.Keys(step.Fields)) {
		if err := entity.SetPath(ent, path, step.Fields[path]); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	if err := r.entities.Save(ctx, ent); err != nil {
		return err
	}
	r.refs[step.Entity] = ref{entityType: ent.Type(), id: ent.ID()}
	return nil
}

func (r *runner) remoteUpdate(ctx context.Context, step Step) error {
	if _, known := r.refs[step.Record]; !known && step.Record != "" && step.Object != "" {
		fields := maps.Clone(step.Fields)
		if fields == nil {
			fields = map[string]any{}
		}
		if _, ok := fields["LastModifiedDate"]; !ok {
			fields["LastModifiedDate"] = record.FormatTime(r.clock.Now())
		}
		seeded := r.client.Seed(record.New(step.Object, "", fields))
		r.refs[step.Record] = ref{object: step.Object, id: seeded.ID}
		return nil
	}

	object, id, err := r.resolveRemote(ctx, step.Record, step.Mapping, step.Entity)
	if err != nil {
		return err
	}
	return r.client.Touch(object, id, step.Fields)
}

// resolveRemote finds a remote record by ref, or through the mapped
// object of an entity ref under a mapping.
func (r *runner) resolveRemote(ctx context.Context, recordRef, mappingID, entityRef string) (string, string, error) {
	if recordRef != "" {
		target, ok := r.refs[recordRef]
		if !ok || target.object == "" {
			return "", "", fmt.Errorf("unknown record %q", recordRef)
		}
		return target.object, target.id, nil
	}
	def, err := r.engine.Registry().Get(mappingID)
	if err != nil {
		return "", "", err
	}
	target, ok := r.refs[entityRef]
	if !ok || target.entityType == "" {
		return "", "", fmt.Errorf("unknown entity %q", entityRef)
	}
	mo, err := r.store.LoadMappedObjectByEntity(ctx, mappingID, target.entityType, target.id)
	if err != nil {
		return "", "", err
	}
	if mo.RemoteID == "" {
		return "", "", fmt.Errorf("entity %q has no remote id under %s", entityRef, mappingID)
	}
	return def.RemoteObjectType, mo.RemoteID, nil
}

func (r *runner) loadEntity(ctx context.Context, name string) (entity.Entity, error) {
	target, ok := r.refs[name]
	if !ok || target.entityType == "" {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return r.entities.Load(ctx, target.entityType, target.id)
}

// drainCalls converts the remote writes made since the last call into
// trace events.
func (r *runner) drainCalls(step int, action string) []TraceEvent {
	calls := r.client.Calls()
	if len(calls) <= r.calls {
		return nil
	}
	events := make([]TraceEvent, 0, len(calls)-r.calls)
	for _, c := range calls[r.calls:] {
		r.seq++
		events = append(events, TraceEvent{
			Seq:      r.seq,
			Step:     step,
			Action:   action,
			Op:       c.Op,
			Object:   c.Object,
			ID:       c.ID,
			KeyField: c.KeyField,
			KeyValue: c.KeyValue,
			Fields:   c.Fields,
		})
	}
	r.calls = len(calls)
	return events
}

func injectedError(op, kind string) error {
	cause := errors.New("injected failure")
	switch kind {
	case "", "transient":
		return syncerr.Transient(cause, "%s", op)
	case "not_found":
		return syncerr.NotFound("injected %s", op)
	default:
		return fmt.Errorf("%s %s: %w", op, kind, cause)
	}
}
