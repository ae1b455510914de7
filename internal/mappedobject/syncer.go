// Package mappedobject implements the per-record sync state machine: push a
// local entity to its remote record, delete the remote record, or pull the
// remote record onto the local entity, recording the outcome on the
// MappedObject that links the two.
package mappedobject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/crmsync/internal/clock"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/events"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/remote"
	"github.com/roach88/crmsync/internal/syncerr"
)

// DefaultRevisionLimit is the number of mapped object revisions kept after
// each save.
const DefaultRevisionLimit = 10

// Store persists mapped objects. *store.Store implements it.
type Store interface {
	SaveMappedObject(ctx context.Context, mo *model.MappedObject) error
	PruneRevisions(ctx context.Context, mappedObjectID int64, keep int) (int, error)
	mapping.RelatedResolver
}

// Syncer pushes and pulls single mapped objects.
//
// Thread-safety: a Syncer may be shared between goroutines. Describe
// results are cached per object type for the Syncer's lifetime.
type Syncer struct {
	store    Store
	client   remote.Client
	entities entity.Store
	events   *events.Dispatcher
	clock    clock.Clock
	logger   *slog.Logger

	revisionLimit int
	validate      bool

	mu         sync.Mutex
	schemas    map[string]remote.Schema
	validators map[string]*remote.PayloadValidator
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithEvents sets the listener registry. A nil dispatcher fires nothing.
func WithEvents(d *events.Dispatcher) Option {
	return func(s *Syncer) { s.events = d }
}

// WithClock sets the clock used for EntityUpdated on pull.
func WithClock(c clock.Clock) Option {
	return func(s *Syncer) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithRevisionLimit sets how many revisions are kept per mapped object.
// n <= 0 keeps all revisions.
func WithRevisionLimit(n int) Option {
	return func(s *Syncer) { s.revisionLimit = n }
}

// WithPayloadValidation checks every push payload against the object's
// describe result before the remote write.
func WithPayloadValidation(enabled bool) Option {
	return func(s *Syncer) { s.validate = enabled }
}

// New creates a Syncer.
func New(st Store, client remote.Client, entities entity.Store, opts ...Option) *Syncer {
	s := &Syncer{
		store:         st,
		client:        client,
		entities:      entities,
		clock:         clock.System{},
		logger:        slog.Default(),
		revisionLimit: DefaultRevisionLimit,
		schemas:       map[string]remote.Schema{},
		validators:    map[string]*remote.PayloadValidator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the dispatcher the Syncer fires, possibly nil.
func (s *Syncer) Events() *events.Dispatcher {
	return s.events
}

// Client returns the remote client.
func (s *Syncer) Client() remote.Client {
	return s.client
}

// Entities returns the local entity store.
func (s *Syncer) Entities() entity.Store {
	return s.entities
}

// Schema returns the cached describe result of objectType. An object type
// the remote does not describe yields an empty schema, so every field is
// treated as a string.
func (s *Syncer) Schema(ctx context.Context, objectType string) (remote.Schema, error) {
	s.mu.Lock()
	cached, ok := s.schemas[objectType]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	schema, err := s.client.Describe(ctx, objectType)
	if err != nil {
		if !syncerr.IsNotFound(err) {
			return remote.Schema{}, fmt.Errorf("describe %s: %w", objectType, err)
		}
		s.logger.DebugContext(ctx, "object type not described, fields default to string", "object", objectType)
		schema = remote.Schema{Name: objectType}
	}

	s.mu.Lock()
	s.schemas[objectType] = schema
	s.mu.Unlock()
	return schema, nil
}

// ForgetSchemas drops cached describe results, e.g. after mappings reload.
func (s *Syncer) ForgetSchemas() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas = map[string]remote.Schema{}
	s.validators = map[string]*remote.PayloadValidator{}
}

// Env returns the field mapping environment for ent under schema.
func (s *Syncer) Env(ctx context.Context, ent entity.Entity, schema remote.Schema) *mapping.Env {
	return &mapping.Env{
		Ctx:      ctx,
		Entity:   ent,
		Schema:   schema,
		Entities: s.entities,
		Related:  s.store,
	}
}

// Push writes ent to the remote under def and records the result on mo.
//
// The remote operation is chosen by precedence: Upsert when def has an
// upsert key, Update when mo already carries a remote id, Create
// otherwise. Remote errors are returned wrapped after a PushFail dispatch;
// a previously stored mo is then saved with a fail status.
func (s *Syncer) Push(ctx context.Context, def mapping.Definition, mo *model.MappedObject, ent entity.Entity) error {
	s.bind(def, mo, ent)

	schema, err := s.Schema(ctx, def.RemoteObjectType)
	if err != nil {
		return err
	}
	env := s.Env(ctx, ent, schema)

	params, err := mapping.BuildPushParams(env, def, func(rule mapping.Rule, err error) {
		s.events.Notice(ctx, "push field skipped",
			"mapping", def.ID, "entity_id", ent.ID(), "field", rule.RemoteField, "error", err)
	})
	if err != nil {
		return err
	}

	s.events.PushParamsAlter(ctx, &events.PushParamsEvent{
		Mapping:      def,
		MappedObject: mo,
		Entity:       ent,
		Params:       params,
	})

	if s.validate {
		if err := s.validatePayload(def, schema, params); err != nil {
			return err
		}
	}

	var (
		action   model.SyncAction
		remoteID string
	)
	switch {
	case def.HasKey():
		action = model.ActionPushUpsert
		var keyValue string
		keyValue, err = mapping.KeyValue(env, def)
		if err == nil {
			remoteID, err = s.client.Upsert(ctx, def.RemoteObjectType, def.KeyField, keyValue, params)
		}
	case mo.RemoteID != "":
		action = model.ActionPushUpdate
		err = s.client.Update(ctx, def.RemoteObjectType, mo.RemoteID, params)
	default:
		action = model.ActionPushCreate
		remoteID, err = s.client.Create(ctx, def.RemoteObjectType, params)
	}

	result := &events.PushResultEvent{
		Mapping:      def,
		MappedObject: mo,
		Entity:       ent,
		Params:       params,
		Op:           action,
	}
	if err != nil {
		s.recordFailure(ctx, mo, action)
		result.Err = err
		s.events.PushFail(ctx, result)
		return fmt.Errorf("%s %s for %s %s: %w", action, def.RemoteObjectType, ent.Type(), ent.ID(), err)
	}

	if remoteID != "" {
		if normalized, nerr := record.NormalizeID(remoteID); nerr == nil {
			remoteID = normalized
		}
		mo.RemoteID = remoteID
	}
	if changed := ent.Changed(); !changed.IsZero() {
		mo.EntityUpdated = changed
	}
	mo.LastSyncAction = action
	mo.LastSyncStatus = model.StatusSuccess

	if err := s.Save(ctx, mo); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "pushed",
		"mapping", def.ID, "entity_id", ent.ID(), "remote_id", mo.RemoteID, "action", string(action))
	s.events.PushSuccess(ctx, result)
	return nil
}

// PushDelete deletes the remote record of mo. A record already gone
// counts as deleted.
func (s *Syncer) PushDelete(ctx context.Context, def mapping.Definition, mo *model.MappedObject) error {
	if mo.RemoteID != "" {
		err := s.client.Delete(ctx, def.RemoteObjectType, mo.RemoteID)
		if err != nil && !syncerr.IsNotFound(err) {
			s.recordFailure(ctx, mo, model.ActionPushDelete)
			s.events.PushFail(ctx, &events.PushResultEvent{
				Mapping:      def,
				MappedObject: mo,
				Op:           model.ActionPushDelete,
				Err:          err,
			})
			return fmt.Errorf("delete %s %s: %w", def.RemoteObjectType, mo.RemoteID, err)
		}
	}
	mo.LastSyncAction = model.ActionPushDelete
	mo.LastSyncStatus = model.StatusSuccess
	return s.Save(ctx, mo)
}

// Pull writes the remote record of mo onto ent and saves both.
//
// When mo carries no record it is read by remote id, or by upsert key
// value when mo has no remote id yet. With neither, Pull returns a
// NothingToPull error. Field errors are reported as notices and the field
// is skipped; nil values never overwrite local data.
func (s *Syncer) Pull(ctx context.Context, def mapping.Definition, mo *model.MappedObject, ent entity.Entity) error {
	schema, err := s.Schema(ctx, def.RemoteObjectType)
	if err != nil {
		return err
	}
	env := s.Env(ctx, ent, schema)

	if mo.Record == nil {
		rec, err := s.fetch(ctx, env, def, mo)
		if err != nil {
			return err
		}
		mo.Record = rec
	}
	if mo.Record == nil {
		return syncerr.NothingToPull(def.ID, ent.ID())
	}
	rec := *mo.Record

	for _, rule := range def.PullRules() {
		value, err := rule.PullValue(env, rec)
		if err != nil {
			s.events.Notice(ctx, "pull field skipped",
				"mapping", def.ID, "remote_id", rec.ID, "field", rule.RemoteField, "error", err)
			continue
		}
		value = s.events.PullEntityValue(ctx, &events.PullValueEvent{
			Mapping: def,
			Rule:    rule,
			Entity:  ent,
			Record:  rec,
			Value:   value,
		})
		if value == nil {
			continue
		}
		if err := entity.SetPath(ent, rule.LocalPath, value); err != nil {
			s.events.Warning(ctx, "pull value not written",
				"mapping", def.ID, "remote_id", rec.ID, "entity_id", ent.ID(),
				"field", rule.LocalPath, "value", value, "error", err)
		}
	}

	trigger := mapping.TriggerRemoteUpdate
	if ent.IsNew() {
		trigger = mapping.TriggerRemoteCreate
	}
	s.events.PullPresave(ctx, &events.PullEvent{
		Mapping:      def,
		MappedObject: mo,
		Entity:       ent,
		Record:       rec,
		Trigger:      trigger,
	})

	ent.SetPulling(true)
	err = s.entities.Save(ctx, ent)
	ent.SetPulling(false)
	if err != nil {
		return fmt.Errorf("save %s pulled from %s: %w", ent.Type(), rec.ID, err)
	}

	s.bind(def, mo, ent)
	if mo.RemoteID == "" && rec.ID != "" {
		mo.RemoteID = normalizeOrKeep(rec.ID)
	}
	mo.EntityUpdated = s.clock.Now()
	mo.LastSyncAction = model.ActionPull
	mo.LastSyncStatus = model.StatusSuccess
	mo.ForcePull = false
	if err := s.Save(ctx, mo); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "pulled", "mapping", def.ID, "entity_id", ent.ID(), "remote_id", mo.RemoteID)
	return nil
}

// Save persists mo and prunes its revisions down to the revision limit.
func (s *Syncer) Save(ctx context.Context, mo *model.MappedObject) error {
	if err := s.store.SaveMappedObject(ctx, mo); err != nil {
		return err
	}
	if s.revisionLimit <= 0 {
		return nil
	}
	n, err := s.store.PruneRevisions(ctx, mo.ID, s.revisionLimit)
	if err != nil {
		s.logger.WarnContext(ctx, "revision pruning failed", "mapped_object_id", mo.ID, "error", err)
		return nil
	}
	if n > 0 {
		s.logger.DebugContext(ctx, "pruned revisions", "mapped_object_id", mo.ID, "count", n)
	}
	return nil
}

// fetch reads the remote record of mo. It returns nil, nil when mo has
// neither a remote id nor a key value.
func (s *Syncer) fetch(ctx context.Context, env *mapping.Env, def mapping.Definition, mo *model.MappedObject) (*record.Record, error) {
	if mo.RemoteID != "" {
		rec, err := s.client.Read(ctx, def.RemoteObjectType, mo.RemoteID)
		if err != nil {
			return nil, fmt.Errorf("read %s %s: %w", def.RemoteObjectType, mo.RemoteID, err)
		}
		return &rec, nil
	}
	if !def.HasKey() {
		return nil, nil
	}
	keyValue, err := mapping.KeyValue(env, def)
	if err != nil {
		return nil, err
	}
	if keyValue == "" {
		return nil, nil
	}
	rec, err := s.client.ReadByExternalID(ctx, def.RemoteObjectType, def.KeyField, keyValue)
	if err != nil {
		return nil, fmt.Errorf("read %s by %s=%s: %w", def.RemoteObjectType, def.KeyField, keyValue, err)
	}
	mo.RemoteID = normalizeOrKeep(rec.ID)
	return &rec, nil
}

func (s *Syncer) validatePayload(def mapping.Definition, schema remote.Schema, params map[string]any) error {
	s.mu.Lock()
	v, ok := s.validators[def.RemoteObjectType]
	s.mu.Unlock()
	if !ok {
		var err error
		if v, err = remote.NewPayloadValidator(schema); err != nil {
			return err
		}
		s.mu.Lock()
		s.validators[def.RemoteObjectType] = v
		s.mu.Unlock()
	}
	if err := v.Validate(params); err != nil {
		cfg := syncerr.Configuration(def.ID, "push payload rejected")
		cfg.Err = err
		return cfg
	}
	return nil
}

// recordFailure marks mo with a fail status and saves it when it is
// already stored; a failed first create leaves no mapped object behind.
// Save errors are logged; the remote error is what the caller reports.
func (s *Syncer) recordFailure(ctx context.Context, mo *model.MappedObject, action model.SyncAction) {
	mo.LastSyncAction = action
	mo.LastSyncStatus = model.StatusFail
	if mo.ID == 0 {
		return
	}
	if err := s.Save(ctx, mo); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "failed to record sync failure",
			"mapping", mo.MappingID, "entity_id", mo.EntityID, "error", err)
	}
}

func (s *Syncer) bind(def mapping.Definition, mo *model.MappedObject, ent entity.Entity) {
	mo.MappingID = def.ID
	mo.EntityType = ent.Type()
	if id := ent.ID(); id != "" {
		mo.EntityID = id
	}
}

func normalizeOrKeep(id string) string {
	if n, err := record.NormalizeID(id); err == nil {
		return n
	}
	return id
}
