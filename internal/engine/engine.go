package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/crmsync/internal/clock"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/events"
	"github.com/roach88/crmsync/internal/mappedobject"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/pull"
	"github.com/roach88/crmsync/internal/pushqueue"
	"github.com/roach88/crmsync/internal/remote"
	"github.com/roach88/crmsync/internal/store"
	"github.com/roach88/crmsync/internal/syncerr"
)

// Entities is a local entity store that reports its changes.
// *store.EntityStore and *entity.MemoryStore implement it.
type Entities interface {
	entity.Store
	OnChange(l entity.ChangeListener)
}

// Settings are the engine tunables. Zero values take the package
// defaults of pushqueue, pull and mappedobject, except RevisionLimit
// where 0 keeps every revision.
type Settings struct {
	PushLimit    int
	PushMaxFails int
	PushLease    time.Duration

	// PushProcessor names the push job processor. Only
	// pushqueue.DefaultProcessor is built in.
	PushProcessor string

	PullLimit        int
	PullMaxQueueSize int
	PullMaxFails     int
	PullLease        time.Duration

	RevisionLimit    int
	ValidatePayloads bool

	// MappingsDir is reloaded on EventReload.
	MappingsDir string
}

// DefaultSettings returns the settings of an unconfigured engine.
func DefaultSettings() Settings {
	return Settings{
		PushLimit:        pushqueue.DefaultLimit,
		PushMaxFails:     pushqueue.DefaultMaxFails,
		PushLease:        pushqueue.DefaultLease,
		PushProcessor:    pushqueue.DefaultProcessor,
		PullLimit:        pull.DefaultLimit,
		PullMaxQueueSize: pull.DefaultMaxQueueSize,
		PullMaxFails:     pull.DefaultMaxFails,
		PullLease:        pull.DefaultLease,
		RevisionLimit:    mappedobject.DefaultRevisionLimit,
	}
}

// Engine wires the sync components around one store and runs them.
//
// Push, Pull, Enqueue and Reload may be called directly for one-shot
// work. Run drives the same operations from a single goroutine, one event
// at a time, so scheduled passes never overlap.
type Engine struct {
	store    *store.Store
	client   remote.Client
	entities Entities
	mappings *mappingSet
	settings Settings

	clock   clock.Clock
	logger  *slog.Logger
	events  *events.Dispatcher
	backend pushqueue.Backend
	runIDs  pushqueue.RunIDGenerator

	syncer    *mappedobject.Syncer
	push      *pushqueue.Queue
	processor *pushqueue.RestProcessor
	observer  *pushqueue.Observer
	updates   *pull.QueueHandler
	deletes   *pull.DeleteHandler
	worker    *pull.Worker

	queue *eventQueue
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(e *Engine) { e.settings = s }
}

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEvents sets the listener registry. A registry is created when none
// is given.
func WithEvents(d *events.Dispatcher) Option {
	return func(e *Engine) { e.events = d }
}

// WithPushBackend stores push jobs somewhere other than the engine's
// SQLite store, typically a *store.PostgresPushQueue.
func WithPushBackend(b pushqueue.Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithRunIDs sets the push run id generator.
func WithRunIDs(g pushqueue.RunIDGenerator) Option {
	return func(e *Engine) { e.runIDs = g }
}

// New wires an Engine. The push observer is registered on entities, so
// local saves and deletes start flowing to the push queue immediately.
func New(st *store.Store, client remote.Client, entities Entities, registry *mapping.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		client:   client,
		entities: entities,
		mappings: newMappingSet(registry),
		settings: DefaultSettings(),
		clock:    clock.System{},
		logger:   slog.Default(),
		queue:    newEventQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.events == nil {
		e.events = events.New(e.logger)
	}
	if e.backend == nil {
		e.backend = st
	}

	e.syncer = mappedobject.New(st, client, entities,
		mappedobject.WithEvents(e.events),
		mappedobject.WithClock(e.clock),
		mappedobject.WithLogger(e.logger),
		mappedobject.WithRevisionLimit(e.settings.RevisionLimit),
		mappedobject.WithPayloadValidation(e.settings.ValidatePayloads),
	)

	pushOpts := []pushqueue.Option{
		pushqueue.WithLimit(e.settings.PushLimit),
		pushqueue.WithMaxFails(e.settings.PushMaxFails),
		pushqueue.WithLease(e.settings.PushLease),
		pushqueue.WithClock(e.clock),
		pushqueue.WithLogger(e.logger),
	}
	if e.runIDs != nil {
		pushOpts = append(pushOpts, pushqueue.WithRunIDs(e.runIDs))
	}
	e.push = pushqueue.New(e.backend, e.mappings, pushOpts...)
	switch name := e.settings.PushProcessor; name {
	case "", pushqueue.DefaultProcessor:
	default:
		e.logger.Warn("unknown push processor, using default",
			"processor", name, "default", pushqueue.DefaultProcessor)
	}
	e.processor = pushqueue.NewRestProcessor(e.push, e.syncer, st, entities, e.events)
	e.observer = pushqueue.NewObserver(e.push, e.syncer, st, e.events)
	entities.OnChange(e.observer.Listener())

	pullOpts := []pull.Option{
		pull.WithClock(e.clock),
		pull.WithLogger(e.logger),
		pull.WithEvents(e.events),
		pull.WithMaxQueueSize(e.settings.PullMaxQueueSize),
		pull.WithMaxFails(e.settings.PullMaxFails),
		pull.WithLease(e.settings.PullLease),
	}
	e.updates = pull.NewQueueHandler(client, e.mappings, st, st, pullOpts...)
	e.deletes = pull.NewDeleteHandler(client, e.mappings, st, entities, st, pullOpts...)
	e.worker = pull.NewWorker(client, e.mappings, st, entities, e.syncer, st, pullOpts...)
	return e
}

// Store returns the engine's store.
func (e *Engine) Store() *store.Store { return e.store }

// Client returns the remote client.
func (e *Engine) Client() remote.Client { return e.client }

// Entities returns the local entity store.
func (e *Engine) Entities() Entities { return e.entities }

// Events returns the listener registry.
func (e *Engine) Events() *events.Dispatcher { return e.events }

// Syncer returns the mapped object syncer.
func (e *Engine) Syncer() *mappedobject.Syncer { return e.syncer }

// PushQueue returns the push queue.
func (e *Engine) PushQueue() *pushqueue.Queue { return e.push }

// Registry returns the current mapping registry.
func (e *Engine) Registry() *mapping.Registry { return e.mappings.registry() }

// Push runs one push pass.
func (e *Engine) Push(ctx context.Context) pushqueue.RunReport {
	return e.push.ProcessQueues(ctx)
}

// PullReport summarizes one Pull pass.
type PullReport struct {
	Updates   pull.UpdateReport  `json:"updates" yaml:"updates"`
	QueueFull bool               `json:"queue_full" yaml:"queue_full"`
	Deletes   pull.DeleteReport  `json:"deletes" yaml:"deletes"`
	Processed pull.ProcessReport `json:"processed" yaml:"processed"`
}

// Pull runs one pull pass: enqueue updated records, apply remote
// deletions, then drain up to the pull limit from the pull queue. A full
// pull queue skips ingestion but still drains it.
func (e *Engine) Pull(ctx context.Context) (PullReport, error) {
	var report PullReport

	updates, err := e.updates.GetUpdatedRecords(ctx)
	report.Updates = updates
	switch {
	case syncerr.IsQueueFull(err):
		report.QueueFull = true
	case err != nil:
		return report, fmt.Errorf("get updated records: %w", err)
	}

	deletes, err := e.deletes.ProcessDeletedRecords(ctx)
	report.Deletes = deletes
	if err != nil {
		return report, fmt.Errorf("process deleted records: %w", err)
	}

	processed, err := e.worker.ProcessQueue(ctx, e.settings.PullLimit)
	report.Processed = processed
	if err != nil {
		return report, fmt.Errorf("process pull queue: %w", err)
	}
	return report, nil
}

// Enqueue adds a push job for a known mapping.
func (e *Engine) Enqueue(ctx context.Context, mappingID, entityID string, op model.Op) error {
	if _, err := e.mappings.Get(mappingID); err != nil {
		cfg := syncerr.Configuration(mappingID, "unknown mapping")
		cfg.Err = err
		return cfg
	}
	return e.push.Enqueue(ctx, mappingID, entityID, op)
}

// Reload replaces the mapping registry. Cached describe results are
// dropped since the new mappings may reference other fields.
func (e *Engine) Reload(r *mapping.Registry) {
	e.mappings.swap(r)
	e.syncer.ForgetSchemas()
	e.logger.Info("mappings reloaded", "count", r.Len())
}

// ReloadDir compiles the mappings in dir and installs them. On error the
// current mappings stay in place.
func (e *Engine) ReloadDir(dir string) error {
	defs, err := mapping.LoadDir(dir)
	if err != nil {
		return err
	}
	reg, err := mapping.NewRegistry(defs)
	if err != nil {
		return err
	}
	e.Reload(reg)
	return nil
}

// Schedule queues an event for Run. It returns false after Stop.
func (e *Engine) Schedule(ev Event) bool {
	return e.queue.Enqueue(ev)
}

// Stop makes Run return once the pending events are handled.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Run schedules a push and a pull pass every interval and handles events
// until ctx is cancelled or Stop is called. The first passes run
// immediately.
//
// Failures of a pass are logged and the loop continues.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("run interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("engine starting", "interval", interval, "mappings", e.Registry().Len())
	e.Schedule(Event{Type: EventPush})
	e.Schedule(Event{Type: EventPull})

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.handle(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()
		case <-ticker.C:
			e.Schedule(Event{Type: EventPush})
			e.Schedule(Event{Type: EventPull})
		case _, ok := <-e.queue.Wait():
			if !ok && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: stopped")
				return nil
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev Event) {
	logger := e.logger.With("event", ev.Type.String())
	switch ev.Type {
	case EventPush:
		r := e.Push(ctx)
		logger.InfoContext(ctx, "push pass finished",
			"run_id", r.RunID, "claimed", r.Claimed, "errors", r.Errors, "limit_reached", r.LimitReached)
	case EventPull:
		r, err := e.Pull(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "pull pass failed", "error", err)
			return
		}
		logger.InfoContext(ctx, "pull pass finished",
			"enqueued", r.Updates.Enqueued, "deleted", r.Deletes.Deleted,
			"created", r.Processed.Created, "updated", r.Processed.Updated,
			"queue_full", r.QueueFull)
	case EventReload:
		if e.settings.MappingsDir == "" {
			return
		}
		if err := e.ReloadDir(e.settings.MappingsDir); err != nil {
			logger.ErrorContext(ctx, "mapping reload failed, keeping previous mappings",
				"dir", e.settings.MappingsDir, "path", ev.Path, "error", err)
		}
	default:
		logger.WarnContext(ctx, "unknown engine event")
	}
}
