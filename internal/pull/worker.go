package pull

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/crmsync/internal/clock"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/events"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/remote"
	"github.com/roach88/crmsync/internal/syncerr"
)

// Action is what ProcessItem did with a record.
type Action string

const (
	ActionNone   Action = "none"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Worker applies queued remote records to local entities.
type Worker struct {
	client   remote.Client
	mappings Mappings
	objects  MappedObjects
	entities entity.Store
	puller   Puller
	queue    Queue

	clock    clock.Clock
	logger   *slog.Logger
	events   *events.Dispatcher
	maxFails int
	lease    time.Duration
}

// NewWorker creates a Worker.
func NewWorker(client remote.Client, mappings Mappings, objects MappedObjects, entities entity.Store, puller Puller, queue Queue, opts ...Option) *Worker {
	o := buildOptions(opts)
	return &Worker{
		client:   client,
		mappings: mappings,
		objects:  objects,
		entities: entities,
		puller:   puller,
		queue:    queue,
		clock:    o.clock,
		logger:   o.logger,
		events:   o.events,
		maxFails: o.maxFails,
		lease:    o.lease,
	}
}

// ProcessItem applies one queued record. Records already linked to a
// local entity take the update path, others the create path.
//
// A missing local entity on the update path is logged and skipped. A
// failure to write the upsert key back to the remote is returned as a
// Requeue error.
func (w *Worker) ProcessItem(ctx context.Context, item model.PullQueueItem) (Action, error) {
	def, err := w.mappings.Get(item.MappingID)
	if err != nil {
		cfg := syncerr.Configuration(item.MappingID, "unknown mapping")
		cfg.Err = err
		return ActionNone, cfg
	}
	rec := item.Record
	if id, err := record.NormalizeID(rec.ID); err == nil {
		rec.ID = id
	}

	mo, err := w.objects.LoadMappedObjectByRemote(ctx, def.ID, rec.ID)
	switch {
	case err == nil:
		return w.update(ctx, def, mo, rec)
	case syncerr.IsNotFound(err):
		return w.create(ctx, def, rec)
	default:
		return ActionNone, err
	}
}

func (w *Worker) update(ctx context.Context, def mapping.Definition, mo *model.MappedObject, rec record.Record) (Action, error) {
	if !def.CheckTriggers(mapping.TriggerRemoteUpdate) {
		return ActionNone, nil
	}
	logger := w.logger.With("mapping", def.ID, "remote_id", rec.ID, "entity_id", mo.EntityID)

	ent, err := w.entities.Load(ctx, mo.EntityType, mo.EntityID)
	if syncerr.IsNotFound(err) {
		logger.ErrorContext(ctx, "local entity for mapped object no longer exists")
		return ActionNone, nil
	}
	if err != nil {
		return ActionNone, err
	}
	ent.SetPulling(true)

	entityUpdated := ent.Changed()
	if entityUpdated.IsZero() {
		entityUpdated = mo.EntityUpdated
	}
	recordUpdated, dated, err := rec.Time(def.TriggerDateField())
	if err != nil {
		logger.WarnContext(ctx, "unreadable pull trigger date, treating record as newer", "field", def.TriggerDateField(), "error", err)
	}
	// A record without a usable trigger date cannot lose the comparison.
	remoteNewer := !dated || recordUpdated.After(entityUpdated)

	mo.Record = &rec
	w.events.PullPrepull(ctx, &events.PullEvent{
		Mapping:      def,
		MappedObject: mo,
		Entity:       ent,
		Record:       rec,
		Trigger:      mapping.TriggerRemoteUpdate,
	})

	if !mo.ForcePull && !remoteNewer {
		logger.DebugContext(ctx, "local entity is newer, pull skipped",
			"record_updated", recordUpdated, "entity_updated", entityUpdated)
		// A key write that failed on an earlier attempt is still owed.
		if err := w.syncKey(ctx, def, mo, ent, rec); err != nil {
			return ActionNone, err
		}
		return ActionNone, nil
	}

	if err := w.puller.Pull(ctx, def, mo, ent); err != nil {
		return ActionNone, fmt.Errorf("pull update %s: %w", rec.ID, err)
	}
	logger.InfoContext(ctx, "updated entity from remote record", "label", ent.Label())

	if err := w.syncKey(ctx, def, mo, ent, rec); err != nil {
		return ActionUpdate, err
	}
	return ActionUpdate, nil
}

func (w *Worker) create(ctx context.Context, def mapping.Definition, rec record.Record) (Action, error) {
	if !def.CheckTriggers(mapping.TriggerRemoteCreate) {
		return ActionNone, nil
	}
	logger := w.logger.With("mapping", def.ID, "remote_id", rec.ID)

	ent, err := w.entities.Create(ctx, def.LocalEntityType, map[string]any{"bundle": def.Bundle()})
	if err != nil {
		return ActionNone, fmt.Errorf("create %s entity: %w", def.LocalEntityType, err)
	}
	ent.SetPulling(true)

	mo := &model.MappedObject{
		MappingID:  def.ID,
		EntityType: def.LocalEntityType,
		RemoteID:   rec.ID,
		Record:     &rec,
	}
	w.events.PullPrepull(ctx, &events.PullEvent{
		Mapping:      def,
		MappedObject: mo,
		Entity:       ent,
		Record:       rec,
		Trigger:      mapping.TriggerRemoteCreate,
	})

	if err := w.puller.Pull(ctx, def, mo, ent); err != nil {
		return ActionNone, fmt.Errorf("pull create %s: %w", rec.ID, err)
	}
	logger.InfoContext(ctx, "created entity from remote record", "entity_id", ent.ID(), "label", ent.Label())

	if err := w.syncKey(ctx, def, mo, ent, rec); err != nil {
		return ActionCreate, err
	}
	return ActionCreate, nil
}

// syncKey writes the upsert key back to the remote record when the record
// does not carry it yet.
func (w *Worker) syncKey(ctx context.Context, def mapping.Definition, mo *model.MappedObject, ent entity.Entity, rec record.Record) error {
	if !def.HasKey() || rec.String(def.KeyField) != "" {
		return nil
	}
	schema, err := w.puller.Schema(ctx, def.RemoteObjectType)
	if err != nil {
		return syncerr.Requeue(err, "describe %s for key sync", def.RemoteObjectType)
	}
	value, err := mapping.KeyValue(w.puller.Env(ctx, ent, schema), def)
	if err != nil || value == "" {
		return err
	}
	if err := w.client.Update(ctx, def.RemoteObjectType, mo.RemoteID, map[string]any{def.KeyField: value}); err != nil {
		return syncerr.Requeue(err, "write key %s to %s %s", def.KeyField, def.RemoteObjectType, mo.RemoteID)
	}
	return nil
}

// ProcessReport summarizes one ProcessQueue call.
type ProcessReport struct {
	Processed int `json:"processed" yaml:"processed"`
	Created   int `json:"created" yaml:"created"`
	Updated   int `json:"updated" yaml:"updated"`
	Skipped   int `json:"skipped" yaml:"skipped"`
	Requeued  int `json:"requeued" yaml:"requeued"`
	Dropped   int `json:"dropped" yaml:"dropped"`
	Failed    int `json:"failed" yaml:"failed"`
}

// ProcessQueue claims and applies up to limit pull items, one at a time.
// Applied items are deleted. Items failing with a Requeue error keep their
// lease until the call returns, so the rest of the queue is still worked,
// and are then released with one more failure; they are dropped once they
// reach the failure limit. Items failing otherwise are logged and deleted.
func (w *Worker) ProcessQueue(ctx context.Context, limit int) (report ProcessReport, err error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var requeued []model.PullQueueItem
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		for _, item := range requeued {
			if relErr := w.queue.ReleasePull(releaseCtx, item.ItemID, item.Failures); relErr != nil && err == nil {
				err = relErr
			}
		}
	}()

	for report.Processed < limit {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		item, ok, err := w.queue.ClaimPull(ctx, w.maxFails, w.clock.Now(), w.lease)
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}
		report.Processed++

		logger := w.logger.With("mapping", item.MappingID, "remote_id", item.Record.ID, "item_id", item.ItemID)
		action, err := w.ProcessItem(ctx, item)
		switch {
		case err == nil:
			switch action {
			case ActionCreate:
				report.Created++
			case ActionUpdate:
				report.Updated++
			default:
				report.Skipped++
			}
			if err := w.queue.DeletePull(ctx, item.ItemID); err != nil {
				return report, err
			}
		case syncerr.IsRequeue(err):
			item.Failures++
			if item.Failures >= w.maxFails {
				report.Dropped++
				logger.ErrorContext(ctx, "pull item permanently failed", "failures", item.Failures, "error", err)
				if err := w.queue.DeletePull(ctx, item.ItemID); err != nil {
					return report, err
				}
				continue
			}
			report.Requeued++
			logger.WarnContext(ctx, "pull item requeued", "failures", item.Failures, "error", err)
			requeued = append(requeued, item)
		default:
			report.Failed++
			logger.ErrorContext(ctx, "pull item failed", "error", err)
			if err := w.queue.DeletePull(ctx, item.ItemID); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}
