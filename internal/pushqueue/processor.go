package pushqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/events"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/syncerr"
)

// Pusher performs remote writes for mapped objects.
// *mappedobject.Syncer implements it.
type Pusher interface {
	Push(ctx context.Context, def mapping.Definition, mo *model.MappedObject, ent entity.Entity) error
	PushDelete(ctx context.Context, def mapping.Definition, mo *model.MappedObject) error
}

// MappedObjects is mapped object storage. *store.Store implements it.
type MappedObjects interface {
	LoadMappedObject(ctx context.Context, id int64) (*model.MappedObject, error)
	LoadMappedObjectByEntity(ctx context.Context, mappingID, entityType, entityID string) (*model.MappedObject, error)
	DeleteMappedObject(ctx context.Context, id int64) error
}

// RestProcessor pushes jobs one at a time through the remote REST client.
//
// A transient remote failure suspends the batch (the queue releases it
// and moves to the next mapping). Other failures are recorded on the job
// with Queue.FailItem; successful jobs are deleted.
type RestProcessor struct {
	queue    *Queue
	pusher   Pusher
	objects  MappedObjects
	entities entity.Store
	events   *events.Dispatcher
	logger   *slog.Logger
}

// NewRestProcessor creates the default processor and installs it on q.
func NewRestProcessor(q *Queue, pusher Pusher, objects MappedObjects, entities entity.Store, ev *events.Dispatcher) *RestProcessor {
	p := &RestProcessor{
		queue:    q,
		pusher:   pusher,
		objects:  objects,
		entities: entities,
		events:   ev,
		logger:   q.logger,
	}
	q.UseProcessor(p)
	return p
}

// Process implements Processor.
func (p *RestProcessor) Process(ctx context.Context, items []model.PushQueueItem) error {
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return syncerr.Requeue(err, "push cancelled")
		}

		err := p.ProcessItem(ctx, item)
		switch {
		case err == nil:
			if derr := p.queue.DeleteItem(ctx, item); derr != nil {
				p.logger.ErrorContext(ctx, "failed to delete pushed queue item",
					"mapping", item.Name, "entity_id", item.EntityID, "item_id", item.ItemID, "error", derr)
			}
		case syncerr.IsTransient(err):
			return syncerr.Suspend(err, "remote unavailable while pushing %s", item.Name)
		case syncerr.IsRequeue(err), syncerr.IsSuspend(err):
			return err
		default:
			if ferr := p.queue.FailItem(ctx, err, item); ferr != nil {
				p.logger.ErrorContext(ctx, "failed to record queue item failure",
					"mapping", item.Name, "entity_id", item.EntityID, "item_id", item.ItemID, "error", ferr)
			}
		}
	}
	return nil
}

// ProcessItem pushes one job. A NotFound error means the local entity no
// longer exists.
func (p *RestProcessor) ProcessItem(ctx context.Context, item model.PushQueueItem) error {
	def, err := p.queue.mappings.Get(item.Name)
	if err != nil {
		cfg := syncerr.Configuration(item.Name, "unknown mapping")
		cfg.Err = err
		return cfg
	}

	mo, err := p.loadMappedObject(ctx, def, item)
	if err != nil {
		return err
	}

	if item.Op == model.OpDelete {
		if mo.IsNew() {
			return nil
		}
		if err := p.pusher.PushDelete(ctx, def, mo); err != nil {
			return err
		}
		return p.objects.DeleteMappedObject(ctx, mo.ID)
	}

	ent, err := p.entities.Load(ctx, def.LocalEntityType, item.EntityID)
	if err != nil {
		return err
	}

	if err := p.events.PushAllowed(ctx, &events.PushAllowedEvent{
		Mapping:      def,
		MappedObject: mo,
		Entity:       ent,
		Op:           item.Op,
	}); err != nil {
		p.logger.InfoContext(ctx, "push vetoed",
			"mapping", def.ID, "entity_id", item.EntityID, "reason", err)
		return nil
	}

	return p.pusher.Push(ctx, def, mo, ent)
}

func (p *RestProcessor) loadMappedObject(ctx context.Context, def mapping.Definition, item model.PushQueueItem) (*model.MappedObject, error) {
	if item.MappedObjectID > 0 {
		mo, err := p.objects.LoadMappedObject(ctx, item.MappedObjectID)
		if err == nil {
			return mo, nil
		}
		if !syncerr.IsNotFound(err) {
			return nil, err
		}
	}
	mo, err := p.objects.LoadMappedObjectByEntity(ctx, def.ID, def.LocalEntityType, item.EntityID)
	if syncerr.IsNotFound(err) {
		return &model.MappedObject{
			MappingID:  def.ID,
			EntityType: def.LocalEntityType,
			EntityID:   item.EntityID,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load mapped object for %s %s: %w", def.ID, item.EntityID, err)
	}
	return mo, nil
}
