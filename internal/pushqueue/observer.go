package pushqueue

import (
	"context"
	"log/slog"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/events"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/syncerr"
)

// Observer turns local entity mutations into pushes. Register
// EntityChanged as an entity.ChangeListener.
type Observer struct {
	queue   *Queue
	pusher  Pusher
	objects MappedObjects
	events  *events.Dispatcher
	logger  *slog.Logger
}

// NewObserver creates an Observer feeding q.
func NewObserver(q *Queue, pusher Pusher, objects MappedObjects, ev *events.Dispatcher) *Observer {
	return &Observer{
		queue:   q,
		pusher:  pusher,
		objects: objects,
		events:  ev,
		logger:  q.logger,
	}
}

// Listener returns EntityChanged as an entity.ChangeListener.
func (o *Observer) Listener() entity.ChangeListener {
	return o.EntityChanged
}

func localTrigger(op model.Op) mapping.Trigger {
	switch op {
	case model.OpCreate:
		return mapping.TriggerLocalCreate
	case model.OpUpdate:
		return mapping.TriggerLocalUpdate
	case model.OpDelete:
		return mapping.TriggerLocalDelete
	}
	return 0
}

// EntityChanged handles one local mutation. Entities being saved by a
// pull are ignored. For every mapping of the entity whose trigger matches
// op, async mappings enqueue a job and sync mappings push immediately,
// falling back to the queue when the push fails.
func (o *Observer) EntityChanged(ctx context.Context, ent entity.Entity, op model.Op) {
	if ent.Pulling() {
		return
	}
	trigger := localTrigger(op)
	if trigger == 0 {
		return
	}

	for _, def := range o.queue.mappings.ForEntity(ent.Type(), ent.Bundle()) {
		if !def.CheckTriggers(trigger) {
			continue
		}
		logger := o.logger.With("mapping", def.ID, "entity_id", ent.ID(), "op", string(op))

		mo, err := o.objects.LoadMappedObjectByEntity(ctx, def.ID, ent.Type(), ent.ID())
		if err != nil && !syncerr.IsNotFound(err) {
			logger.ErrorContext(ctx, "failed to load mapped object", "error", err)
			continue
		}

		if err := o.events.PushAllowed(ctx, &events.PushAllowedEvent{
			Mapping:      def,
			MappedObject: mo,
			Entity:       ent,
			Op:           op,
		}); err != nil {
			logger.InfoContext(ctx, "push vetoed", "reason", err)
			continue
		}

		if op == model.OpDelete {
			o.handleDelete(ctx, logger, def, mo, ent)
			continue
		}

		if def.Async {
			o.enqueue(ctx, logger, def, ent, op)
			continue
		}
		if mo == nil {
			mo = &model.MappedObject{MappingID: def.ID, EntityType: ent.Type(), EntityID: ent.ID()}
		}
		if err := o.pusher.Push(ctx, def, mo, ent); err != nil {
			logger.WarnContext(ctx, "immediate push failed, queued for retry", "error", err)
			o.enqueue(ctx, logger, def, ent, op)
		}
	}
}

func (o *Observer) handleDelete(ctx context.Context, logger *slog.Logger, def mapping.Definition, mo *model.MappedObject, ent entity.Entity) {
	if err := o.queue.DeleteItemByEntity(ctx, def.ID, ent.ID()); err != nil {
		logger.ErrorContext(ctx, "failed to purge pending pushes", "error", err)
	}
	if mo == nil {
		return
	}
	if def.Async {
		o.enqueue(ctx, logger, def, ent, model.OpDelete)
		return
	}
	err := o.pusher.PushDelete(ctx, def, mo)
	if err == nil {
		err = o.objects.DeleteMappedObject(ctx, mo.ID)
	}
	if err != nil {
		logger.WarnContext(ctx, "immediate delete failed, queued for retry", "remote_id", mo.RemoteID, "error", err)
		o.enqueue(ctx, logger, def, ent, model.OpDelete)
	}
}

func (o *Observer) enqueue(ctx context.Context, logger *slog.Logger, def mapping.Definition, ent entity.Entity, op model.Op) {
	if err := o.queue.Enqueue(ctx, def.ID, ent.ID(), op); err != nil {
		logger.ErrorContext(ctx, "failed to enqueue push", "error", err)
	}
}
