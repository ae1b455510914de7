package pull

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/crmsync/internal/clock"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/remote"
	"github.com/roach88/crmsync/internal/syncerr"
)

// DeleteHandler applies remote deletions to local entities.
type DeleteHandler struct {
	client      remote.Client
	mappings    Mappings
	objects     MappedObjects
	entities    entity.Store
	checkpoints Checkpoints

	clock  clock.Clock
	logger *slog.Logger
}

// NewDeleteHandler creates a DeleteHandler.
func NewDeleteHandler(client remote.Client, mappings Mappings, objects MappedObjects, entities entity.Store, checkpoints Checkpoints, opts ...Option) *DeleteHandler {
	o := buildOptions(opts)
	return &DeleteHandler{
		client:      client,
		mappings:    mappings,
		objects:     objects,
		entities:    entities,
		checkpoints: checkpoints,
		clock:       o.clock,
		logger:      o.logger,
	}
}

// DeleteReport summarizes one ProcessDeletedRecords call.
type DeleteReport struct {
	Deleted    int            `json:"deleted" yaml:"deleted"`
	PerMapping map[string]int `json:"per_mapping" yaml:"per_mapping"`
	Errors     int            `json:"errors" yaml:"errors"`
}

// ProcessDeletedRecords fetches the records deleted remotely since each
// pull mapping's delete checkpoint. Mappings with the remote delete
// trigger delete the linked local entity, then the mapped object.
//
// A first run only records the checkpoint. The window never reaches
// further back than the remote keeps deletions.
func (h *DeleteHandler) ProcessDeletedRecords(ctx context.Context) (DeleteReport, error) {
	report := DeleteReport{PerMapping: map[string]int{}}
	for _, def := range h.mappings.PullMappings() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := h.processMapping(ctx, def)
		report.PerMapping[def.ID] = n
		report.Deleted += n
		if err != nil {
			report.Errors++
			h.logger.ErrorContext(ctx, "processing deleted records failed", "mapping", def.ID, "error", err)
		}
	}
	return report, nil
}

func (h *DeleteHandler) processMapping(ctx context.Context, def mapping.Definition) (int, error) {
	key := DeleteCheckpointKey(def.ID)
	until := h.clock.Now()
	since, ok, err := h.checkpoints.Checkpoint(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, h.checkpoints.SetCheckpoint(ctx, key, until)
	}
	if floor := until.Add(-deleteWindow); since.Before(floor) {
		since = floor
	}

	result, err := h.client.GetDeleted(ctx, def.RemoteObjectType, since, until)
	if err != nil {
		return 0, fmt.Errorf("get deleted %s: %w", def.RemoteObjectType, err)
	}

	deleted := 0
	for _, d := range result.DeletedRecords {
		done, err := h.deleteRecord(ctx, def, d.ID)
		if err != nil {
			// The checkpoint stays put so the window is retried.
			return deleted, err
		}
		if done {
			deleted++
		}
	}
	return deleted, h.checkpoints.SetCheckpoint(ctx, key, until)
}

func (h *DeleteHandler) deleteRecord(ctx context.Context, def mapping.Definition, remoteID string) (bool, error) {
	if id, err := record.NormalizeID(remoteID); err == nil {
		remoteID = id
	}
	mo, err := h.objects.LoadMappedObjectByRemote(ctx, def.ID, remoteID)
	if syncerr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !def.CheckTriggers(mapping.TriggerRemoteDelete) {
		return false, nil
	}
	logger := h.logger.With("mapping", def.ID, "remote_id", remoteID, "entity_id", mo.EntityID)

	ent, err := h.entities.Load(ctx, mo.EntityType, mo.EntityID)
	switch {
	case syncerr.IsNotFound(err):
		logger.WarnContext(ctx, "local entity already gone")
	case err != nil:
		return false, err
	default:
		ent.SetPulling(true)
		if err := h.entities.Delete(ctx, ent); err != nil && !syncerr.IsNotFound(err) {
			return false, fmt.Errorf("delete entity %s %s: %w", mo.EntityType, mo.EntityID, err)
		}
	}

	if err := h.objects.DeleteMappedObject(ctx, mo.ID); err != nil {
		return false, err
	}
	logger.InfoContext(ctx, "deleted entity for remote deletion")
	return true, nil
}
