package pull

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/crmsync/internal/clock"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/remote"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/soql"
	"github.com/roach88/crmsync/internal/syncerr"
)

// QueueHandler polls the remote for updated records and enqueues them.
type QueueHandler struct {
	client      remote.Client
	mappings    Mappings
	queue       Queue
	checkpoints Checkpoints

	clock        clock.Clock
	logger       *slog.Logger
	maxQueueSize int
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(client remote.Client, mappings Mappings, queue Queue, checkpoints Checkpoints, opts ...Option) *QueueHandler {
	o := buildOptions(opts)
	return &QueueHandler{
		client:       client,
		mappings:     mappings,
		queue:        queue,
		checkpoints:  checkpoints,
		clock:        o.clock,
		logger:       o.logger,
		maxQueueSize: o.maxQueueSize,
	}
}

// UpdateReport summarizes one GetUpdatedRecords call.
type UpdateReport struct {
	Enqueued   int            `json:"enqueued" yaml:"enqueued"`
	PerMapping map[string]int `json:"per_mapping" yaml:"per_mapping"`
	Errors     int            `json:"errors" yaml:"errors"`
}

// GetUpdatedRecords enqueues, for every pull mapping, the remote records
// whose trigger date is newer than the mapping's checkpoint, then moves
// the checkpoint to the time captured before the query.
//
// When the queue cannot take a mapping's result set the call stops with a
// QueueFull error and that mapping's checkpoint is left unchanged. Query
// failures of one mapping are logged and do not affect the others.
func (h *QueueHandler) GetUpdatedRecords(ctx context.Context) (UpdateReport, error) {
	report := UpdateReport{PerMapping: map[string]int{}}

	size, err := h.queue.CountPull(ctx)
	if err != nil {
		return report, err
	}
	if size > h.maxQueueSize {
		return report, syncerr.QueueFull("", size, 0, h.maxQueueSize)
	}

	for _, def := range h.mappings.PullMappings() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := h.enqueueMapping(ctx, def, &size)
		report.PerMapping[def.ID] = n
		report.Enqueued += n
		if syncerr.IsQueueFull(err) {
			h.logger.WarnContext(ctx, "pull queue full", "mapping", def.ID, "error", err)
			return report, err
		}
		if err != nil {
			report.Errors++
			h.logger.ErrorContext(ctx, "pull query failed", "mapping", def.ID, "error", err)
		}
	}
	return report, nil
}

func (h *QueueHandler) enqueueMapping(ctx context.Context, def mapping.Definition, size *int) (int, error) {
	key := SyncCheckpointKey(def.ID)
	since, ok, err := h.checkpoints.Checkpoint(ctx, key)
	if err != nil {
		return 0, err
	}
	now := h.clock.Now()

	sel := Selector(def)
	if ok {
		sel.ChangedSince(def.TriggerDateField(), since)
	}

	result, err := h.client.Query(ctx, sel)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", def.RemoteObjectType, err)
	}
	if *size+result.TotalSize > h.maxQueueSize {
		return 0, syncerr.QueueFull(def.ID, *size, result.TotalSize, h.maxQueueSize)
	}

	enqueued := 0
	for {
		items := make([]model.PullQueueItem, 0, len(result.Records))
		for _, rec := range result.Records {
			if rec.Type == "" {
				rec.Type = def.RemoteObjectType
			}
			items = append(items, model.PullQueueItem{MappingID: def.ID, Record: rec})
		}
		if err := h.queue.EnqueuePull(ctx, items, h.clock.Now()); err != nil {
			return enqueued, err
		}
		enqueued += len(items)
		*size += len(items)

		if result.Done || result.NextRecordsURL == "" {
			break
		}
		result, err = h.client.QueryMore(ctx, result.NextRecordsURL)
		if err != nil {
			return enqueued, fmt.Errorf("query more %s: %w", def.RemoteObjectType, err)
		}
	}

	if err := h.checkpoints.SetCheckpoint(ctx, key, now); err != nil {
		return enqueued, err
	}
	h.logger.DebugContext(ctx, "pulled updated records",
		"mapping", def.ID, "count", enqueued, "since", record.FormatTime(since), "checkpoint", now.Format(time.RFC3339))
	return enqueued, nil
}

// Selector returns the pull query of def without the checkpoint
// condition: the Id, the pulled fields, the trigger date and the upsert
// key of the remote object, ordered by trigger date.
func Selector(def mapping.Definition) *soql.Select {
	sel := soql.NewSelect(def.RemoteObjectType).AddField("Id")
	for _, rule := range def.PullRules() {
		sel.AddField(rule.RemoteField)
	}
	sel.AddField(def.TriggerDateField())
	if def.HasKey() {
		sel.AddField(def.KeyField)
	}
	if def.PullWhere != "" {
		sel.Where(soql.Raw{Text: def.PullWhere})
	}
	return sel.Order(def.TriggerDateField(), false)
}
