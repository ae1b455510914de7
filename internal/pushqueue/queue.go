// Package pushqueue is the durable queue of local changes waiting to be
// written to the remote CRM.
//
// Each job is keyed by (mapping, entity id) and moves through
//
//	pending -> claimed (expire = now + lease) -> deleted on success
//	                                          -> failures+1, still leased, on error
//
// Leases are the only crash recovery: a job whose holder died becomes
// claimable again when its lease expires. Claims are per-row
// compare-and-set updates, so several processes can drain the same queue.
package pushqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/crmsync/internal/clock"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/syncerr"
)

const (
	// DefaultLimit bounds the jobs processed by one ProcessQueues run.
	DefaultLimit = 200

	// DefaultMaxFails is the failure count at which a job is no longer claimed.
	DefaultMaxFails = 10

	// DefaultLease is how long a claimed job stays invisible to other claimers.
	DefaultLease = 300 * time.Second

	// DefaultProcessor names the processor used when none is configured.
	DefaultProcessor = "rest"
)

// ErrInvalidItem is returned by Enqueue for a job missing its mapping,
// entity id or operation.
var ErrInvalidItem = errors.New("push queue item requires name, entity_id and op")

// Backend is durable job storage. *store.Store and
// *store.PostgresPushQueue implement it.
type Backend interface {
	Enqueue(ctx context.Context, item model.PushQueueItem, now time.Time) error
	Save(ctx context.Context, item model.PushQueueItem, now time.Time) error
	Claim(ctx context.Context, name string, n, maxFails int, now time.Time, lease time.Duration) ([]model.PushQueueItem, error)
	Release(ctx context.Context, ids []int64) error
	Delete(ctx context.Context, id int64) error
	DeleteByEntity(ctx context.Context, name, entityID string) error
	Count(ctx context.Context, name string) (int, error)
	List(ctx context.Context, name string, limit int) ([]model.PushQueueItem, error)
}

// Mappings is the mapping lookup the queue needs. *mapping.Registry
// implements it.
type Mappings interface {
	Get(id string) (mapping.Definition, error)
	PushMappings() []mapping.Definition
	ForEntity(entityType, bundle string) []mapping.Definition
}

// Processor pushes a batch of claimed jobs of one mapping.
//
// Process handles per-job outcomes itself (typically through
// Queue.DeleteItem and Queue.FailItem). A Requeue or Suspend error asks
// the queue to release the whole batch and move to the next mapping.
type Processor interface {
	Process(ctx context.Context, items []model.PushQueueItem) error
}

// RunIDGenerator produces the correlation id of a ProcessQueues run.
type RunIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable run ids.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 string.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// GeneratorFunc adapts a function to RunIDGenerator.
type GeneratorFunc func() string

// Generate calls f.
func (f GeneratorFunc) Generate() string { return f() }

// Queue is the push queue.
type Queue struct {
	backend   Backend
	mappings  Mappings
	processor Processor
	clock     clock.Clock
	logger    *slog.Logger
	runIDs    RunIDGenerator

	limit    int
	maxFails int
	lease    time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithLimit sets the per-run job limit.
func WithLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.limit = n
		}
	}
}

// WithMaxFails sets the failure count at which jobs stop being claimed.
func WithMaxFails(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxFails = n
		}
	}
}

// WithLease sets the claim lease.
func WithLease(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithRunIDs sets the run id generator.
func WithRunIDs(g RunIDGenerator) Option {
	return func(q *Queue) { q.runIDs = g }
}

// New creates a Queue. A processor must be set with UseProcessor before
// ProcessQueues runs.
func New(backend Backend, mappings Mappings, opts ...Option) *Queue {
	q := &Queue{
		backend:  backend,
		mappings: mappings,
		clock:    clock.System{},
		logger:   slog.Default(),
		runIDs:   UUIDv7Generator{},
		limit:    DefaultLimit,
		maxFails: DefaultMaxFails,
		lease:    DefaultLease,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// UseProcessor sets the batch processor.
func (q *Queue) UseProcessor(p Processor) {
	q.processor = p
}

// Mappings returns the mapping lookup.
func (q *Queue) Mappings() Mappings {
	return q.mappings
}

// MaxFails returns the configured failure limit.
func (q *Queue) MaxFails() int {
	return q.maxFails
}

// Enqueue adds a job or merges it into the pending job of the same
// (name, entityID). Failures and created time survive a merge.
func (q *Queue) Enqueue(ctx context.Context, name, entityID string, op model.Op) error {
	if name == "" || entityID == "" || !op.Valid() {
		return fmt.Errorf("%w: name=%q entity_id=%q op=%q", ErrInvalidItem, name, entityID, op)
	}
	item := model.PushQueueItem{Name: name, EntityID: entityID, Op: op}
	if err := q.backend.Enqueue(ctx, item, q.clock.Now()); err != nil {
		return err
	}
	q.logger.DebugContext(ctx, "enqueued push", "mapping", name, "entity_id", entityID, "op", string(op))
	return nil
}

// Claim leases up to n jobs of name.
func (q *Queue) Claim(ctx context.Context, name string, n int) ([]model.PushQueueItem, error) {
	return q.backend.Claim(ctx, name, n, q.maxFails, q.clock.Now(), q.lease)
}

// RunReport summarizes one ProcessQueues run.
type RunReport struct {
	RunID        string         `json:"run_id" yaml:"run_id"`
	Claimed      int            `json:"claimed" yaml:"claimed"`
	Batches      int            `json:"batches" yaml:"batches"`
	Released     int            `json:"released" yaml:"released"`
	Errors       int            `json:"errors" yaml:"errors"`
	PerMapping   map[string]int `json:"per_mapping" yaml:"per_mapping"`
	LimitReached bool           `json:"limit_reached" yaml:"limit_reached"`
	Started      time.Time      `json:"started" yaml:"started"`
	Finished     time.Time      `json:"finished" yaml:"finished"`
}

// ProcessQueues drains the queue of every push mapping in registry order
// until the queues are empty or the run limit is reached.
//
// Processing errors never escape: Requeue and Suspend errors release the
// batch and move on to the next mapping, anything else is logged and the
// batch stays leased until its lease expires.
func (q *Queue) ProcessQueues(ctx context.Context) RunReport {
	report := RunReport{
		RunID:      q.runIDs.Generate(),
		PerMapping: map[string]int{},
		Started:    q.clock.Now(),
	}
	logger := q.logger.With("run_id", report.RunID)

	if q.processor == nil {
		logger.ErrorContext(ctx, "push queue has no processor")
		report.Errors++
		report.Finished = q.clock.Now()
		return report
	}

	total := 0
mappings:
	for _, def := range q.mappings.PushMappings() {
		for {
			if err := ctx.Err(); err != nil {
				logger.WarnContext(ctx, "push run cancelled", "error", err)
				break mappings
			}

			items, err := q.Claim(ctx, def.ID, q.limit-total)
			if err != nil {
				logger.ErrorContext(ctx, "claim failed", "mapping", def.ID, "error", err)
				report.Errors++
				continue mappings
			}
			if len(items) == 0 {
				continue mappings
			}
			report.Batches++
			report.Claimed += len(items)
			report.PerMapping[def.ID] += len(items)

			nextMapping := false
			if err := q.processor.Process(ctx, items); err != nil {
				switch {
				case syncerr.IsRequeue(err), syncerr.IsSuspend(err):
					if rerr := q.ReleaseItems(ctx, items); rerr != nil {
						logger.ErrorContext(ctx, "release failed", "mapping", def.ID, "error", rerr)
					} else {
						report.Released += len(items)
					}
					logger.WarnContext(ctx, "push batch released", "mapping", def.ID, "count", len(items), "error", err)
					nextMapping = true
				default:
					report.Errors++
					logger.ErrorContext(ctx, "push batch failed", "mapping", def.ID, "count", len(items), "error", err)
				}
			}

			total += len(items)
			if total >= q.limit {
				report.LimitReached = true
				break mappings
			}
			if nextMapping {
				continue mappings
			}
		}
	}

	report.Finished = q.clock.Now()
	logger.InfoContext(ctx, "push run finished",
		"claimed", report.Claimed, "batches", report.Batches, "released", report.Released,
		"limit_reached", report.LimitReached)
	return report
}

// FailItem records a failed push of item. A NotFound error (the local
// entity is gone) deletes the job. Otherwise failures is incremented and
// the job saved with its lease intact, so it is retried when the lease
// expires. Jobs reaching MaxFails stay in the queue for inspection.
func (q *Queue) FailItem(ctx context.Context, cause error, item model.PushQueueItem) error {
	attrs := []any{
		"mapping", item.Name,
		"entity_id", item.EntityID,
		"item_id", item.ItemID,
		"error", cause,
	}
	if syncerr.IsNotFound(cause) {
		q.logger.ErrorContext(ctx, "entity not found, queue item deleted", attrs...)
		return q.backend.Delete(ctx, item.ItemID)
	}

	item.Failures++
	attrs = append(attrs, "failures", item.Failures)
	if item.Failures >= q.maxFails {
		q.logger.ErrorContext(ctx, "permanently failed queue item", attrs...)
	} else {
		q.logger.ErrorContext(ctx, "queue item failed", attrs...)
	}
	return q.backend.Save(ctx, item, q.clock.Now())
}

// DeleteItem removes a finished job.
func (q *Queue) DeleteItem(ctx context.Context, item model.PushQueueItem) error {
	return q.backend.Delete(ctx, item.ItemID)
}

// ReleaseItems clears the leases of items so they can be claimed again.
func (q *Queue) ReleaseItems(ctx context.Context, items []model.PushQueueItem) error {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ItemID
	}
	return q.backend.Release(ctx, ids)
}

// DeleteItemByEntity removes the pending job of an entity.
func (q *Queue) DeleteItemByEntity(ctx context.Context, name, entityID string) error {
	return q.backend.DeleteByEntity(ctx, name, entityID)
}

// Count returns the number of jobs of name, or all jobs for "".
func (q *Queue) Count(ctx context.Context, name string) (int, error) {
	return q.backend.Count(ctx, name)
}

// List returns up to limit jobs of name (all names for "") in claim order.
func (q *Queue) List(ctx context.Context, name string, limit int) ([]model.PushQueueItem, error) {
	return q.backend.List(ctx, name, limit)
}
