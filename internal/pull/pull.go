// Package pull ingests remote changes.
//
// A QueueHandler polls each pull-enabled mapping for records modified
// since its checkpoint and appends them to the durable pull queue. A
// DeleteHandler polls for remote deletions and removes the matching local
// entities. A Worker drains the pull queue, creating or updating local
// entities through the mapped object syncer.
package pull

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/crmsync/internal/clock"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/events"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/remote"
)

const (
	// DefaultMaxQueueSize caps the pull queue; ingestion stops above it.
	DefaultMaxQueueSize = 100000

	// DefaultLimit bounds the items one ProcessQueue call handles.
	DefaultLimit = 200

	// DefaultMaxFails is the failure count at which a pull item is dropped.
	DefaultMaxFails = 10

	// DefaultLease is how long a claimed pull item stays invisible.
	DefaultLease = 300 * time.Second

	// deleteWindow is how far back the remote keeps deletion records.
	deleteWindow = 29 * 24 * time.Hour
)

// SyncCheckpointKey is the state key of the updated-records checkpoint.
func SyncCheckpointKey(mappingID string) string { return "last_sync_" + mappingID }

// DeleteCheckpointKey is the state key of the deleted-records checkpoint.
func DeleteCheckpointKey(mappingID string) string { return "last_delete_" + mappingID }

// Checkpoints is the key-value store holding poll positions.
// *store.Store implements it.
type Checkpoints interface {
	Checkpoint(ctx context.Context, key string) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, key string, t time.Time) error
}

// Queue is durable pull queue storage. *store.Store implements it.
type Queue interface {
	EnqueuePull(ctx context.Context, items []model.PullQueueItem, now time.Time) error
	ClaimPull(ctx context.Context, maxFails int, now time.Time, lease time.Duration) (model.PullQueueItem, bool, error)
	ReleasePull(ctx context.Context, id int64, failures int) error
	DeletePull(ctx context.Context, id int64) error
	CountPull(ctx context.Context) (int, error)
}

// Mappings is the mapping lookup. *mapping.Registry implements it.
type Mappings interface {
	Get(id string) (mapping.Definition, error)
	PullMappings() []mapping.Definition
}

// MappedObjects is mapped object storage. *store.Store implements it.
type MappedObjects interface {
	LoadMappedObjectByRemote(ctx context.Context, mappingID, remoteID string) (*model.MappedObject, error)
	DeleteMappedObject(ctx context.Context, id int64) error
}

// Puller applies remote records to local entities.
// *mappedobject.Syncer implements it.
type Puller interface {
	Pull(ctx context.Context, def mapping.Definition, mo *model.MappedObject, ent entity.Entity) error
	Schema(ctx context.Context, objectType string) (remote.Schema, error)
	Env(ctx context.Context, ent entity.Entity, schema remote.Schema) *mapping.Env
}

type options struct {
	clock        clock.Clock
	logger       *slog.Logger
	events       *events.Dispatcher
	maxQueueSize int
	maxFails     int
	lease        time.Duration
}

// Option configures the handlers and the worker.
type Option func(*options)

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEvents sets the listener registry used for PullPrepull.
func WithEvents(d *events.Dispatcher) Option {
	return func(o *options) { o.events = d }
}

// WithMaxQueueSize sets the pull queue cap.
func WithMaxQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxQueueSize = n
		}
	}
}

// WithMaxFails sets the failure count at which pull items are dropped.
func WithMaxFails(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFails = n
		}
	}
}

// WithLease sets the pull item lease.
func WithLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:        clock.System{},
		logger:       slog.Default(),
		maxQueueSize: DefaultMaxQueueSize,
		maxFails:     DefaultMaxFails,
		lease:        DefaultLease,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
