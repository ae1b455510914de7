// Package model holds the persisted data types of the sync core: mapped
// objects and their revisions, push queue jobs and pull queue items.
//
// The types carry no behavior beyond small helpers; storage lives in
// internal/store and the state machines in internal/mappedobject,
// internal/pushqueue and internal/pull.
package model

import (
	"time"

	"github.com/roach88/crmsync/internal/record"
)

// SyncAction records the last operation applied to a mapped object.
type SyncAction string

const (
	ActionPushCreate SyncAction = "push_create"
	ActionPushUpdate SyncAction = "push_update"
	ActionPushUpsert SyncAction = "push_upsert"
	ActionPushDelete SyncAction = "push_delete"
	ActionPull       SyncAction = "pull"
)

// SyncStatus is the outcome of the last sync.
type SyncStatus string

const (
	StatusSuccess SyncStatus = "success"
	StatusFail    SyncStatus = "fail"
)

// MappedObject links one local entity to one remote record under one
// mapping, and remembers the last sync outcome.
//
// RemoteID is empty until the first successful push or pull discovers it.
// (RemoteID, MappingID) is unique whenever RemoteID is set.
type MappedObject struct {
	ID             int64
	RevisionID     int64
	EntityType     string
	EntityID       string
	RemoteID       string
	MappingID      string
	EntityUpdated  time.Time
	LastSyncStatus SyncStatus
	LastSyncAction SyncAction
	ForcePull      bool
	Created        time.Time
	Changed        time.Time

	// Record is the remote record attached for the current operation.
	// It is never persisted.
	Record *record.Record `json:"-"`
}

// IsNew reports whether the mapped object has not been saved yet.
func (m *MappedObject) IsNew() bool {
	return m.ID == 0
}

// Revision is a historical snapshot written on every mapped object save.
type Revision struct {
	RevisionID     int64
	MappedObjectID int64
	RemoteID       string
	EntityUpdated  time.Time
	LastSyncStatus SyncStatus
	LastSyncAction SyncAction
	Created        time.Time
}

// Op is the local operation that caused a push job.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// PushQueueItem is one pending push job.
//
// (Name, EntityID) is unique: enqueueing the same entity again merges into
// the pending job. Expire is a unix timestamp; 0 means not leased.
type PushQueueItem struct {
	ItemID         int64
	Name           string
	EntityID       string
	Op             Op
	Failures       int
	MappedObjectID int64
	Expire         int64
	Created        time.Time
	Updated        time.Time
}

// Leased reports whether the item holds an unexpired lease at now.
func (i PushQueueItem) Leased(now time.Time) bool {
	return i.Expire != 0 && i.Expire > now.Unix()
}

// PullQueueItem is one remote record waiting to be applied locally.
type PullQueueItem struct {
	ItemID    int64
	MappingID string
	Record    record.Record
	Failures  int
	Expire    int64
	Created   time.Time
}
