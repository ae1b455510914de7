// Package entity defines the contract between the sync core and the local
// content store: entities with dotted-path property access, the store that
// loads and saves them, and a change listener hook.
package entity

import (
	"context"
	"time"

	"github.com/roach88/crmsync/internal/model"
)

// LocalType is the declared type of a local field.
type LocalType string

const (
	TypeString          LocalType = "string"
	TypeText            LocalType = "text"
	TypeInteger         LocalType = "integer"
	TypeDecimal         LocalType = "decimal"
	TypeBoolean         LocalType = "boolean"
	TypeDatetimeISO8601 LocalType = "datetime_iso8601"
	TypeTimestamp       LocalType = "timestamp"
	TypeList            LocalType = "list"
	TypeReference       LocalType = "reference"
)

// FieldDef describes a local field. MaxLength 0 means unlimited.
type FieldDef struct {
	Type      LocalType `json:"type" yaml:"type"`
	MaxLength int       `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	// Target is the referenced entity type for reference fields.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// Accessor reads and writes named properties of one object.
// Nested values that are themselves Accessors (or maps) are traversed by
// GetPath and SetPath.
type Accessor interface {
	Field(name string) (any, bool)
	SetField(name string, value any) error
}

// FieldDescriber is implemented by entities that know their field schema.
type FieldDescriber interface {
	DescribeField(path string) (FieldDef, bool)
}

// Entity is a local content entity.
type Entity interface {
	Accessor

	Type() string
	Bundle() string
	ID() string
	Label() string

	// Changed is the last local modification time; zero if unknown.
	Changed() time.Time

	// IsNew reports whether the entity has never been saved.
	IsNew() bool

	// Pulling reports whether the entity is being written by a pull.
	// The flag is ephemeral and suppresses push enqueueing on save.
	Pulling() bool
	SetPulling(pulling bool)
}

// Reference is the value stored in a reference field.
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Store loads and persists local entities.
//
// Load returns a syncerr NotFound error for a missing entity.
type Store interface {
	Load(ctx context.Context, entityType, id string) (Entity, error)
	Create(ctx context.Context, entityType string, values map[string]any) (Entity, error)
	Save(ctx context.Context, e Entity) error
	Delete(ctx context.Context, e Entity) error
	QueryByProperties(ctx context.Context, entityType string, props map[string]any) ([]Entity, error)
}

// ChangeListener is called after an entity is saved or deleted.
type ChangeListener func(ctx context.Context, e Entity, op model.Op)
