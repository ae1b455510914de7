package entity

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/roach88/crmsync/internal/clock"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/syncerr"
)

// MemoryStore is an in-process entity store. It backs tests, harness
// scenarios and the "memory" remote mode of the CLI.
type MemoryStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	docs      map[string]map[string]*Document
	defs      map[string]map[string]FieldDef
	nextID    int
	listeners []ChangeListener
}

// NewMemoryStore creates an empty store using c for change timestamps.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryStore{
		clock: c,
		docs:  map[string]map[string]*Document{},
		defs:  map[string]map[string]FieldDef{},
	}
}

// Define declares field definitions for an entity type.
func (s *MemoryStore) Define(entityType string, defs map[string]FieldDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[entityType] = defs
}

// OnChange registers a listener called after every Save and Delete.
func (s *MemoryStore) OnChange(l ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Put stores doc as-is without firing listeners. Used for seeding.
func (s *MemoryStore) Put(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.EntityID == "" {
		s.nextID++
		doc.EntityID = strconv.Itoa(s.nextID)
	} else if n, err := strconv.Atoi(doc.EntityID); err == nil && n > s.nextID {
		s.nextID = n
	}
	if doc.Defs == nil {
		doc.Defs = s.defs[doc.EntityType]
	}
	s.bucket(doc.EntityType)[doc.EntityID] = doc.Clone()
}

// Load returns a copy of the stored entity.
func (s *MemoryStore) Load(_ context.Context, entityType, id string) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[entityType][id]
	if !ok {
		return nil, syncerr.NotFound("entity %s %s", entityType, id)
	}
	return doc.Clone(), nil
}

// Create returns an unsaved entity. A "bundle" value selects the bundle.
func (s *MemoryStore) Create(_ context.Context, entityType string, values map[string]any) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values = cloneMap(values)
	bundle, _ := values["bundle"].(string)
	delete(values, "bundle")
	if bundle == "" {
		bundle = entityType
	}
	doc := NewDocument(entityType, bundle, values)
	doc.Defs = s.defs[entityType]
	return doc, nil
}

// Save stores the entity, assigning an id to new entities.
func (s *MemoryStore) Save(ctx context.Context, e Entity) error {
	doc, ok := e.(*Document)
	if !ok {
		return fmt.Errorf("memory store: unsupported entity type %T", e)
	}
	s.mu.Lock()
	op := model.OpUpdate
	if doc.IsNew() {
		op = model.OpCreate
		s.nextID++
		doc.EntityID = strconv.Itoa(s.nextID)
	}
	doc.ChangedAt = s.clock.Now()
	s.bucket(doc.EntityType)[doc.EntityID] = doc.Clone()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(ctx, doc, op)
	}
	return nil
}

// Delete removes the entity.
func (s *MemoryStore) Delete(ctx context.Context, e Entity) error {
	s.mu.Lock()
	bucket := s.docs[e.Type()]
	if _, ok := bucket[e.ID()]; !ok {
		s.mu.Unlock()
		return syncerr.NotFound("entity %s %s", e.Type(), e.ID())
	}
	delete(bucket, e.ID())
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(ctx, e, model.OpDelete)
	}
	return nil
}

// QueryByProperties returns entities whose top-level values equal props,
// ordered by id.
func (s *MemoryStore) QueryByProperties(_ context.Context, entityType string, props map[string]any) ([]Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs[entityType]))
	for id := range s.docs[entityType] {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareIDs)

	result := []Entity{}
	for _, id := range ids {
		doc := s.docs[entityType][id]
		if matches(doc, props) {
			result = append(result, doc.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) bucket(entityType string) map[string]*Document {
	b, ok := s.docs[entityType]
	if !ok {
		b = map[string]*Document{}
		s.docs[entityType] = b
	}
	return b
}

func matches(doc *Document, props map[string]any) bool {
	for k, want := range props {
		got, ok := doc.Field(k)
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// compareIDs orders numeric ids numerically and everything else lexically.
func compareIDs(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na - nb
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
