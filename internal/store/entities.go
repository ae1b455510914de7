package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/syncerr"
)

// EntityStore persists entity.Documents in the entities table. It is the
// local content store of a standalone crmsync deployment.
type EntityStore struct {
	s *Store

	mu        sync.RWMutex
	defs      map[string]map[string]entity.FieldDef
	listeners []entity.ChangeListener
}

var _ entity.Store = (*EntityStore)(nil)

// Entities returns an entity store backed by s.
func (s *Store) Entities() *EntityStore {
	return &EntityStore{s: s, defs: map[string]map[string]entity.FieldDef{}}
}

// Define declares field definitions for an entity type.
func (e *EntityStore) Define(entityType string, defs map[string]entity.FieldDef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[entityType] = defs
}

// OnChange registers a listener called after every Save and Delete.
func (e *EntityStore) OnChange(l entity.ChangeListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *EntityStore) fieldDefs(entityType string) map[string]entity.FieldDef {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defs[entityType]
}

// Load returns the stored entity or a NotFound error.
func (e *EntityStore) Load(ctx context.Context, entityType, id string) (entity.Entity, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, syncerr.NotFound("entity %s %s", entityType, id)
	}
	var bundle, data string
	var changed int64
	err = e.s.db.QueryRowContext(ctx, `
		SELECT bundle, doc, changed FROM entities WHERE id = ? AND entity_type = ?
	`, n, entityType).Scan(&bundle, &data, &changed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.NotFound("entity %s %s", entityType, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load entity: %w", err)
	}
	values, err := unmarshalDoc(data)
	if err != nil {
		return nil, fmt.Errorf("load entity %s %s: %w", entityType, id, err)
	}
	return &entity.Document{
		EntityType: entityType,
		BundleName: bundle,
		EntityID:   id,
		Values:     values,
		ChangedAt:  fromUnix(changed),
		Defs:       e.fieldDefs(entityType),
	}, nil
}

// Create returns an unsaved entity. A "bundle" value selects the bundle.
func (e *EntityStore) Create(_ context.Context, entityType string, values map[string]any) (entity.Entity, error) {
	bundle, _ := values["bundle"].(string)
	if bundle == "" {
		bundle = entityType
	}
	doc := entity.NewDocument(entityType, bundle, values)
	delete(doc.Values, "bundle")
	doc.Defs = e.fieldDefs(entityType)
	return doc, nil
}

// Save inserts or updates the entity and notifies listeners.
func (e *EntityStore) Save(ctx context.Context, ent entity.Entity) error {
	doc, ok := ent.(*entity.Document)
	if !ok {
		return fmt.Errorf("entity store: unsupported entity type %T", ent)
	}
	data, err := marshalDoc(doc.Values)
	if err != nil {
		return fmt.Errorf("save entity: %w", err)
	}
	now := e.s.now()

	op := model.OpUpdate
	if doc.IsNew() {
		op = model.OpCreate
		res, err := e.s.db.ExecContext(ctx, `
			INSERT INTO entities (entity_type, bundle, doc, changed) VALUES (?, ?, ?, ?)
		`, doc.EntityType, doc.BundleName, data, now.Unix())
		if err != nil {
			return fmt.Errorf("save entity: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("save entity: %w", err)
		}
		doc.EntityID = strconv.FormatInt(id, 10)
	} else {
		res, err := e.s.db.ExecContext(ctx, `
			UPDATE entities SET bundle = ?, doc = ?, changed = ? WHERE id = ? AND entity_type = ?
		`, doc.BundleName, data, now.Unix(), doc.EntityID, doc.EntityType)
		if err != nil {
			return fmt.Errorf("save entity: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return syncerr.NotFound("entity %s %s", doc.EntityType, doc.EntityID)
		}
	}
	doc.ChangedAt = now

	e.notify(ctx, doc, op)
	return nil
}

// Delete removes the entity and notifies listeners.
func (e *EntityStore) Delete(ctx context.Context, ent entity.Entity) error {
	res, err := e.s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ? AND entity_type = ?`, ent.ID(), ent.Type())
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.NotFound("entity %s %s", ent.Type(), ent.ID())
	}
	e.notify(ctx, ent, model.OpDelete)
	return nil
}

// QueryByProperties returns entities whose top-level values equal props,
// ordered by id.
func (e *EntityStore) QueryByProperties(ctx context.Context, entityType string, props map[string]any) ([]entity.Entity, error) {
	rows, err := e.s.db.QueryContext(ctx, `
		SELECT id, bundle, doc, changed FROM entities WHERE entity_type = ? ORDER BY id ASC
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	defs := e.fieldDefs(entityType)
	out := []entity.Entity{}
	for rows.Next() {
		var id, changed int64
		var bundle, data string
		if err := rows.Scan(&id, &bundle, &data, &changed); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		values, err := unmarshalDoc(data)
		if err != nil {
			return nil, err
		}
		doc := &entity.Document{
			EntityType: entityType,
			BundleName: bundle,
			EntityID:   strconv.FormatInt(id, 10),
			Values:     values,
			ChangedAt:  fromUnix(changed),
			Defs:       defs,
		}
		if matchProps(doc, props) {
			out = append(out, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

func (e *EntityStore) notify(ctx context.Context, ent entity.Entity, op model.Op) {
	e.mu.RLock()
	listeners := slices.Clone(e.listeners)
	e.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, ent, op)
	}
}

func matchProps(doc *entity.Document, props map[string]any) bool {
	for k, want := range props {
		got, ok := doc.Field(k)
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
