package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/syncerr"
)

// ErrDuplicateRemote is returned when saving a mapped object would link a
// remote record that another mapped object of the same mapping already
// links.
var ErrDuplicateRemote = errors.New("remote record already mapped")

// MappedObjectFilter selects mapped objects. Empty fields are ignored.
type MappedObjectFilter struct {
	EntityType string
	EntityID   string
	RemoteID   string
	MappingID  string
}

const mappedObjectColumns = `id, revision_id, entity_type, entity_id, remote_id, mapping_id,
	entity_updated, last_sync_status, last_sync_action, force_pull, created, changed`

// SaveMappedObject inserts or updates mo and writes a revision row.
// ID, RevisionID, Created and Changed are set on mo.
func (s *Store) SaveMappedObject(ctx context.Context, mo *model.MappedObject) error {
	now := s.now()
	if mo.Created.IsZero() {
		mo.Created = now
	}
	mo.Changed = now

	id, revID := mo.ID, int64(0)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if id == 0 {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO mapped_objects
				(entity_type, entity_id, remote_id, mapping_id, entity_updated,
				 last_sync_status, last_sync_action, force_pull, created, changed)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				mo.EntityType, mo.EntityID, mo.RemoteID, mo.MappingID, unixOrZero(mo.EntityUpdated),
				string(mo.LastSyncStatus), string(mo.LastSyncAction), boolToInt(mo.ForcePull),
				unixOrZero(mo.Created), unixOrZero(mo.Changed),
			)
			if err != nil {
				return err
			}
			if id, err = res.LastInsertId(); err != nil {
				return err
			}
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE mapped_objects SET
					entity_type = ?, entity_id = ?, remote_id = ?, mapping_id = ?, entity_updated = ?,
					last_sync_status = ?, last_sync_action = ?, force_pull = ?, changed = ?
				WHERE id = ?
			`,
				mo.EntityType, mo.EntityID, mo.RemoteID, mo.MappingID, unixOrZero(mo.EntityUpdated),
				string(mo.LastSyncStatus), string(mo.LastSyncAction), boolToInt(mo.ForcePull),
				unixOrZero(mo.Changed), id,
			)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return syncerr.NotFound("mapped object %d", id)
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO mapped_object_revisions
			(mapped_object_id, remote_id, entity_updated, last_sync_status, last_sync_action, created)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			id, mo.RemoteID, unixOrZero(mo.EntityUpdated),
			string(mo.LastSyncStatus), string(mo.LastSyncAction), unixOrZero(now),
		)
		if err != nil {
			return err
		}
		if revID, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE mapped_objects SET revision_id = ? WHERE id = ?`, revID, id)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("save mapped object: %s/%s: %w", mo.MappingID, mo.RemoteID, ErrDuplicateRemote)
		}
		return fmt.Errorf("save mapped object: %w", err)
	}
	mo.ID, mo.RevisionID = id, revID
	return nil
}

// LoadMappedObject returns the mapped object with the given id.
func (s *Store) LoadMappedObject(ctx context.Context, id int64) (*model.MappedObject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mappedObjectColumns+` FROM mapped_objects WHERE id = ?`, id)
	mo, err := scanMappedObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.NotFound("mapped object %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load mapped object: %w", err)
	}
	return mo, nil
}

// FindMappedObjects returns mapped objects matching f, ordered by id.
func (s *Store) FindMappedObjects(ctx context.Context, f MappedObjectFilter) ([]*model.MappedObject, error) {
	var where []string
	var args []any
	add := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	add("entity_type", f.EntityType)
	add("entity_id", f.EntityID)
	add("remote_id", f.RemoteID)
	add("mapping_id", f.MappingID)

	query := `SELECT ` + mappedObjectColumns + ` FROM mapped_objects`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mapped objects: %w", err)
	}
	defer rows.Close()

	out := []*model.MappedObject{}
	for rows.Next() {
		mo, err := scanMappedObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapped object: %w", err)
		}
		out = append(out, mo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mapped objects: %w", err)
	}
	return out, nil
}

// LoadMappedObjectByRemote returns the mapped object linking remoteID under
// mappingID, or a NotFound error.
func (s *Store) LoadMappedObjectByRemote(ctx context.Context, mappingID, remoteID string) (*model.MappedObject, error) {
	mos, err := s.FindMappedObjects(ctx, MappedObjectFilter{MappingID: mappingID, RemoteID: remoteID})
	if err != nil {
		return nil, err
	}
	if len(mos) == 0 {
		return nil, syncerr.NotFound("no mapped object for %s %s", mappingID, remoteID)
	}
	return mos[0], nil
}

// LoadMappedObjectByEntity returns the mapped object of an entity under
// mappingID, or a NotFound error.
func (s *Store) LoadMappedObjectByEntity(ctx context.Context, mappingID, entityType, entityID string) (*model.MappedObject, error) {
	mos, err := s.FindMappedObjects(ctx, MappedObjectFilter{MappingID: mappingID, EntityType: entityType, EntityID: entityID})
	if err != nil {
		return nil, err
	}
	if len(mos) == 0 {
		return nil, syncerr.NotFound("no mapped object for %s %s %s", mappingID, entityType, entityID)
	}
	return mos[0], nil
}

// DeleteMappedObject removes a mapped object and its revisions.
func (s *Store) DeleteMappedObject(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mapped_objects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete mapped object: %w", err)
	}
	return nil
}

// Revisions returns the revisions of a mapped object, newest first.
func (s *Store) Revisions(ctx context.Context, mappedObjectID int64) ([]model.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision_id, mapped_object_id, remote_id, entity_updated, last_sync_status, last_sync_action, created
		FROM mapped_object_revisions
		WHERE mapped_object_id = ?
		ORDER BY revision_id DESC
	`, mappedObjectID)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	out := []model.Revision{}
	for rows.Next() {
		var r model.Revision
		var updated, created int64
		var status, action string
		if err := rows.Scan(&r.RevisionID, &r.MappedObjectID, &r.RemoteID, &updated, &status, &action, &created); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		r.EntityUpdated = fromUnix(updated)
		r.Created = fromUnix(created)
		r.LastSyncStatus = model.SyncStatus(status)
		r.LastSyncAction = model.SyncAction(action)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return out, nil
}

// PruneRevisions deletes all but the newest keep revisions of a mapped
// object and returns the number deleted. keep <= 0 keeps everything.
func (s *Store) PruneRevisions(ctx context.Context, mappedObjectID int64, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mapped_object_revisions
		WHERE mapped_object_id = ?
		AND revision_id NOT IN (
			SELECT revision_id FROM mapped_object_revisions
			WHERE mapped_object_id = ?
			ORDER BY revision_id DESC
			LIMIT ?
		)
	`, mappedObjectID, mappedObjectID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune revisions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune revisions: %w", err)
	}
	return int(n), nil
}

// ResolveRemoteID returns the local entity linked to remoteID by any
// mapping. The lowest mapped object id wins when several mappings link it.
func (s *Store) ResolveRemoteID(ctx context.Context, remoteID string) (entity.Reference, bool, error) {
	var ref entity.Reference
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id FROM mapped_objects
		WHERE remote_id = ? AND entity_id != ''
		ORDER BY id ASC
		LIMIT 1
	`, remoteID).Scan(&ref.Type, &ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Reference{}, false, nil
	}
	if err != nil {
		return entity.Reference{}, false, fmt.Errorf("resolve remote id: %w", err)
	}
	return ref, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMappedObject(row rowScanner) (*model.MappedObject, error) {
	var mo model.MappedObject
	var updated, created, changed int64
	var status, action string
	var force int
	err := row.Scan(
		&mo.ID, &mo.RevisionID, &mo.EntityType, &mo.EntityID, &mo.RemoteID, &mo.MappingID,
		&updated, &status, &action, &force, &created, &changed,
	)
	if err != nil {
		return nil, err
	}
	mo.EntityUpdated = fromUnix(updated)
	mo.Created = fromUnix(created)
	mo.Changed = fromUnix(changed)
	mo.LastSyncStatus = model.SyncStatus(status)
	mo.LastSyncAction = model.SyncAction(action)
	mo.ForcePull = force != 0
	return &mo, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
