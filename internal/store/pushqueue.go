package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/crmsync/internal/model"
)

const pushItemColumns = `item_id, name, entity_id, op, failures, mapped_object_id, expire, created, updated`

// Enqueue adds a push job or merges it into the pending job of the same
// (name, entity_id). A merge keeps failures, created and the lease, and
// keeps the stored mapped object id when item carries none.
func (s *Store) Enqueue(ctx context.Context, item model.PushQueueItem, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_queue
		(name, entity_id, op, failures, mapped_object_id, expire, created, updated)
		VALUES (?, ?, ?, 0, ?, 0, ?, ?)
		ON CONFLICT(name, entity_id) DO UPDATE SET
			op = excluded.op,
			mapped_object_id = CASE
				WHEN excluded.mapped_object_id = 0 THEN push_queue.mapped_object_id
				ELSE excluded.mapped_object_id
			END,
			updated = excluded.updated
	`,
		item.Name, item.EntityID, string(item.Op), item.MappedObjectID, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("enqueue push item: %w", err)
	}
	return nil
}

// Save writes item including its failure count and lease.
func (s *Store) Save(ctx context.Context, item model.PushQueueItem, now time.Time) error {
	created := unixOrZero(item.Created)
	if created == 0 {
		created = now.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_queue
		(name, entity_id, op, failures, mapped_object_id, expire, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, entity_id) DO UPDATE SET
			op = excluded.op,
			failures = excluded.failures,
			mapped_object_id = excluded.mapped_object_id,
			expire = excluded.expire,
			updated = excluded.updated
	`,
		item.Name, item.EntityID, string(item.Op), item.Failures, item.MappedObjectID, item.Expire,
		created, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save push item: %w", err)
	}
	return nil
}

// Claim leases up to n jobs of name with fewer than maxFails failures,
// oldest first. Each row is claimed with a compare-and-set on its lease so
// concurrent claimers never receive the same job.
func (s *Store) Claim(ctx context.Context, name string, n, maxFails int, now time.Time, lease time.Duration) ([]model.PushQueueItem, error) {
	if n <= 0 {
		return []model.PushQueueItem{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id FROM push_queue
		WHERE name = ? AND failures < ? AND (expire = 0 OR expire <= ?)
		ORDER BY created ASC, item_id ASC
		LIMIT ?
	`, name, maxFails, now.Unix(), n)
	if err != nil {
		return nil, fmt.Errorf("claim push items: %w", err)
	}
	candidates, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim push items: %w", err)
	}

	expire := now.Add(lease).Unix()
	claimed := make([]int64, 0, len(candidates))
	for _, id := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE push_queue SET expire = ?
			WHERE item_id = ? AND (expire = 0 OR expire <= ?)
		`, expire, id, now.Unix())
		if err != nil {
			return nil, fmt.Errorf("claim push item %d: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			claimed = append(claimed, id)
		}
	}
	if len(claimed) == 0 {
		return []model.PushQueueItem{}, nil
	}

	args := make([]any, len(claimed))
	for i, id := range claimed {
		args[i] = id
	}
	return s.queryPushItems(ctx, `
		SELECT `+pushItemColumns+` FROM push_queue
		WHERE item_id IN (`+placeholders(len(claimed))+`)
		ORDER BY created ASC, item_id ASC
	`, args...)
}

// Release clears the lease of the given jobs.
func (s *Store) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE push_queue SET expire = 0 WHERE item_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("release push items: %w", err)
	}
	return nil
}

// Delete removes one job.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_queue WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("delete push item: %w", err)
	}
	return nil
}

// DeleteByEntity removes the pending job of an entity under name.
func (s *Store) DeleteByEntity(ctx context.Context, name, entityID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_queue WHERE name = ? AND entity_id = ?`, name, entityID); err != nil {
		return fmt.Errorf("delete push item by entity: %w", err)
	}
	return nil
}

// Count returns the number of jobs of name, or of all jobs when name is
// empty.
func (s *Store) Count(ctx context.Context, name string) (int, error) {
	var n int
	var err error
	if name == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM push_queue`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM push_queue WHERE name = ?`, name).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count push items: %w", err)
	}
	return n, nil
}

// List returns up to limit jobs of name (all names when empty) in claim
// order. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, name string, limit int) ([]model.PushQueueItem, error) {
	query := `SELECT ` + pushItemColumns + ` FROM push_queue`
	var args []any
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY created ASC, item_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryPushItems(ctx, query, args...)
}

func (s *Store) queryPushItems(ctx context.Context, query string, args ...any) ([]model.PushQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query push items: %w", err)
	}
	return scanPushItems(rows)
}

// scanPushItems reads pushItemColumns rows and closes rows.
func scanPushItems(rows *sql.Rows) ([]model.PushQueueItem, error) {
	defer rows.Close()

	out := []model.PushQueueItem{}
	for rows.Next() {
		var it model.PushQueueItem
		var op string
		var created, updated int64
		if err := rows.Scan(&it.ItemID, &it.Name, &it.EntityID, &op, &it.Failures,
			&it.MappedObjectID, &it.Expire, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan push item: %w", err)
		}
		it.Op = model.Op(op)
		it.Created = fromUnix(created)
		it.Updated = fromUnix(updated)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push items: %w", err)
	}
	return out, nil
}

// scanIDs reads a single int64 column and closes rows.
func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
