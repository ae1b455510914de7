package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/crmsync/internal/model"
)

// EnqueuePull appends remote records to the pull queue in one transaction.
func (s *Store) EnqueuePull(ctx context.Context, items []model.PullQueueItem, now time.Time) error {
	if len(items) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO pull_queue (mapping_id, record, failures, expire, created)
			VALUES (?, ?, 0, 0, ?)
		`)
		if err != nil {
			return fmt.Errorf("enqueue pull items: %w", err)
		}
		defer stmt.Close()

		for _, it := range items {
			data, err := marshalRecord(it.Record)
			if err != nil {
				return fmt.Errorf("enqueue pull item: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, it.MappingID, data, now.Unix()); err != nil {
				return fmt.Errorf("enqueue pull item: %w", err)
			}
		}
		return nil
	})
}

// ClaimPull leases the oldest free pull item with fewer than maxFails
// failures. ok is false when the queue has nothing to claim.
func (s *Store) ClaimPull(ctx context.Context, maxFails int, now time.Time, lease time.Duration) (item model.PullQueueItem, ok bool, err error) {
	expire := now.Add(lease).Unix()
	// A concurrent claimer may win a candidate; retry with the next one.
	for attempt := 0; attempt < 5; attempt++ {
		var id int64
		err := s.db.QueryRowContext(ctx, `
			SELECT item_id FROM pull_queue
			WHERE failures < ? AND (expire = 0 OR expire <= ?)
			ORDER BY created ASC, item_id ASC
			LIMIT 1
		`, maxFails, now.Unix()).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return model.PullQueueItem{}, false, nil
		}
		if err != nil {
			return model.PullQueueItem{}, false, fmt.Errorf("claim pull item: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE pull_queue SET expire = ?
			WHERE item_id = ? AND (expire = 0 OR expire <= ?)
		`, expire, id, now.Unix())
		if err != nil {
			return model.PullQueueItem{}, false, fmt.Errorf("claim pull item %d: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			continue
		}

		item, err := s.loadPullItem(ctx, id)
		if err != nil {
			return model.PullQueueItem{}, false, err
		}
		return item, true, nil
	}
	return model.PullQueueItem{}, false, nil
}

// ReleasePull clears the lease of a pull item and records its failures.
func (s *Store) ReleasePull(ctx context.Context, id int64, failures int) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE pull_queue SET expire = 0, failures = ? WHERE item_id = ?`, failures, id); err != nil {
		return fmt.Errorf("release pull item: %w", err)
	}
	return nil
}

// DeletePull removes a pull item.
func (s *Store) DeletePull(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pull_queue WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("delete pull item: %w", err)
	}
	return nil
}

// CountPull returns the number of items in the pull queue.
func (s *Store) CountPull(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pull_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pull items: %w", err)
	}
	return n, nil
}

func (s *Store) loadPullItem(ctx context.Context, id int64) (model.PullQueueItem, error) {
	var it model.PullQueueItem
	var data string
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, mapping_id, record, failures, expire, created
		FROM pull_queue WHERE item_id = ?
	`, id).Scan(&it.ItemID, &it.MappingID, &data, &it.Failures, &it.Expire, &created)
	if err != nil {
		return model.PullQueueItem{}, fmt.Errorf("load pull item %d: %w", id, err)
	}
	if it.Record, err = unmarshalRecord(data); err != nil {
		return model.PullQueueItem{}, fmt.Errorf("load pull item %d: %w", id, err)
	}
	it.Created = fromUnix(created)
	return it, nil
}
