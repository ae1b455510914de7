package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/roach88/crmsync/internal/model"
)

const (
	postgresPushQueueTableName = "crmsync_push_queue"
	postgresOperationTimeout   = 5 * time.Second
)

// ErrEmptyDSN is returned when a Postgres backend is built without a DSN.
var ErrEmptyDSN = errors.New("postgres dsn is empty")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresPushQueue is a push queue kept in PostgreSQL, for deployments
// where several hosts drain the same queue. It has the same method set and
// claim semantics as the SQLite queue on Store.
type PostgresPushQueue struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresPushQueue returns a queue for dsn. The connection is opened and
// the table created on first use.
func NewPostgresPushQueue(dsn string) (*PostgresPushQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrEmptyDSN
	}
	return &PostgresPushQueue{
		dsn:       dsn,
		tableName: postgresPushQueueTableName,
		openDB:    sql.Open,
	}, nil
}

// Close closes the connection pool.
func (q *PostgresPushQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *PostgresPushQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(q.tableName)
		stmts := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					item_id BIGSERIAL PRIMARY KEY,
					name TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					op TEXT NOT NULL,
					failures INTEGER NOT NULL DEFAULT 0,
					mapped_object_id BIGINT NOT NULL DEFAULT 0,
					expire BIGINT NOT NULL DEFAULT 0,
					created BIGINT NOT NULL,
					updated BIGINT NOT NULL,
					UNIQUE (name, entity_id)
				)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (name, failures, expire, created, item_id)`,
				postgresQuoteIdentifier(q.tableName+"_claim"), table),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				q.initErr = err
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresPushQueue) table() string {
	return postgresQuoteIdentifier(q.tableName)
}

// Enqueue adds a push job or merges it into the pending job of the same
// (name, entity_id).
func (q *PostgresPushQueue) Enqueue(ctx context.Context, item model.PushQueueItem, now time.Time) error {
	if err := q.ensureReady(); err != nil {
		return fmt.Errorf("enqueue push item: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (name, entity_id, op, failures, mapped_object_id, expire, created, updated)
		VALUES ($1, $2, $3, 0, $4, 0, $5, $5)
		ON CONFLICT (name, entity_id) DO UPDATE SET
			op = EXCLUDED.op,
			mapped_object_id = CASE
				WHEN EXCLUDED.mapped_object_id = 0 THEN %[1]s.mapped_object_id
				ELSE EXCLUDED.mapped_object_id
			END,
			updated = EXCLUDED.updated`, q.table())
	if _, err := q.db.ExecContext(ctx, query, item.Name, item.EntityID, string(item.Op), item.MappedObjectID, now.Unix()); err != nil {
		return fmt.Errorf("enqueue push item: %w", err)
	}
	return nil
}

// Save writes item including its failure count and lease.
func (q *PostgresPushQueue) Save(ctx context.Context, item model.PushQueueItem, now time.Time) error {
	if err := q.ensureReady(); err != nil {
		return fmt.Errorf("save push item: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	created := unixOrZero(item.Created)
	if created == 0 {
		created = now.Unix()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (name, entity_id, op, failures, mapped_object_id, expire, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name, entity_id) DO UPDATE SET
			op = EXCLUDED.op,
			failures = EXCLUDED.failures,
			mapped_object_id = EXCLUDED.mapped_object_id,
			expire = EXCLUDED.expire,
			updated = EXCLUDED.updated`, q.table())
	_, err := q.db.ExecContext(ctx, query,
		item.Name, item.EntityID, string(item.Op), item.Failures, item.MappedObjectID, item.Expire,
		created, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save push item: %w", err)
	}
	return nil
}

// Claim leases up to n jobs of name with fewer than maxFails failures using
// the same compare-and-set predicate as the SQLite queue.
func (q *PostgresPushQueue) Claim(ctx context.Context, name string, n, maxFails int, now time.Time, lease time.Duration) ([]model.PushQueueItem, error) {
	if n <= 0 {
		return []model.PushQueueItem{}, nil
	}
	if err := q.ensureReady(); err != nil {
		return nil, fmt.Errorf("claim push items: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT item_id FROM %s
		WHERE name = $1 AND failures < $2 AND (expire = 0 OR expire <= $3)
		ORDER BY created ASC, item_id ASC
		LIMIT $4`, q.table()), name, maxFails, now.Unix(), n)
	if err != nil {
		return nil, fmt.Errorf("claim push items: %w", err)
	}
	candidates, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim push items: %w", err)
	}

	expire := now.Add(lease).Unix()
	update := fmt.Sprintf(`UPDATE %s SET expire = $1 WHERE item_id = $2 AND (expire = 0 OR expire <= $3)`, q.table())
	claimed := make([]int64, 0, len(candidates))
	for _, id := range candidates {
		res, err := q.db.ExecContext(ctx, update, expire, id, now.Unix())
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
	return q.queryPushItems(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE item_id IN (%s)
		ORDER BY created ASC, item_id ASC`, pushItemColumns, q.table(), postgresPlaceholders(1, len(claimed))), args...)
}

// Release clears the lease of the given jobs.
func (q *PostgresPushQueue) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.ensureReady(); err != nil {
		return fmt.Errorf("release push items: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE %s SET expire = 0 WHERE item_id IN (%s)`, q.table(), postgresPlaceholders(1, len(ids)))
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("release push items: %w", err)
	}
	return nil
}

// Delete removes one job.
func (q *PostgresPushQueue) Delete(ctx context.Context, id int64) error {
	return q.exec(ctx, "delete push item", fmt.Sprintf(`DELETE FROM %s WHERE item_id = $1`, q.table()), id)
}

// DeleteByEntity removes the pending job of an entity under name.
func (q *PostgresPushQueue) DeleteByEntity(ctx context.Context, name, entityID string) error {
	return q.exec(ctx, "delete push item by entity",
		fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND entity_id = $2`, q.table()), name, entityID)
}

// Count returns the number of jobs of name, or of all jobs when name is
// empty.
func (q *PostgresPushQueue) Count(ctx context.Context, name string) (int, error) {
	if err := q.ensureReady(); err != nil {
		return 0, fmt.Errorf("count push items: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var n int
	var err error
	if name == "" {
		err = q.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, q.table())).Scan(&n)
	} else {
		err = q.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE name = $1`, q.table()), name).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count push items: %w", err)
	}
	return n, nil
}

// List returns up to limit jobs of name (all names when empty) in claim
// order.
func (q *PostgresPushQueue) List(ctx context.Context, name string, limit int) ([]model.PushQueueItem, error) {
	if err := q.ensureReady(); err != nil {
		return nil, fmt.Errorf("list push items: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s`, pushItemColumns, q.table())
	var args []any
	if name != "" {
		args = append(args, name)
		query += fmt.Sprintf(` WHERE name = $%d`, len(args))
	}
	query += ` ORDER BY created ASC, item_id ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return q.queryPushItems(ctx, query, args...)
}

func (q *PostgresPushQueue) exec(ctx context.Context, op, query string, args ...any) error {
	if err := q.ensureReady(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (q *PostgresPushQueue) queryPushItems(ctx context.Context, query string, args ...any) ([]model.PushQueueItem, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query push items: %w", err)
	}
	return scanPushItems(rows)
}

// postgresPlaceholders returns "$from, ..., $from+n-1".
func postgresPlaceholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
