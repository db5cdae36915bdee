// Package postgres provides a Postgres-backed task store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/media-task-service/internal/task"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const taskColumns = `id, url, output_path, format, status, title, result, error, created_at, updated_at`

// Config controls the Postgres connection pool used for task rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool used by the store; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// TaskStore persists tasks in a single Postgres table with a unique url column.
type TaskStore struct {
	pool  pool
	table string
}

// NewTaskStore connects to Postgres using cfg.
func NewTaskStore(ctx context.Context, cfg Config) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewTaskStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(p pool, table string) (*TaskStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "tasks"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TaskStore{pool: p, table: table}, nil
}

// EnsureSchema creates the task table and its indexes when missing.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          VARCHAR(36) PRIMARY KEY,
	url         TEXT NOT NULL UNIQUE,
	output_path TEXT NOT NULL,
	format      TEXT NOT NULL,
	status      VARCHAR(16) NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	result      JSONB,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_created_at_idx ON %[1]s (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure task schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Create inserts t, relying on the url unique constraint to detect an
// existing task. On conflict the stored row is returned with created=false.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) (*task.Task, bool, error) {
	if t == nil || t.ID == "" {
		return nil, false, errors.New("task id is required")
	}
	resultJSON, err := encodeResult(t.Result)
	if err != nil {
		return nil, false, err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (url) DO NOTHING`, s.table, taskColumns)
	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.URL, t.OutputPath, t.Format, string(t.Status),
		t.Title, resultJSON, t.Error, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return t.Clone(), true, nil
	}
	existing, err := s.FindByURL(ctx, t.URL)
	if err != nil {
		return nil, false, fmt.Errorf("load conflicting task: %w", err)
	}
	return existing, false, nil
}

// Get fetches a task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, taskColumns, s.table)
	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// FindByURL returns the task registered for url.
func (s *TaskStore) FindByURL(ctx context.Context, url string) (*task.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE url = $1`, taskColumns, s.table)
	t, err := scanTask(s.pool.QueryRow(ctx, query, url))
	if err != nil {
		return nil, fmt.Errorf("find task by url: %w", err)
	}
	return t, nil
}

// GetMany loads every task whose id appears in ids.
func (s *TaskStore) GetMany(ctx context.Context, ids []string) (map[string]*task.Task, error) {
	out := make(map[string]*task.Task, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ANY($1)`, taskColumns, s.table)
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		out[t.ID] = t
	}
	return out, nil
}

// List returns tasks ordered by creation time, newest first by default.
func (s *TaskStore) List(ctx context.Context, opts task.ListOptions) ([]*task.Task, error) {
	direction := "DESC"
	if opts.Ascending {
		direction = "ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY created_at %s, id %s
LIMIT $2 OFFSET $3`, taskColumns, s.table, direction, direction)

	var status *string
	if opts.Status != "" {
		v := string(opts.Status)
		status = &v
	}
	var limit *int64
	if opts.Limit > 0 {
		v := int64(opts.Limit)
		limit = &v
	}
	offset := int64(0)
	if opts.Offset > 0 {
		offset = int64(opts.Offset)
	}
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// Update locks the row, applies fn, and writes the mutable columns back in
// one transaction.
func (s *TaskStore) Update(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	selectQuery := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, taskColumns, s.table)
	current, err := scanTask(tx.QueryRow(ctx, selectQuery, id))
	if err != nil {
		return nil, rollback(ctx, tx, fmt.Errorf("lock task %s: %w", id, err))
	}
	if err := fn(current); err != nil {
		return nil, rollback(ctx, tx, err)
	}
	resultJSON, err := encodeResult(current.Result)
	if err != nil {
		return nil, rollback(ctx, tx, err)
	}
	updateQuery := fmt.Sprintf(`UPDATE %s
SET output_path = $2, format = $3, status = $4, title = $5, result = $6, error = $7, updated_at = $8
WHERE id = $1`, s.table)
	if _, err := tx.Exec(ctx, updateQuery,
		id, current.OutputPath, current.Format, string(current.Status),
		current.Title, resultJSON, current.Error, current.UpdatedAt,
	); err != nil {
		return nil, rollback(ctx, tx, fmt.Errorf("update task %s: %w", id, err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit task %s: %w", id, err)
	}
	current.ID = id
	return current, nil
}

// DeleteAll removes every row from the task table.
func (s *TaskStore) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%w (rollback: %v)", cause, err)
	}
	return cause
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t          task.Task
		status     string
		resultJSON []byte
	)
	err := row.Scan(
		&t.ID, &t.URL, &t.OutputPath, &t.Format, &status,
		&t.Title, &resultJSON, &t.Error, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, err
	}
	t.Status = task.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &t.Result); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	defer rows.Close()
	out := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func encodeResult(r task.Result) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}
