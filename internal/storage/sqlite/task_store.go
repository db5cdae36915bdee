// Package sqlite provides a single-file task store on top of the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/media-task-service/internal/task"
)

const taskColumns = `id, url, output_path, format, status, title, result, error, created_at, updated_at`

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL UNIQUE,
	output_path TEXT NOT NULL,
	format      TEXT NOT NULL,
	status      TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	result      TEXT,
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_created_at_idx ON tasks (created_at, id);
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);`

// TaskStore persists tasks in a SQLite database file. All access goes through
// one connection, which serializes writers and keeps each update atomic.
type TaskStore struct {
	db *sql.DB
}

// Open creates (or reuses) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*TaskStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store.sqlite_path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &TaskStore{db: db}, nil
}

// Close closes the database handle.
func (s *TaskStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Create inserts t unless a row already exists for its URL.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) (*task.Task, bool, error) {
	if t == nil || t.ID == "" {
		return nil, false, errors.New("task id is required")
	}
	resultJSON, err := encodeResult(t.Result)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(url) DO NOTHING`,
		t.ID, t.URL, t.OutputPath, t.Format, string(t.Status), t.Title,
		resultJSON, t.Error, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert task rows: %w", err)
	}
	if n == 1 {
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
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// FindByURL returns the task registered for url.
func (s *TaskStore) FindByURL(ctx context.Context, url string) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE url = ?`, url))
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
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders+`)`, args...)
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
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	offset := 0
	if opts.Offset > 0 {
		offset = opts.Offset
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks
WHERE (? = '' OR status = ?)
ORDER BY created_at %s, id %s
LIMIT ? OFFSET ?`, taskColumns, direction, direction)
	rows, err := s.db.QueryContext(ctx, query, string(opts.Status), string(opts.Status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// Update applies fn to the current row inside a transaction.
func (s *TaskStore) Update(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	current, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if err := fn(current); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	resultJSON, err := encodeResult(current.Result)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET output_path = ?, format = ?, status = ?, title = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		current.OutputPath, current.Format, string(current.Status), current.Title,
		resultJSON, current.Error, current.UpdatedAt.UnixNano(), id,
	); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task %s: %w", id, err)
	}
	current.ID = id
	return current, nil
}

// DeleteAll removes every task.
func (s *TaskStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks`)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete tasks rows: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t          task.Task
		status     string
		resultJSON sql.NullString
		created    int64
		updated    int64
	)
	err := row.Scan(&t.ID, &t.URL, &t.OutputPath, &t.Format, &status, &t.Title, &resultJSON, &t.Error, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, err
	}
	t.Status = task.Status(status)
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &t.Result); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	defer func() { _ = rows.Close() }()
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

func encodeResult(r task.Result) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode result: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
