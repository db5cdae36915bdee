package task

import (
	"context"
	"io"
	"time"
)

// Store persists task records. Implementations must be safe for concurrent
// use and apply each mutation atomically to a single row.
type Store interface {
	// Create inserts t unless a task already exists for t.URL. When a row
	// exists the stored task is returned with created=false.
	Create(ctx context.Context, t *Task) (stored *Task, created bool, err error)
	// Get returns the task with id or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)
	// FindByURL returns the current task for url or ErrNotFound.
	FindByURL(ctx context.Context, url string) (*Task, error)
	// GetMany returns the subset of ids that exist, keyed by id.
	GetMany(ctx context.Context, ids []string) (map[string]*Task, error)
	// List returns tasks ordered by creation time.
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	// Update applies fn to the current row and persists the result atomically.
	// Returning an error from fn aborts the update.
	Update(ctx context.Context, id string, fn func(*Task) error) (*Task, error)
	// DeleteAll removes every task and returns the number removed.
	DeleteAll(ctx context.Context) (int64, error)
	Close() error
}

// Queue provides enqueue/dequeue semantics for extraction jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
}

// Extractor runs the blocking download for a job.
type Extractor interface {
	Extract(ctx context.Context, job Job) (Result, error)
}

// Prober reads metadata for a URL without downloading it.
type Prober interface {
	Info(ctx context.Context, url string) (Result, error)
	Formats(ctx context.Context, url string) ([]any, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
