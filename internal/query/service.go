// Package query shapes task records for pollers. It reads the store directly
// and never waits on in-flight extractions.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/media-task-service/internal/task"
)

// StatusNotFound marks batch entries whose id has no task.
const StatusNotFound = "not_found"

// Item is the client view of a task. Result is present only for completed
// tasks, as an object even when empty, and Error only for failed ones.
type Item struct {
	ID         string       `json:"id"`
	URL        string       `json:"url,omitempty"`
	Status     string       `json:"status"`
	Title      string       `json:"title,omitempty"`
	OutputPath string       `json:"output_path,omitempty"`
	Format     string       `json:"format,omitempty"`
	Result     *task.Result `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  *time.Time   `json:"create_time,omitempty"`
	UpdatedAt  *time.Time   `json:"update_time,omitempty"`
}

// BatchResult is the answer to a multi-id status query.
type BatchResult struct {
	Items       []Item `json:"data"`
	AllFinished bool   `json:"all_finished"`
}

// Service answers status queries.
type Service struct {
	store task.Store
}

// New returns a Service reading from store.
func New(store task.Store) *Service {
	return &Service{store: store}
}

// Get returns the item for id or task.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (Item, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return Item{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return FromTask(t), nil
}

// Task returns the raw record for id, for callers that need the stored
// result regardless of status.
func (s *Service) Task(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks ordered by recency.
func (s *Service) List(ctx context.Context, opts task.ListOptions) ([]Item, error) {
	tasks, err := s.store.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	items := make([]Item, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, FromTask(t))
	}
	return items, nil
}

// Batch reports every id in order. Unknown ids are returned with status
// not_found and do not hold back AllFinished.
func (s *Service) Batch(ctx context.Context, ids []string) (BatchResult, error) {
	if len(ids) == 0 {
		return BatchResult{Items: []Item{}, AllFinished: true}, nil
	}
	found, err := s.store.GetMany(ctx, ids)
	if err != nil {
		return BatchResult{}, fmt.Errorf("batch lookup: %w", err)
	}
	out := BatchResult{Items: make([]Item, 0, len(ids)), AllFinished: true}
	for _, id := range ids {
		t, ok := found[id]
		if !ok {
			out.Items = append(out.Items, Item{ID: id, Status: StatusNotFound})
			continue
		}
		if !t.Status.Terminal() {
			out.AllFinished = false
		}
		out.Items = append(out.Items, FromTask(t))
	}
	return out, nil
}

// FromTask converts a stored task into its client view.
func FromTask(t *task.Task) Item {
	item := Item{
		ID:         t.ID,
		URL:        t.URL,
		Status:     string(t.Status),
		Title:      t.Title,
		OutputPath: t.OutputPath,
		Format:     t.Format,
	}
	if !t.CreatedAt.IsZero() {
		created := t.CreatedAt
		item.CreatedAt = &created
	}
	if !t.UpdatedAt.IsZero() {
		updated := t.UpdatedAt
		item.UpdatedAt = &updated
	}
	switch t.Status {
	case task.StatusCompleted:
		result := t.Result
		if result == nil {
			result = task.Result{}
		}
		item.Result = &result
	case task.StatusFailed:
		item.Error = t.Error
	}
	return item
}
