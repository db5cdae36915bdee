package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/media-task-service/internal/task"
)

// TaskStore provides an in-memory implementation for development/testing.
// URL uniqueness is enforced under the same lock as inserts, so concurrent
// Create calls for one URL yield a single row.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*entry
	byURL map[string]string
	seq   uint64
}

type entry struct {
	task *task.Task
	seq  uint64
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*entry),
		byURL: make(map[string]string),
	}
}

// Create stores t unless its URL is already tracked.
func (s *TaskStore) Create(_ context.Context, t *task.Task) (*task.Task, bool, error) {
	if t == nil || t.ID == "" {
		return nil, false, errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byURL[t.URL]; ok {
		return s.tasks[id].task.Clone(), false, nil
	}
	if _, exists := s.tasks[t.ID]; exists {
		return nil, false, fmt.Errorf("task %s already exists", t.ID)
	}
	s.seq++
	s.tasks[t.ID] = &entry{task: t.Clone(), seq: s.seq}
	s.byURL[t.URL] = t.ID
	return t.Clone(), true, nil
}

// Get fetches a task by ID.
func (s *TaskStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return e.task.Clone(), nil
}

// FindByURL returns the task registered for url.
func (s *TaskStore) FindByURL(_ context.Context, url string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byURL[url]
	if !ok {
		return nil, task.ErrNotFound
	}
	return s.tasks[id].task.Clone(), nil
}

// GetMany returns copies of every known task among ids.
func (s *TaskStore) GetMany(_ context.Context, ids []string) (map[string]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*task.Task, len(ids))
	for _, id := range ids {
		if e, ok := s.tasks[id]; ok {
			out[id] = e.task.Clone()
		}
	}
	return out, nil
}

// List returns tasks ordered by insertion, newest first unless opts.Ascending.
func (s *TaskStore) List(_ context.Context, opts task.ListOptions) ([]*task.Task, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		if opts.Status != "" && e.task.Status != opts.Status {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if opts.Ascending {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].seq > entries[j].seq
	})
	out := make([]*task.Task, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.task.Clone())
	}
	s.mu.RUnlock()

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*task.Task{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Update applies fn to a copy of the stored task and swaps it in on success.
func (s *TaskStore) Update(_ context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	next := e.task.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = e.task.ID
	next.URL = e.task.URL
	e.task = next
	return next.Clone(), nil
}

// DeleteAll drops every task.
func (s *TaskStore) DeleteAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.tasks))
	s.tasks = make(map[string]*entry)
	s.byURL = make(map[string]string)
	return n, nil
}

// Close implements task.Store; it performs no action.
func (s *TaskStore) Close() error {
	return nil
}
