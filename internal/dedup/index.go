// Package dedup decides whether an incoming URL already maps to a task.
// Tasks are keyed by source URL alone; output path and format do not
// distinguish tasks.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/media-task-service/internal/task"
)

// Key normalizes a source URL into the dedup key stored in the url column.
func Key(url string) string {
	return strings.TrimSpace(url)
}

// Index looks tasks up by dedup key. Every call reads the store so callers
// always see the current status.
type Index struct {
	store task.Store
}

// New constructs an Index over store.
func New(store task.Store) *Index {
	return &Index{store: store}
}

// Find returns the task for url, or found=false when none exists.
func (i *Index) Find(ctx context.Context, url string) (*task.Task, bool, error) {
	t, err := i.store.FindByURL(ctx, Key(url))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("dedup lookup: %w", err)
	}
	return t, true, nil
}
