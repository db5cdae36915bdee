// Package dispatcher manages the fixed-size worker pool over the job queue.
package dispatcher

import (
	"context"
	"sync"
)

// Runner is a pool member that consumes jobs until ctx ends.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans queue work out to a pool of workers.
type Dispatcher struct {
	workers []Runner
}

// New creates a Dispatcher.
func New(workers ...Runner) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Size reports the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// tracker is implemented by runners that report the task they are working on.
type tracker interface {
	Current() string
}

// Busy lists the task ids currently being processed.
func (d *Dispatcher) Busy() []string {
	var ids []string
	for _, w := range d.workers {
		t, ok := w.(tracker)
		if !ok {
			continue
		}
		if id := t.Current(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Run starts all workers and blocks until every one of them has returned.
// Workers return when ctx finishes or the queue closes; a worker mid job
// finishes that job first, so callers that cannot wait should stop waiting
// and consult Busy.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}
