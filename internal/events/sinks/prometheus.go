package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/media-task-service/internal/events"
)

// PrometheusSink exports task lifecycle metrics.
type PrometheusSink struct {
	admissions      *prometheus.CounterVec
	started         prometheus.Counter
	finished        *prometheus.CounterVec
	running         prometheus.Gauge
	extractDuration *prometheus.HistogramVec
	cleared         prometheus.Counter
	tracker         *runTracker
}

// NewPrometheusSink registers the collectors against reg (default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediatask_admissions_total",
			Help: "Admission decisions partitioned by outcome.",
		}, []string{"outcome"}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediatask_extractions_started_total",
			Help: "Extractions picked up by a worker.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediatask_extractions_finished_total",
			Help: "Extractions finished partitioned by result and site.",
		}, []string{"result", "site"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediatask_extractions_running",
			Help: "Extractions currently executing.",
		}),
		extractDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediatask_extraction_duration_seconds",
			Help:    "Wall time per extraction.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		cleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediatask_tasks_cleared_total",
			Help: "Tasks removed by bulk clear.",
		}),
		tracker: &runTracker{running: make(map[string]struct{})},
	}
	for _, collector := range []prometheus.Collector{
		s.admissions, s.started, s.finished, s.running, s.extractDuration, s.cleared,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register task collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case events.StageAdmitted:
			s.admissions.WithLabelValues("created").Inc()
		case events.StageReused:
			s.admissions.WithLabelValues("reused").Inc()
		case events.StageReset:
			s.admissions.WithLabelValues("retried").Inc()
		case events.StageStarted:
			s.started.Inc()
			if s.tracker.start(evt.TaskID) {
				s.running.Inc()
			}
		case events.StageCompleted:
			s.finish(evt, "success")
		case events.StageFailed:
			s.finish(evt, "error")
		case events.StageCleared:
			s.cleared.Add(float64(evt.Count))
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt events.Event, result string) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	s.finished.WithLabelValues(result, site).Inc()
	if evt.Dur > 0 {
		s.extractDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.TaskID) {
		s.running.Dec()
	}
}

// Close implements events.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
