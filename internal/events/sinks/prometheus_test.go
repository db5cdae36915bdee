package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-task-service/internal/events"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		{TaskID: "t1", TS: now, Stage: events.StageAdmitted},
		{TaskID: "t1", TS: now, Stage: events.StageReused},
		{TaskID: "t1", TS: now, Stage: events.StageStarted},
		{TaskID: "t2", TS: now, Stage: events.StageStarted},
		{TaskID: "t1", TS: now, Stage: events.StageCompleted, Site: "x.test", Dur: 3 * time.Second},
		{TaskID: "t3", TS: now, Stage: events.StageFailed, Dur: time.Second},
		{TS: now, Stage: events.StageCleared, Count: 4},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.admissions.WithLabelValues("created")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.admissions.WithLabelValues("reused")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.started))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.running))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.finished.WithLabelValues("success", "x.test")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.finished.WithLabelValues("error", "unknown")))
	require.Equal(t, 4.0, testutil.ToFloat64(sink.cleared))
	require.Equal(t, 2, testutil.CollectAndCount(sink.extractDuration, "mediatask_extraction_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
