package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/upload-relay/internal/events"
)

func TestPrometheusSinkRecordsTurnaround(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg, 0)
	require.NoError(t, err)

	base := time.Unix(1_700_000_000, 0)
	batch := []events.Event{
		{JobID: "ok", TS: base, Stage: events.StageUploaded},
		{JobID: "bad", TS: base, Stage: events.StageUploaded},
		{JobID: "open", TS: base, Stage: events.StageUploaded},
		{JobID: "ok", TS: base.Add(time.Second), Stage: events.StageForwarded},
		{JobID: "bad", TS: base.Add(time.Second), Stage: events.StageForwardFailed, Note: "refused"},
		{JobID: "ok", TS: base.Add(3 * time.Second), Stage: events.StageResolved},
		{JobID: "bad", TS: base.Add(time.Second), Stage: events.StageResolved},
		{JobID: "never-uploaded", TS: base, Stage: events.StageResolved},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 3.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues("UPLOADED")))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues("RESOLVED")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsPending))
	require.Equal(t, 2, testutil.CollectAndCount(sink.turnaround, "relay_job_turnaround_seconds"))
}

func TestPrometheusSinkPrunesAbandonedJobs(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry(), time.Minute)
	require.NoError(t, err)

	base := time.Unix(1_700_000_000, 0)
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{JobID: "stale", TS: base, Stage: events.StageUploaded},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsPending))

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{JobID: "fresh", TS: base.Add(2 * time.Minute), Stage: events.StageUploaded},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsPending))
	_, _, ok := sink.tracker.complete("stale")
	require.False(t, ok)
}

func TestPrometheusSinkReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := NewPrometheusSink(reg, 0)
	require.NoError(t, err)
	second, err := NewPrometheusSink(reg, 0)
	require.NoError(t, err)
	require.Same(t, first.jobsPending, second.jobsPending)
}
