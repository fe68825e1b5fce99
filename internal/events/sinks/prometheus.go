package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/upload-relay/internal/events"
)

const defaultTrackerMaxAge = time.Hour

// PrometheusSink derives per-job metrics from lifecycle events: how many
// jobs are awaiting a result and how long jobs take from upload to result.
type PrometheusSink struct {
	eventsTotal *prometheus.CounterVec
	jobsPending prometheus.Gauge
	turnaround  *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg. Collectors already
// registered by an earlier sink are reused. maxAge bounds how long a job that
// never resolves is tracked; zero means one hour.
func NewPrometheusSink(reg prometheus.Registerer, maxAge time.Duration) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if maxAge <= 0 {
		maxAge = defaultTrackerMaxAge
	}
	eventsTotal, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Lifecycle events consumed, labeled by stage.",
	}, []string{"stage"}))
	if err != nil {
		return nil, err
	}
	jobsPending, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_jobs_pending",
		Help: "Jobs uploaded but not yet resolved.",
	}))
	if err != nil {
		return nil, err
	}
	turnaround, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_job_turnaround_seconds",
		Help:    "Time from upload to stored result, labeled by outcome.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	return &PrometheusSink{
		eventsTotal: eventsTotal,
		jobsPending: jobsPending,
		turnaround:  turnaround,
		tracker:     newJobTracker(maxAge),
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register event collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case events.StageUploaded:
			if s.tracker.start(evt.JobID, evt.TS) {
				s.jobsPending.Inc()
			}
			if n := s.tracker.prune(evt.TS); n > 0 {
				s.jobsPending.Sub(float64(n))
			}
		case events.StageForwardFailed:
			s.tracker.fail(evt.JobID)
		case events.StageResolved:
			started, failed, ok := s.tracker.complete(evt.JobID)
			if !ok {
				continue
			}
			s.jobsPending.Dec()
			outcome := "ok"
			if failed {
				outcome = "failed"
			}
			if d := evt.TS.Sub(started); d >= 0 {
				s.turnaround.WithLabelValues(outcome).Observe(d.Seconds())
			}
		}
	}
	return nil
}

// Close implements events.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type trackedJob struct {
	started time.Time
	failed  bool
}

type jobTracker struct {
	mu      sync.Mutex
	maxAge  time.Duration
	pending map[string]*trackedJob
}

func newJobTracker(maxAge time.Duration) *jobTracker {
	return &jobTracker{maxAge: maxAge, pending: make(map[string]*trackedJob)}
}

func (t *jobTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		return false
	}
	t.pending[id] = &trackedJob{started: at}
	return true
}

func (t *jobTracker) fail(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.pending[id]; ok {
		job.failed = true
	}
}

func (t *jobTracker) complete(id string) (time.Time, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.pending[id]
	if !ok {
		return time.Time{}, false, false
	}
	delete(t.pending, id)
	return job.started, job.failed, true
}

// prune drops jobs started more than maxAge before now and reports how many.
func (t *jobTracker) prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, job := range t.pending {
		if now.Sub(job.started) > t.maxAge {
			delete(t.pending, id)
			removed++
		}
	}
	return removed
}
