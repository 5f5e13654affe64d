package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/appointment-finder/internal/progress"
)

// PrometheusSink turns progress events into search metrics.
type PrometheusSink struct {
	runsStarted     prometheus.Counter
	runsStopped     *prometheus.CounterVec
	workersActive   prometheus.Gauge
	workerExits     *prometheus.CounterVec
	workerRuntime   *prometheus.HistogramVec
	cleanupFailures *prometheus.CounterVec
	slotsFound      *prometheus.CounterVec

	tracker *workerTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finder_runs_started_total",
			Help: "Search runs started.",
		}),
		runsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finder_runs_stopped_total",
			Help: "Search runs returned to idle, by who stopped them.",
		}, []string{"reason"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "finder_workers_active",
			Help: "Workers currently running.",
		}),
		workerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finder_worker_exits_total",
			Help: "Worker exits by target and result.",
		}, []string{"target", "result"}),
		workerRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finder_worker_runtime_seconds",
			Help:    "Wall time from worker start to exit.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600},
		}, []string{"target"}),
		cleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finder_cleanup_failures_total",
			Help: "Scratch directory removals that failed.",
		}, []string{"target"}),
		slotsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finder_slots_found_total",
			Help: "Appointment slots reported by workers.",
		}, []string{"target"}),
		tracker: newWorkerTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsStopped,
		s.workersActive,
		s.workerExits,
		s.workerRuntime,
		s.cleanupFailures,
		s.slotsFound,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunStop:
		reason := evt.Note
		if reason == "" {
			reason = "unknown"
		}
		s.runsStopped.WithLabelValues(reason).Inc()
	case progress.StageWorkerStart:
		if s.tracker.start(evt.RunID, evt.Target) {
			s.workersActive.Inc()
		}
	case progress.StageWorkerDone:
		s.finishWorker(evt, "ok")
	case progress.StageWorkerError:
		s.finishWorker(evt, "error")
	case progress.StageCleanupError:
		s.cleanupFailures.WithLabelValues(evt.Target).Inc()
	case progress.StageSlotFound:
		s.slotsFound.WithLabelValues(evt.Target).Inc()
	}
}

func (s *PrometheusSink) finishWorker(evt progress.Event, result string) {
	s.workerExits.WithLabelValues(evt.Target, result).Inc()
	if evt.Dur > 0 {
		s.workerRuntime.WithLabelValues(evt.Target).Observe(evt.Dur.Seconds())
	}
	if s.tracker.finish(evt.RunID, evt.Target) {
		s.workersActive.Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type workerKey struct {
	runID  string
	target string
}

// workerTracker keeps the active gauge consistent when a start or exit event
// is seen twice.
type workerTracker struct {
	mu      sync.Mutex
	running map[workerKey]struct{}
}

func newWorkerTracker() *workerTracker {
	return &workerTracker{running: make(map[workerKey]struct{})}
}

func (t *workerTracker) start(runID, target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := workerKey{runID: runID, target: target}
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *workerTracker) finish(runID, target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := workerKey{runID: runID, target: target}
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
