package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/procurement-enricher/internal/progress"
)

// PrometheusSink exports operation lifecycle metrics via Prometheus. It owns
// the collectors for operations started/finished/running and runtimes.
type PrometheusSink struct {
	opsStarted  *prometheus.CounterVec
	opsFinished *prometheus.CounterVec
	opsRunning  prometheus.Gauge
	opRuntime   *prometheus.HistogramVec
	narrations  *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		opsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_operations_started_total",
			Help: "Operations that have started, by kind.",
		}, []string{"kind"}),
		opsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_operations_completed_total",
			Help: "Operations finished, partitioned by kind and result.",
		}, []string{"kind", "result"}),
		opsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enricher_operations_running",
			Help: "Current number of running operations.",
		}),
		opRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enricher_operation_runtime_seconds",
			Help:    "Wall time per finished operation.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"kind", "result"}),
		narrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_operation_status_messages_total",
			Help: "Advisory status narrations, by kind.",
		}, []string{"kind"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.opsStarted,
		s.opsFinished,
		s.opsRunning,
		s.opRuntime,
		s.narrations,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind := string(evt.Kind)
	if kind == "" {
		kind = "unknown"
	}
	switch evt.Type {
	case progress.TypeSessionStart:
		s.opsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.OperationID) {
			s.opsRunning.Inc()
		}
	case progress.TypeSessionComplete:
		s.finish(evt, kind, "success")
	case progress.TypeSessionError:
		s.finish(evt, kind, "error")
	case progress.TypeScraperStatus:
		s.narrations.WithLabelValues(kind).Inc()
	}
}

func (s *PrometheusSink) finish(evt progress.Event, kind, result string) {
	s.opsFinished.WithLabelValues(kind, result).Inc()
	if evt.Duration > 0 {
		s.opRuntime.WithLabelValues(kind, result).Observe(evt.Duration.Seconds())
	}
	if s.tracker.complete(evt.OperationID) {
		s.opsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
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
