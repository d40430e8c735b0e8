// Package metrics exposes Prometheus collectors for the enrichment service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Credential outcome labels.
const (
	OutcomeAcquired    = "acquired"
	OutcomeSuccess     = "success"
	OutcomeQuota       = "quota_exceeded"
	OutcomeError       = "error"
	OutcomeUnavailable = "unavailable"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	credentialOutcomesTotal    *prometheus.CounterVec
	credentialFailoversTotal   *prometheus.CounterVec
	operationsAcceptedTotal    *prometheus.CounterVec
	operationsFinishedTotal    *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	aiCallDurationSeconds      *prometheus.HistogramVec
	streamSubscribers          prometheus.Gauge
	maintenanceTotal           *prometheus.CounterVec
	scrapeDelaySeconds         *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		credentialOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enricher_credential_outcomes_total",
				Help: "Credential pool outcomes, labeled by credential alias and outcome.",
			},
			[]string{"alias", "outcome"},
		)

		credentialFailoversTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enricher_credential_failovers_total",
				Help: "Credential failovers performed by workers, labeled by job kind.",
			},
			[]string{"kind"},
		)

		operationsAcceptedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enricher_operations_accepted_total",
				Help: "Operations accepted, labeled by kind.",
			},
			[]string{"kind"},
		)

		operationsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enricher_operations_finished_total",
				Help: "Operations that reached a terminal state, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "enricher_active_workers",
				Help: "Number of workers currently processing an operation.",
			},
		)

		aiCallDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enricher_ai_call_duration_seconds",
				Help:    "Latency of AI provider calls, labeled by job kind and result.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind", "result"},
		)

		streamSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "enricher_stream_subscribers",
				Help: "Open websocket progress subscriptions.",
			},
		)

		maintenanceTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enricher_maintenance_operations_total",
				Help: "Operations touched by maintenance sweeps, labeled by task and result.",
			},
			[]string{"task", "result"},
		)

		scrapeDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enricher_scrape_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host scrape limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCredential records a credential pool outcome for the alias.
func ObserveCredential(alias, outcome string) {
	Init()
	if alias == "" {
		alias = "none"
	}
	credentialOutcomesTotal.WithLabelValues(alias, outcome).Inc()
}

// ObserveFailover increments the failover counter for the job kind.
func ObserveFailover(kind string) {
	Init()
	credentialFailoversTotal.WithLabelValues(kind).Inc()
}

// ObserveOperationAccepted increments the accepted counter for the job kind.
func ObserveOperationAccepted(kind string) {
	Init()
	operationsAcceptedTotal.WithLabelValues(kind).Inc()
}

// ObserveOperationFinished increments the terminal counter for kind and status.
func ObserveOperationFinished(kind, status string) {
	Init()
	operationsFinishedTotal.WithLabelValues(kind, status).Inc()
}

// ObserveAICall records the latency of one provider call.
func ObserveAICall(kind, result string, duration time.Duration) {
	Init()
	aiCallDurationSeconds.WithLabelValues(kind, result).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// IncStreamSubscribers increments the websocket subscriber gauge.
func IncStreamSubscribers() {
	Init()
	streamSubscribers.Inc()
}

// DecStreamSubscribers decrements the websocket subscriber gauge.
func DecStreamSubscribers() {
	Init()
	streamSubscribers.Dec()
}

// ObserveMaintenance adds n operations handled by a maintenance task.
func ObserveMaintenance(task, result string, n int) {
	Init()
	if n <= 0 {
		return
	}
	maintenanceTotal.WithLabelValues(task, result).Add(float64(n))
}

// ObserveScrapeDelay records time spent waiting for a host's rate limit.
func ObserveScrapeDelay(host string, d time.Duration) {
	Init()
	scrapeDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}
