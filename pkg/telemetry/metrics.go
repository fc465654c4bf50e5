package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the request lifecycle.
type Metrics struct {
	config MetricsConfig

	// Lifecycle metrics
	transitions      *prometheus.CounterVec
	requestsInState  *prometheus.GaugeVec
	requestsFinished *prometheus.CounterVec

	// Runner metrics
	runnerCalls    *prometheus.CounterVec
	runnerDuration *prometheus.HistogramVec

	// Allocation metrics
	allocations *prometheus.CounterVec

	// HTTP surface
	httpRequests *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_transitions_total",
				Help:      "Total number of request state transitions",
			},
			[]string{"from", "to"},
		),
		requestsInState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_state",
				Help:      "Number of requests currently in each state",
			},
			[]string{"state"},
		),
		requestsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_finished_total",
				Help:      "Total number of requests that reached a terminal state",
			},
			[]string{"state"},
		),
		runnerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runner_calls_total",
				Help:      "Total number of plan and apply calls by outcome",
			},
			[]string{"operation", "outcome"},
		),
		runnerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "runner_call_duration_seconds",
				Help:      "Duration of plan and apply calls",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		allocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ip_allocations_total",
				Help:      "Total number of IP allocation attempts by outcome",
			},
			[]string{"outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "route", "status"},
		),
	}

	collectors := []prometheus.Collector{
		m.transitions,
		m.requestsInState,
		m.requestsFinished,
		m.runnerCalls,
		m.runnerDuration,
		m.allocations,
		m.httpRequests,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// RecordTransition records a request state change. An empty from denotes a
// newly submitted request.
func (m *Metrics) RecordTransition(from, to string) {
	if m.transitions == nil {
		return
	}

	m.transitions.WithLabelValues(from, to).Inc()
	if from != "" {
		m.requestsInState.WithLabelValues(from).Dec()
	}
	m.requestsInState.WithLabelValues(to).Inc()

	switch to {
	case "completed", "failed", "rejected":
		m.requestsFinished.WithLabelValues(to).Inc()
	}
}

// SetRequestsInState overwrites the state gauge. The engine seeds it from
// the store during recovery.
func (m *Metrics) SetRequestsInState(state string, count float64) {
	if m.requestsInState == nil {
		return
	}
	m.requestsInState.WithLabelValues(state).Set(count)
}

// RecordRunnerCall records one plan or apply invocation.
func (m *Metrics) RecordRunnerCall(operation, outcome string, duration time.Duration) {
	if m.runnerCalls == nil {
		return
	}
	m.runnerCalls.WithLabelValues(operation, outcome).Inc()
	m.runnerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAllocation records one IP allocation outcome.
func (m *Metrics) RecordAllocation(outcome string) {
	if m.allocations == nil {
		return
	}
	m.allocations.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an API request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int) {
	if m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, fmt.Sprintf("%d", status)).Inc()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
