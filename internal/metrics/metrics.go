// Package metrics exposes the supervisor's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the daemon records. Each instance owns its
// registry, so construction is safe to repeat.
type Metrics struct {
	registry *prometheus.Registry

	IterationsTotal      *prometheus.CounterVec
	IterationDuration    *prometheus.HistogramVec
	LoopErrorsTotal      *prometheus.CounterVec
	EventsPublishedTotal *prometheus.CounterVec
	ActiveLoops          prometheus.Gauge
	CommitsTotal         prometheus.Counter
	SSEClients           prometheus.Gauge
	WSClients            prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.IterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralphd_iterations_total",
			Help: "Iterations run, labeled by outcome",
		},
		[]string{"outcome"},
	)

	m.IterationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ralphd_iteration_duration_seconds",
			Help:    "Wall-clock duration of one iteration",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"mode"},
	)

	m.LoopErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralphd_loop_errors_total",
			Help: "Errors surfaced to loops, labeled by kind",
		},
		[]string{"kind"},
	)

	m.EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralphd_events_published_total",
			Help: "Loop events published on the bus, labeled by event type",
		},
		[]string{"type"},
	)

	m.ActiveLoops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ralphd_active_loops",
			Help: "Loops currently in an active status",
		},
	)

	m.CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralphd_commits_total",
			Help: "Commits created by iterations",
		},
	)

	m.SSEClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ralphd_sse_clients",
			Help: "Connected SSE clients",
		},
	)

	m.WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ralphd_ws_clients",
			Help: "Connected websocket clients",
		},
	)

	m.registry.MustRegister(
		m.IterationsTotal,
		m.IterationDuration,
		m.LoopErrorsTotal,
		m.EventsPublishedTotal,
		m.ActiveLoops,
		m.CommitsTotal,
		m.SSEClients,
		m.WSClients,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
