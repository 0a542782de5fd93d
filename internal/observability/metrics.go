package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting fleet metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Child process restarts per server
//   - Tool invocations by tool and terminal status, with latency
//   - Catalog aggregations (cache hits vs fresh collections)
//   - Active SSE subscribers per stream
//   - Resource update events per server
type Metrics struct {
	// RestartCounter counts scheduled child restarts.
	// Labels: server
	RestartCounter *prometheus.CounterVec

	// ProcessUp tracks whether a configured server currently has a live
	// child process.
	// Labels: server
	ProcessUp *prometheus.GaugeVec

	// InvocationCounter counts tool invocations by terminal status.
	// Labels: tool, status (completed|failed|cancelled)
	InvocationCounter *prometheus.CounterVec

	// InvocationDuration measures invocation latency in seconds.
	// Labels: tool
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	InvocationDuration *prometheus.HistogramVec

	// CatalogRequests counts catalog reads by outcome.
	// Labels: result (hit|miss|error)
	CatalogRequests *prometheus.CounterVec

	// CatalogTools is the tool count of the last published catalog payload.
	CatalogTools prometheus.Gauge

	// SSEClients tracks connected SSE subscribers.
	// Labels: stream (invoke|resource_events)
	SSEClients *prometheus.GaugeVec

	// ResourceUpdates counts emitted resource_update events.
	// Labels: server
	ResourceUpdates *prometheus.CounterVec
}

// NewMetrics creates and registers all fleet metrics with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with an explicit registerer. Tests use
// this with a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RestartCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpfleet_server_restarts_total",
				Help: "Total number of scheduled child process restarts",
			},
			[]string{"server"},
		),

		ProcessUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcpfleet_server_up",
				Help: "Whether a configured server has a live child process",
			},
			[]string{"server"},
		),

		InvocationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpfleet_invocations_total",
				Help: "Total number of tool invocations by terminal status",
			},
			[]string{"tool", "status"},
		),

		InvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpfleet_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		CatalogRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpfleet_catalog_requests_total",
				Help: "Total number of catalog reads by result",
			},
			[]string{"result"},
		),

		CatalogTools: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpfleet_catalog_tools",
				Help: "Tool count of the last published catalog payload",
			},
		),

		SSEClients: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcpfleet_sse_clients",
				Help: "Current number of connected SSE subscribers",
			},
			[]string{"stream"},
		),

		ResourceUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpfleet_resource_updates_total",
				Help: "Total number of emitted resource_update events",
			},
			[]string{"server"},
		),
	}
}

// RecordRestart increments the restart counter for a server.
func (m *Metrics) RecordRestart(server string) {
	if m == nil {
		return
	}
	m.RestartCounter.WithLabelValues(server).Inc()
}

// SetProcessUp records whether a server has a live child.
func (m *Metrics) SetProcessUp(server string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.ProcessUp.WithLabelValues(server).Set(v)
}

// RecordInvocation records a finished invocation.
func (m *Metrics) RecordInvocation(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.InvocationCounter.WithLabelValues(tool, status).Inc()
	m.InvocationDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordCatalogRequest records a catalog read outcome and, for fresh
// collections, the published tool count.
func (m *Metrics) RecordCatalogRequest(result string, toolCount int) {
	if m == nil {
		return
	}
	m.CatalogRequests.WithLabelValues(result).Inc()
	if result == "miss" {
		m.CatalogTools.Set(float64(toolCount))
	}
}

// SSEClientConnected adjusts the subscriber gauge for a stream.
func (m *Metrics) SSEClientConnected(stream string, delta int) {
	if m == nil {
		return
	}
	m.SSEClients.WithLabelValues(stream).Add(float64(delta))
}

// RecordResourceUpdate counts an emitted resource_update event.
func (m *Metrics) RecordResourceUpdate(server string) {
	if m == nil {
		return
	}
	m.ResourceUpdates.WithLabelValues(server).Inc()
}
