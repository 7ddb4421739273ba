package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the Prometheus registry and its HTTP exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Metrics collects counters and histograms for the agent loop. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	iterations   *prometheus.CounterVec
	runsActive   prometheus.Gauge
	runsFinished *prometheus.CounterVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolRetries      prometheus.Counter

	permissionRequests  *prometheus.CounterVec
	permissionDecisions *prometheus.CounterVec
}

// NewMetrics builds and registers the metric set. Returns nil (record
// nothing) when disabled.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcore_iterations_total",
			Help: "Driver iterations, by terminal state of the iteration.",
		}, []string{"state"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loopcore_runs_active",
			Help: "Agent runs currently in flight.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcore_runs_finished_total",
			Help: "Terminated agent runs, by outcome.",
		}, []string{"outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcore_tool_calls_total",
			Help: "Tool invocations, by tool and status.",
		}, []string{"tool", "status"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loopcore_tool_call_duration_seconds",
			Help:    "Tool invocation latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"tool"}),
		toolRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopcore_tool_retries_total",
			Help: "Tool invocation retry attempts.",
		}),
		permissionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcore_permission_requests_total",
			Help: "Permission requests, by class.",
		}, []string{"class"}),
		permissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcore_permission_decisions_total",
			Help: "Terminal permission decisions.",
		}, []string{"decision"}),
	}

	registry.MustRegister(
		m.iterations, m.runsActive, m.runsFinished,
		m.toolCalls, m.toolCallDuration, m.toolRetries,
		m.permissionRequests, m.permissionDecisions,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordIteration counts one driver iteration ending in state.
func (m *Metrics) RecordIteration(state string) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(state).Inc()
}

// RunStarted marks a run in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished marks a run terminated with the given outcome.
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsFinished.WithLabelValues(outcome).Inc()
}

// RecordToolCall counts one tool invocation outcome and its latency.
func (m *Metrics) RecordToolCall(toolName, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(toolName, status).Inc()
	m.toolCallDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// RecordToolRetry counts one retry attempt.
func (m *Metrics) RecordToolRetry() {
	if m == nil {
		return
	}
	m.toolRetries.Inc()
}

// RecordPermissionRequest counts one arbitrated request.
func (m *Metrics) RecordPermissionRequest(class string) {
	if m == nil {
		return
	}
	m.permissionRequests.WithLabelValues(class).Inc()
}

// RecordPermissionDecision counts one terminal decision.
func (m *Metrics) RecordPermissionDecision(decision string) {
	if m == nil {
		return
	}
	m.permissionDecisions.WithLabelValues(decision).Inc()
}
