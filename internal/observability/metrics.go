package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Terminal run outcomes recorded on the run counter.
const (
	OutcomeReady     = "ready"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Processing runs and their terminal outcomes
//   - LLM request performance and retry behavior
//   - Tool execution patterns and latencies
//   - Event log growth by event kind
//   - In-flight run counts for capacity planning
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RunStarted()
//	defer metrics.RunFinished("ready", time.Since(start).Seconds())
type Metrics struct {
	// RunCounter counts processing runs by terminal outcome.
	// Labels: outcome (ready|cancelled|error|skipped)
	RunCounter *prometheus.CounterVec

	// RunDuration measures processing run wall-clock time in seconds.
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	RunDuration prometheus.Histogram

	// RunIterations tracks how many proposer→tools rounds each run took.
	// Buckets: 1..5
	RunIterations prometheus.Histogram

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), task (proposer|tool_caller|generator)
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, task, and status.
	// Labels: provider, task, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolCallCounter counts tool invocations.
	// Labels: service, status (success|error|skipped)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: service
	ToolCallDuration *prometheus.HistogramVec

	// EventCounter counts events appended to session logs.
	// Labels: kind (message|tool|status|custom)
	EventCounter *prometheus.CounterVec

	// ActiveRuns is a gauge tracking runs currently in flight.
	ActiveRuns prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are registered with the default registry and served by the
// prometheus HTTP handler at /metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RunCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guidepost_runs_total",
				Help: "Total number of processing runs by terminal outcome",
			},
			[]string{"outcome"},
		),

		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "guidepost_run_duration_seconds",
				Help:    "Wall-clock duration of processing runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		RunIterations: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "guidepost_run_iterations",
				Help:    "Number of proposer and tool rounds per processing run",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guidepost_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "task"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guidepost_llm_requests_total",
				Help: "Total number of LLM requests by provider, task, and status",
			},
			[]string{"provider", "task", "status"},
		),

		ToolCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guidepost_tool_calls_total",
				Help: "Total number of tool calls by service and status",
			},
			[]string{"service", "status"},
		),

		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guidepost_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"service"},
		),

		EventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guidepost_events_appended_total",
				Help: "Total number of events appended to session logs by kind",
			},
			[]string{"kind"},
		),

		ActiveRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "guidepost_active_runs",
				Help: "Number of processing runs currently in flight",
			},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guidepost_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guidepost_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RunStarted increments the active-runs gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished records a run's terminal outcome, duration, and round count,
// and decrements the active-runs gauge.
//
// Example:
//
//	start := time.Now()
//	// ... run the pipeline ...
//	metrics.RunFinished("ready", time.Since(start).Seconds(), 2)
func (m *Metrics) RunFinished(outcome string, durationSeconds float64, iterations int) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunCounter.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(durationSeconds)
	if iterations > 0 {
		m.RunIterations.Observe(float64(iterations))
	}
}

// RunSkipped counts a run that never started, e.g. a manual-mode session.
func (m *Metrics) RunSkipped() {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues("skipped").Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, task, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, task, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, task).Observe(durationSeconds)
}

// RecordToolCall records metrics for one tool call.
func (m *Metrics) RecordToolCall(service, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(service, status).Inc()
	m.ToolCallDuration.WithLabelValues(service).Observe(durationSeconds)
}

// EventAppended increments the event counter for the given kind.
func (m *Metrics) EventAppended(kind string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
