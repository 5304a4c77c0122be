// Package metrics exposes the ambient Prometheus instrumentation spec.md's
// ambient stack carries regardless of feature Non-goals: turn/iteration
// counts, tool latencies, and compaction counts, following
// internal/observability/metrics.go's CounterVec/HistogramVec shape,
// generalized from channel/webhook metrics to the turn-orchestrator's own
// concerns.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the turn orchestrator, tool executor, and
// background worker record against.
type Metrics struct {
	TurnCounter      *prometheus.CounterVec
	IterationCounter prometheus.Counter

	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	CompactionCounter  *prometheus.CounterVec
	CompactionDuration *prometheus.HistogramVec

	ProviderRequestDuration *prometheus.HistogramVec
}

// New registers every collector against reg. Pass prometheus.NewRegistry()
// in tests to avoid colliding with the global DefaultRegisterer across
// package-level test runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnforge_turns_total",
			Help: "Turns run, by terminal state (complete|cancelled|error).",
		}, []string{"state"}),
		IterationCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "turnforge_iterations_total",
			Help: "Provider-call iterations run across all turns.",
		}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnforge_tool_executions_total",
			Help: "Tool calls executed, by tool name and status.",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnforge_tool_execution_duration_seconds",
			Help:    "Tool call execution latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		CompactionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnforge_compactions_total",
			Help: "Context compactions run, by trigger (proactive|overflow_retry).",
		}, []string{"trigger"}),
		CompactionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnforge_compaction_duration_seconds",
			Help:    "Context compaction latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"trigger"}),
		ProviderRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnforge_provider_request_duration_seconds",
			Help:    "Provider stream call latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
	}
}

// ObserveToolExecution records one completed tool call.
func (m *Metrics) ObserveToolExecution(tool string, isError bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveCompaction records one completed compaction run.
func (m *Metrics) ObserveCompaction(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.CompactionCounter.WithLabelValues(trigger).Inc()
	m.CompactionDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// ObserveTurn records one turn's terminal state.
func (m *Metrics) ObserveTurn(state string) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(state).Inc()
}

// ObserveIteration records one provider-call iteration within a turn.
func (m *Metrics) ObserveIteration() {
	if m == nil {
		return
	}
	m.IterationCounter.Inc()
}

// ObserveProviderRequest records one provider stream call's latency.
func (m *Metrics) ObserveProviderRequest(provider, model string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}
