package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports execution telemetry to Prometheus under the "hive"
// namespace. One Metrics instance serves every run of an executor;
// per-run identifiers stay out of the label set to keep cardinality
// bounded.
//
// Exposed series:
//
//	hive_runs_total{status}                  completed runs by outcome
//	hive_active_runs                         runs currently executing
//	hive_node_latency_ms{node_id,status}     node execution duration
//	hive_node_retries_total{node_id,reason}  retry attempts by error kind
//	hive_llm_tokens_total{model,direction}   input/output token totals
//	hive_llm_cost_usd_total{model}           accumulated provider spend
//	hive_tool_calls_total{tool,status}       tool invocations by outcome
type Metrics struct {
	runs        *prometheus.CounterVec
	activeRuns  prometheus.Gauge
	nodeLatency *prometheus.HistogramVec
	nodeRetries *prometheus.CounterVec
	llmTokens   *prometheus.CounterVec
	llmCost     *prometheus.CounterVec
	toolCalls   *prometheus.CounterVec
}

// NewMetrics registers the execution metrics with the given registry.
// A nil registry falls back to the Prometheus default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "runs_total",
			Help:      "Completed runs by terminal status",
		}, []string{"status"}),

		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hive",
			Name:      "active_runs",
			Help:      "Number of runs currently executing",
		}),

		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hive",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds, including retries",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
		}, []string{"node_id", "status"}),

		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "node_retries_total",
			Help:      "Retry attempts per node by error kind",
		}, []string{"node_id", "reason"}),

		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "llm_tokens_total",
			Help:      "Tokens exchanged with model providers",
		}, []string{"model", "direction"}),

		llmCost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "llm_cost_usd_total",
			Help:      "Accumulated provider spend in USD",
		}, []string{"model"}),

		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by outcome (ok, error, blocked)",
		}, []string{"tool", "status"}),
	}
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunEnded marks a run as finished with the given terminal status
// (completed, failed, paused).
func (m *Metrics) RunEnded(status string) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(status).Inc()
}

// ObserveNode records one node execution's wall-clock duration.
func (m *Metrics) ObserveNode(nodeID string, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.nodeLatency.WithLabelValues(nodeID, status).Observe(float64(d.Milliseconds()))
}

// IncRetry counts one retry attempt for a node.
func (m *Metrics) IncRetry(nodeID, reason string) {
	if m == nil {
		return
	}
	m.nodeRetries.WithLabelValues(nodeID, reason).Inc()
}

// AddLLMUsage records tokens and spend for one provider call.
func (m *Metrics) AddLLMUsage(model string, inputTokens, outputTokens int, costUSD float64) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	m.llmCost.WithLabelValues(model).Add(costUSD)
}

// IncToolCall counts one tool invocation.
func (m *Metrics) IncToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}
