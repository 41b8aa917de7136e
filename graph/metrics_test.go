package graph_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/Samir-atra/hive-fork-sub000/graph"
)

func gatherNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := graph.NewMetrics(reg)

	m.RunStarted()
	m.ObserveNode("plan", 120*time.Millisecond, "success")
	m.IncRetry("plan", "llm_error")
	m.AddLLMUsage("gpt-4o", 1000, 200, 0.0045)
	m.IncToolCall("http_get", "ok")
	m.RunEnded("completed")

	names := gatherNames(t, reg)
	for _, want := range []string{
		"hive_runs_total",
		"hive_active_runs",
		"hive_node_latency_ms",
		"hive_node_retries_total",
		"hive_llm_tokens_total",
		"hive_llm_cost_usd_total",
		"hive_tool_calls_total",
	} {
		if !names[want] {
			t.Errorf("series %s not registered", want)
		}
	}
}

func TestMetricsActiveRunsBalance(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := graph.NewMetrics(reg)

	m.RunStarted()
	m.RunStarted()
	m.RunEnded("completed")
	m.RunEnded("failed")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "hive_active_runs" {
			continue
		}
		if got := f.GetMetric()[0].GetGauge().GetValue(); got != 0 {
			t.Errorf("active_runs = %f after balanced start/end, want 0", got)
		}
	}
}

// A nil *Metrics is a valid no-op receiver so callers never guard.
func TestMetricsNilReceiver(t *testing.T) {
	var m *graph.Metrics
	m.RunStarted()
	m.ObserveNode("n", time.Second, "success")
	m.IncRetry("n", "timeout")
	m.AddLLMUsage("gpt-4o", 1, 1, 0)
	m.IncToolCall("t", "ok")
	m.RunEnded("completed")
}
