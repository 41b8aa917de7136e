package trace_test

import (
	"testing"

	"github.com/Samir-atra/hive-fork-sub000/graph/trace"
)

func TestMemorySinkCapture(t *testing.T) {
	sink := trace.NewMemorySink()
	r := trace.NewRecorder(trace.DefaultConfig(), trace.RunInfo{
		RunID:   "run_sink",
		GraphID: "g",
	}, trace.WithSink(sink))

	r.StartNode("a", "A", 1, "", nil)
	r.CompleteNode("a", trace.NodeOutcome{Success: true})
	r.RecordEdge("a", "b", "on_success", "", nil, false, "")
	r.StartNode("b", "B", 1, "", nil)
	r.CompleteNode("b", trace.NodeOutcome{Success: false, Error: "boom"})
	r.EndRun(false, "node b: boom")

	nodes := sink.NodeRecords(trace.NodeFilter{})
	if len(nodes) != 2 {
		t.Fatalf("node records = %d, want 2", len(nodes))
	}
	if nodes[0].NodeID != "a" || nodes[1].NodeID != "b" {
		t.Errorf("node order = %s, %s", nodes[0].NodeID, nodes[1].NodeID)
	}

	failed := sink.NodeRecords(trace.NodeFilter{FailedOnly: true})
	if len(failed) != 1 || failed[0].NodeID != "b" {
		t.Errorf("failed records = %+v", failed)
	}
	byID := sink.NodeRecords(trace.NodeFilter{NodeID: "a"})
	if len(byID) != 1 || !byID[0].Success {
		t.Errorf("records for a = %+v", byID)
	}

	edges := sink.EdgeRecords()
	if len(edges) != 1 || edges[0].From != "a" || edges[0].To != "b" {
		t.Errorf("edge records = %+v", edges)
	}

	tr, ok := sink.Trace("run_sink")
	if !ok {
		t.Fatal("final trace missing")
	}
	if tr.Success {
		t.Error("final trace marked successful")
	}
	if runs := sink.Runs(); len(runs) != 1 || runs[0] != "run_sink" {
		t.Errorf("runs = %v", runs)
	}
}

func TestMemorySinkReset(t *testing.T) {
	sink := trace.NewMemorySink()
	sink.NodeCompleted(trace.NodeExecutionRecord{NodeID: "x"})
	sink.RunEnded(trace.ExecutionTrace{RunID: "run_1"})

	sink.Reset()

	if got := sink.NodeRecords(trace.NodeFilter{}); len(got) != 0 {
		t.Errorf("records after reset = %d", len(got))
	}
	if _, ok := sink.Trace("run_1"); ok {
		t.Error("trace survived reset")
	}
}
