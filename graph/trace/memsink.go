package trace

import "sync"

// MemorySink implements Sink by capturing streamed records in memory. It
// backs tests and live inspection; node and edge records accumulate as a
// flat stream (the Sink contract carries no run correlation below the run
// summary), finished traces are kept per run. Everything stays resident,
// so long-lived processes should Reset between runs or use a Store.
type MemorySink struct {
	mu     sync.RWMutex
	nodes  []NodeExecutionRecord
	edges  []EdgeTraversalRecord
	traces map[string]ExecutionTrace
}

// NewMemorySink returns an empty sink safe for concurrent use.
func NewMemorySink() *MemorySink {
	return &MemorySink{traces: make(map[string]ExecutionTrace)}
}

// NodeCompleted implements Sink.
func (s *MemorySink) NodeCompleted(rec NodeExecutionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, rec)
}

// EdgeTraversed implements Sink.
func (s *MemorySink) EdgeTraversed(rec EdgeTraversalRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, rec)
}

// RunEnded implements Sink. The final trace replaces any earlier one for
// the same run.
func (s *MemorySink) RunEnded(tr ExecutionTrace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[tr.RunID] = tr
}

// NodeFilter narrows NodeRecords results. The zero value matches
// everything; set fields combine with AND.
type NodeFilter struct {
	NodeID      string
	BranchID    string
	FailedOnly  bool
	MinAttempts int
}

// NodeRecords returns captured node records in completion order. The
// result is a copy.
func (s *MemorySink) NodeRecords(f NodeFilter) []NodeExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []NodeExecutionRecord{}
	for _, rec := range s.nodes {
		if f.NodeID != "" && rec.NodeID != f.NodeID {
			continue
		}
		if f.BranchID != "" && rec.BranchID != f.BranchID {
			continue
		}
		if f.FailedOnly && rec.Success {
			continue
		}
		if f.MinAttempts > 0 && rec.Attempt < f.MinAttempts {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// EdgeRecords returns captured edge traversals in traversal order. The
// result is a copy.
func (s *MemorySink) EdgeRecords() []EdgeTraversalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EdgeTraversalRecord, len(s.edges))
	copy(out, s.edges)
	return out
}

// Trace returns the finished trace for a run, if the run has ended.
func (s *MemorySink) Trace(runID string) (ExecutionTrace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.traces[runID]
	return tr, ok
}

// Runs lists run IDs whose final trace arrived.
func (s *MemorySink) Runs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.traces))
	for id := range s.traces {
		out = append(out, id)
	}
	return out
}

// Reset drops everything captured so far.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nil
	s.edges = nil
	s.traces = make(map[string]ExecutionTrace)
}
