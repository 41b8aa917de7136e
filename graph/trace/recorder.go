package trace

import (
	"encoding/json"
	"sync"
	"time"
)

// Sink receives recorder events as they are finalized. The OTel bridge is
// the canonical implementation; sinks must be fast or offload their work,
// as they run on the recorder's caller under no lock.
type Sink interface {
	NodeCompleted(rec NodeExecutionRecord)
	EdgeTraversed(rec EdgeTraversalRecord)
	RunEnded(tr ExecutionTrace)
}

// RunInfo identifies the run a Recorder documents.
type RunInfo struct {
	TraceID    string
	RunID      string
	PriorRunID string
	SessionID  string
	AgentID    string
	GoalID     string
	GraphID    string
	EntryNode  string
}

// Recorder builds an ExecutionTrace incrementally. All methods are safe
// for concurrent use; parallel branches record through the same Recorder.
// Mutators never fail: a trace is best-effort observability and must not
// be able to abort the run it documents.
type Recorder struct {
	mu     sync.Mutex
	cfg    Config
	tr     ExecutionTrace
	visits map[string]int
	// open holds started-but-unfinished node records, keyed by node ID,
	// most recent last. Parallel branches target distinct nodes, so a
	// per-node stack is enough to pair entries with exits.
	open      map[string][]*NodeExecutionRecord
	nodeOrder int
	edgeOrder int
	mutOrder  int
	llmOrder  int
	sink      Sink
	now       func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSink attaches a sink that mirrors finalized records elsewhere.
func WithSink(s Sink) RecorderOption {
	return func(r *Recorder) { r.sink = s }
}

// WithClock overrides the recorder's time source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder starts a trace for the given run. A missing TraceID is
// minted; StartedAt is stamped immediately.
func NewRecorder(cfg Config, info RunInfo, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		cfg:    cfg,
		visits: make(map[string]int),
		open:   make(map[string][]*NodeExecutionRecord),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	traceID := info.TraceID
	if traceID == "" {
		traceID = NewTraceID()
	}
	r.tr = ExecutionTrace{
		TraceID:    traceID,
		RunID:      info.RunID,
		PriorRunID: info.PriorRunID,
		SessionID:  info.SessionID,
		AgentID:    info.AgentID,
		GoalID:     info.GoalID,
		GraphID:    info.GraphID,
		EntryNode:  info.EntryNode,
		StartedAt:  r.now(),
		NodePath:   []string{},
		Nodes:      []NodeExecutionRecord{},
	}
	return r
}

// TraceID returns the trace identifier.
func (r *Recorder) TraceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tr.TraceID
}

// StartNode opens a boundary record for a node attempt. Inputs are only
// kept when configured, bounded by MaxInputOutputSize.
func (r *Recorder) StartNode(nodeID, nodeName string, attempt int, branchID string, inputs map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeOrder++
	rec := &NodeExecutionRecord{
		NodeID:         nodeID,
		NodeName:       nodeName,
		ExecutionOrder: r.nodeOrder,
		Attempt:        attempt,
		BranchID:       branchID,
		StartedAt:      r.now(),
	}
	if r.cfg.CaptureInputs && r.cfg.IncludeValues {
		rec.Inputs, rec.InputsTruncated = r.boundValues(inputs)
	}
	r.open[nodeID] = append(r.open[nodeID], rec)
}

// NodeOutcome finalizes a node boundary record.
type NodeOutcome struct {
	Outputs      map[string]interface{}
	Success      bool
	Error        string
	ErrorKind    string
	Stacktrace   string
	Verdict      string
	InputTokens  int
	OutputTokens int
	ToolCalls    []string
}

// CompleteNode closes the most recent open record for nodeID. Calls
// without a matching StartNode are ignored.
func (r *Recorder) CompleteNode(nodeID string, outcome NodeOutcome) {
	r.mu.Lock()
	stack := r.open[nodeID]
	if len(stack) == 0 {
		r.mu.Unlock()
		return
	}
	rec := stack[len(stack)-1]
	r.open[nodeID] = stack[:len(stack)-1]

	rec.EndedAt = r.now()
	rec.LatencyMS = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	rec.Success = outcome.Success
	rec.Verdict = outcome.Verdict
	rec.InputTokens = outcome.InputTokens
	rec.OutputTokens = outcome.OutputTokens
	rec.ToolCalls = outcome.ToolCalls
	if r.cfg.CaptureOutputs && r.cfg.IncludeValues {
		rec.Outputs, rec.OutputsTruncated = r.boundValues(outcome.Outputs)
	}
	if r.cfg.CaptureErrors {
		rec.Error = outcome.Error
		rec.ErrorKind = outcome.ErrorKind
	}
	if r.cfg.CaptureStacktraces {
		rec.Stacktrace = outcome.Stacktrace
	}

	// The record spans all attempts of this visit; the attempt field
	// reflects the last one.
	if n := len(rec.Retries) + 1; n > rec.Attempt {
		rec.Attempt = n
	}

	r.visits[nodeID]++
	rec.VisitCount = r.visits[nodeID]

	r.tr.TotalSteps++
	r.tr.InputTokens += outcome.InputTokens
	r.tr.OutputTokens += outcome.OutputTokens
	r.tr.NodePath = append(r.tr.NodePath, nodeID)
	if !outcome.Success {
		r.tr.FailedNodes = appendUnique(r.tr.FailedNodes, nodeID)
	}
	if len(rec.Retries) > 0 {
		r.tr.RetriedNodes = appendUnique(r.tr.RetriedNodes, nodeID)
	}
	r.tr.Nodes = append(r.tr.Nodes, *rec)
	sink := r.sink
	final := *rec
	r.mu.Unlock()

	if sink != nil {
		sink.NodeCompleted(final)
	}
}

// RecordRetry attaches a retry to the open record for nodeID and bumps the
// run's retry total.
func (r *Recorder) RecordRetry(nodeID string, attempt int, reason string, backoff time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tr.TotalRetries++
	stack := r.open[nodeID]
	if len(stack) == 0 {
		return
	}
	rec := stack[len(stack)-1]
	rec.Retries = append(rec.Retries, RetryRecord{
		Attempt:   attempt,
		Reason:    reason,
		BackoffMS: backoff.Milliseconds(),
		Timestamp: r.now(),
	})
}

// RecordEdge captures a routing decision.
func (r *Recorder) RecordEdge(from, to, condition, expr string, observed interface{}, parallel bool, branchID string) {
	r.mu.Lock()
	if !r.cfg.CaptureEdges {
		r.mu.Unlock()
		return
	}
	r.edgeOrder++
	rec := EdgeTraversalRecord{
		Order:          r.edgeOrder,
		From:           from,
		To:             to,
		Condition:      condition,
		ConditionExpr:  expr,
		ParallelBranch: parallel,
		BranchID:       branchID,
		Timestamp:      r.now(),
	}
	if r.cfg.IncludeValues {
		rec.ObservedValue = observed
	}
	r.tr.Edges = append(r.tr.Edges, rec)
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink.EdgeTraversed(rec)
	}
}

// RecordMutation captures a runtime graph topology change.
func (r *Recorder) RecordMutation(kind MutationKind, nodeID, from, to, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cfg.CaptureMutations {
		return
	}
	r.mutOrder++
	r.tr.Mutations = append(r.tr.Mutations, GraphMutationRecord{
		Order:     r.mutOrder,
		Kind:      kind,
		NodeID:    nodeID,
		From:      from,
		To:        to,
		Detail:    detail,
		Timestamp: r.now(),
	})
}

// RecordLLMCall captures one provider round trip. Payloads are bounded
// the same way node values are.
func (r *Recorder) RecordLLMCall(nodeID, model string, request, response []byte, inputTokens, outputTokens int, stopReason string, latency time.Duration, callErr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cfg.CaptureLLMCalls {
		return
	}
	r.llmOrder++
	rec := LLMInteractionRecord{
		Order:        r.llmOrder,
		NodeID:       nodeID,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		StopReason:   stopReason,
		LatencyMS:    latency.Milliseconds(),
		Error:        callErr,
		Timestamp:    r.now(),
	}
	if r.cfg.IncludeValues {
		rec.Request = boundRaw(request, r.cfg.MaxInputOutputSize)
		rec.Response = boundRaw(response, r.cfg.MaxInputOutputSize)
	}
	r.tr.LLMCalls = append(r.tr.LLMCalls, rec)
}

// AddCost accumulates run-level LLM spend.
func (r *Recorder) AddCost(usd float64) {
	r.mu.Lock()
	r.tr.CostUSD += usd
	r.mu.Unlock()
}

// VisitCount reports completed visits for a node.
func (r *Recorder) VisitCount(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visits[nodeID]
}

// EndRun stamps the final outcome. Open node records are abandoned as-is;
// their absence from Nodes marks an attempt that never completed.
func (r *Recorder) EndRun(success bool, errMsg string) {
	r.mu.Lock()
	r.tr.EndedAt = r.now()
	r.tr.DurationMS = r.tr.EndedAt.Sub(r.tr.StartedAt).Milliseconds()
	r.tr.Success = success
	if r.cfg.CaptureErrors {
		r.tr.Error = errMsg
	}
	sink := r.sink
	final := r.tr
	r.mu.Unlock()

	if sink != nil {
		sink.RunEnded(final)
	}
}

// GetTrace returns an independent snapshot of the trace so far.
func (r *Recorder) GetTrace() *ExecutionTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied, err := r.tr.Clone()
	if err != nil {
		// Clone only fails on unserializable observed values; fall back
		// to a shallow copy rather than losing the trace.
		shallow := r.tr
		return &shallow
	}
	return copied
}

// boundValues deep-copies a value map through JSON, truncating any value
// whose serialized form exceeds MaxInputOutputSize.
func (r *Recorder) boundValues(values map[string]interface{}) (map[string]interface{}, bool) {
	if values == nil {
		return nil, false
	}
	out := make(map[string]interface{}, len(values))
	truncated := false
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			out[k] = "<unserializable>"
			continue
		}
		if r.cfg.MaxInputOutputSize > 0 && len(raw) > r.cfg.MaxInputOutputSize {
			out[k] = string(raw[:r.cfg.MaxInputOutputSize])
			truncated = true
			continue
		}
		var copied interface{}
		if err := json.Unmarshal(raw, &copied); err != nil {
			out[k] = string(raw)
			continue
		}
		out[k] = copied
	}
	return out, truncated
}

func boundRaw(raw []byte, max int) json.RawMessage {
	if raw == nil {
		return nil
	}
	if max > 0 && len(raw) > max {
		// Truncation breaks JSON validity, so wrap the prefix in a
		// string document.
		quoted, err := json.Marshal(string(raw[:max]))
		if err != nil {
			return nil
		}
		return quoted
	}
	return json.RawMessage(raw)
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
