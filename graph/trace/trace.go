// Package trace records execution history: every node attempt, edge
// traversal, retry, LLM interaction, and graph mutation of a run, plus the
// run-level summary. Traces serve debugging, audit, and the episodic
// memory writer, which derives episodes from node boundary records.
package trace

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Config controls what the recorder captures. Disabling a capture class
// drops that detail at record time; it is not recoverable later.
type Config struct {
	CaptureInputs      bool `json:"capture_inputs"`
	CaptureOutputs     bool `json:"capture_outputs"`
	CaptureErrors      bool `json:"capture_errors"`
	CaptureStacktraces bool `json:"capture_stacktraces"`
	CaptureEdges       bool `json:"capture_edges"`
	CaptureMutations   bool `json:"capture_mutations"`
	CaptureLLMCalls    bool `json:"capture_llm_calls"`

	// IncludeValues gates payloads globally: when false the trace keeps
	// topology and timing but drops node inputs/outputs, observed edge
	// values, and LLM request/response bodies.
	IncludeValues bool `json:"include_values"`

	// MaxInputOutputSize bounds each captured value, in characters of its
	// JSON form. Oversized values are truncated and flagged.
	MaxInputOutputSize int `json:"max_input_output_size"`
}

// DefaultConfig captures everything with a 10000-character value bound.
func DefaultConfig() Config {
	return Config{
		CaptureInputs:      true,
		CaptureOutputs:     true,
		CaptureErrors:      true,
		CaptureStacktraces: true,
		CaptureEdges:       true,
		CaptureMutations:   true,
		CaptureLLMCalls:    true,
		IncludeValues:      true,
		MaxInputOutputSize: 10000,
	}
}

// NewTraceID mints a trace identifier.
func NewTraceID() string {
	return "trace_" + ulid.Make().String()
}

// ExecutionTrace is the complete record of one run. It is built
// incrementally by a Recorder and safe to serialize at any point a
// Recorder hands it out.
type ExecutionTrace struct {
	TraceID    string `json:"trace_id"`
	RunID      string `json:"run_id"`
	PriorRunID string `json:"prior_run_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	GoalID     string `json:"goal_id,omitempty"`
	GraphID    string `json:"graph_id,omitempty"`
	EntryNode  string `json:"entry_node,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	DurationMS int64     `json:"duration_ms"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	TotalSteps   int     `json:"total_steps"`
	TotalRetries int     `json:"total_retries"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`

	// NodePath is the sequence of node IDs in completion order. Failed
	// and retried nodes are also summarized for quick scanning.
	NodePath     []string `json:"node_path"`
	FailedNodes  []string `json:"failed_nodes,omitempty"`
	RetriedNodes []string `json:"retried_nodes,omitempty"`

	Nodes     []NodeExecutionRecord  `json:"nodes"`
	Edges     []EdgeTraversalRecord  `json:"edges,omitempty"`
	Mutations []GraphMutationRecord  `json:"mutations,omitempty"`
	LLMCalls  []LLMInteractionRecord `json:"llm_calls,omitempty"`
}

// NodeExecutionRecord is the boundary record of one node attempt: what
// went in, what came out, and how it ended. ExecutionOrder is global
// across the run; VisitCount is per node and counts completed visits
// including this one.
type NodeExecutionRecord struct {
	NodeID         string `json:"node_id"`
	NodeName       string `json:"node_name,omitempty"`
	ExecutionOrder int    `json:"execution_order"`
	VisitCount     int    `json:"visit_count"`
	Attempt        int    `json:"attempt"`
	BranchID       string `json:"branch_id,omitempty"`

	Inputs           map[string]interface{} `json:"inputs,omitempty"`
	Outputs          map[string]interface{} `json:"outputs,omitempty"`
	InputsTruncated  bool                   `json:"inputs_truncated,omitempty"`
	OutputsTruncated bool                   `json:"outputs_truncated,omitempty"`

	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Stacktrace string `json:"stacktrace,omitempty"`

	// Verdict is the judge's assessment of the node's work, when a judge
	// reviewed it ("pass", "partial", "escalated", ...). Empty when no
	// judge ran.
	Verdict string `json:"verdict,omitempty"`

	InputTokens  int      `json:"input_tokens,omitempty"`
	OutputTokens int      `json:"output_tokens,omitempty"`
	ToolCalls    []string `json:"tool_calls,omitempty"`
	LatencyMS    int64    `json:"latency_ms"`

	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Retries   []RetryRecord `json:"retries,omitempty"`
}

// RetryRecord captures one retry decision for a node.
type RetryRecord struct {
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason"`
	BackoffMS int64     `json:"backoff_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// EdgeTraversalRecord captures one routing decision. ObservedValue is the
// raw evaluation result of the condition expression, before truthiness.
type EdgeTraversalRecord struct {
	Order          int         `json:"order"`
	From           string      `json:"from"`
	To             string      `json:"to"`
	Condition      string      `json:"condition"`
	ConditionExpr  string      `json:"condition_expr,omitempty"`
	ObservedValue  interface{} `json:"observed_value,omitempty"`
	ParallelBranch bool        `json:"parallel_branch,omitempty"`
	BranchID       string      `json:"branch_id,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// MutationKind names a runtime graph topology change.
type MutationKind string

const (
	MutationAddNode    MutationKind = "add_node"
	MutationRemoveNode MutationKind = "remove_node"
	MutationAddEdge    MutationKind = "add_edge"
	MutationRemoveEdge MutationKind = "remove_edge"
	MutationSetEntry   MutationKind = "set_entry"
)

// GraphMutationRecord captures one runtime topology change.
type GraphMutationRecord struct {
	Order     int          `json:"order"`
	Kind      MutationKind `json:"kind"`
	NodeID    string       `json:"node_id,omitempty"`
	From      string       `json:"from,omitempty"`
	To        string       `json:"to,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// LLMInteractionRecord captures one provider round trip. Request and
// Response hold the serialized wire payloads when IncludeValues is on.
type LLMInteractionRecord struct {
	Order        int             `json:"order"`
	NodeID       string          `json:"node_id"`
	Model        string          `json:"model"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	StopReason   string          `json:"stop_reason,omitempty"`
	LatencyMS    int64           `json:"latency_ms"`
	Error        string          `json:"error,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Clone returns an independent deep copy via a JSON round trip.
func (t *ExecutionTrace) Clone() (*ExecutionTrace, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var out ExecutionTrace
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
