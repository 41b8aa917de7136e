// Package episodic captures what an agent did and how it went, one episode
// per node exit, into an append-only log with a parallel vector index. The
// Writer derives episodes from trace boundary records, the Store persists
// them, and the Retriever answers similarity queries so later runs, judges,
// and the evolution pipeline can consult precedent.
package episodic

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a node exit went. Classification is derived, not
// declared: the Writer folds the success flag, judge verdict, and attempt
// count into one of these values.
type Outcome string

const (
	// OutcomeSuccess is a clean first-attempt success.
	OutcomeSuccess Outcome = "success"

	// OutcomePartial marks work a judge assessed as incomplete but usable.
	OutcomePartial Outcome = "partial"

	// OutcomeFailure marks a node that exited failed after exhausting its
	// retry budget.
	OutcomeFailure Outcome = "failure"

	// OutcomeRetried marks a success that needed more than one attempt.
	OutcomeRetried Outcome = "retried"

	// OutcomeEscalated marks work a judge escalated to a human or a
	// stronger model.
	OutcomeEscalated Outcome = "escalated"
)

// Episode is the captured record of one node execution. Episodes are
// persisted append-only; the context embedding lives in the vector
// backend, never inline in the log.
type Episode struct {
	EpisodeID string `json:"episode_id"`
	TraceID   string `json:"trace_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	GoalID    string `json:"goal_id,omitempty"`
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name,omitempty"`

	// ContextText is the retrieval document: who was acting, toward what
	// goal, with what shaped inputs. ContextSummary is its short form for
	// prompt injection.
	ContextText    string `json:"context_text,omitempty"`
	ContextSummary string `json:"context_summary,omitempty"`

	// ContextEmbedding is populated transiently while storing and lives in
	// the vector backend afterwards.
	ContextEmbedding []float32 `json:"-"`

	ActionDescription string                 `json:"action_description,omitempty"`
	ActionDetails     map[string]interface{} `json:"action_details,omitempty"`
	ToolCalls         []string               `json:"tool_calls,omitempty"`

	Outcome            Outcome                `json:"outcome"`
	OutcomeDescription string                 `json:"outcome_description,omitempty"`
	ResultSummary      string                 `json:"result_summary,omitempty"`
	ResultData         map[string]interface{} `json:"result_data,omitempty"`

	JudgeVerdict    string  `json:"judge_verdict,omitempty"`
	JudgeConfidence float64 `json:"judge_confidence,omitempty"`
	JudgeFeedback   string  `json:"judge_feedback,omitempty"`

	TokensUsed int       `json:"tokens_used"`
	LatencyMS  int64     `json:"latency_ms"`
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEpisodeID mints an episode identifier.
func NewEpisodeID() string {
	return "ep_" + uuid.NewString()
}

// Validate checks the fields the store and retriever depend on.
func (e *Episode) Validate() error {
	if e.EpisodeID == "" {
		return fmt.Errorf("episode has no episode_id")
	}
	if e.NodeID == "" {
		return fmt.Errorf("episode %s has no node_id", e.EpisodeID)
	}
	switch e.Outcome {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure, OutcomeRetried, OutcomeEscalated:
	default:
		return fmt.Errorf("episode %s has unknown outcome %q", e.EpisodeID, e.Outcome)
	}
	return nil
}

// Succeeded reports whether the outcome counts as a success for retrieval
// filters. Partial and retried episodes count: the work landed.
func (e *Episode) Succeeded() bool {
	switch e.Outcome {
	case OutcomeSuccess, OutcomePartial, OutcomeRetried:
		return true
	default:
		return false
	}
}

// ClassifyOutcome folds a node exit's success flag, judge verdict, and
// attempt count into an Outcome. The verdict wins when it carries a
// stronger signal than the flag; otherwise retries downgrade a success to
// retried.
func ClassifyOutcome(success bool, verdict string, attempt int) Outcome {
	switch strings.ToLower(strings.TrimSpace(verdict)) {
	case "partial":
		return OutcomePartial
	case "escalate", "escalated":
		return OutcomeEscalated
	}
	if !success {
		return OutcomeFailure
	}
	if attempt > 1 {
		return OutcomeRetried
	}
	return OutcomeSuccess
}
