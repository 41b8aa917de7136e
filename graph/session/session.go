// Package session persists run state across process restarts: the session
// document that pause/resume depends on, and the conversation store that
// holds user-visible turns. Stores share one contract so file, in-memory,
// and MySQL backends are interchangeable.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrNotFound reports a missing session.
var ErrNotFound = errors.New("session not found")

// State is the persisted session document. Its JSON form is the contract
// other tooling reads; field names are stable.
type State struct {
	SessionID string `json:"session_id"`
	GoalID    string `json:"goal_id,omitempty"`
	GraphID   string `json:"graph_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`

	// GoalName, GoalDescription, and Actor survive in the document so a
	// resuming process can keep prompting and auditing coherently without
	// access to the original Goal value.
	GoalName        string `json:"goal_name,omitempty"`
	GoalDescription string `json:"goal_description,omitempty"`
	Actor           string `json:"actor,omitempty"`

	Status         Status                 `json:"status"`
	Timestamps     Timestamps             `json:"timestamps"`
	Progress       Progress               `json:"progress"`
	Result         Result                 `json:"result"`
	CurrentNodeID  string                 `json:"current_node_id,omitempty"`
	MemorySnapshot map[string]interface{} `json:"memory_snapshot"`
}

// Timestamps carries the session clock fields. CompletedAt is null until
// the run reaches a terminal status.
type Timestamps struct {
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Progress accumulates execution counters.
type Progress struct {
	StepsExecuted     int      `json:"steps_executed"`
	TotalLatencyMS    int64    `json:"total_latency_ms"`
	TotalTokens       int      `json:"total_tokens"`
	NodesExecuted     []string `json:"nodes_executed"`
	NodesWithFailures []string `json:"nodes_with_failures"`
}

// Result is the run outcome. Output holds the terminal node's declared
// outputs; Error is set only on failure.
type Result struct {
	Success bool                   `json:"success"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Store persists session documents. Save overwrites; Load returns
// ErrNotFound (possibly wrapped) for unknown IDs; List skips documents
// that fail to parse rather than failing the listing.
type Store interface {
	Save(ctx context.Context, state *State) error
	Load(ctx context.Context, sessionID string) (*State, error)
	List(ctx context.Context) ([]*State, error)
	Delete(ctx context.Context, sessionID string) error
}

// NewID mints a session identifier of the form
// session_{YYYYMMDD}_{HHMMSS}_{8 hex chars}. The timestamp prefix keeps
// directory listings chronological; the suffix disambiguates same-second
// sessions.
func NewID(now time.Time) string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand only fails on a broken platform; fall back to the
		// nanosecond clock rather than returning an error nobody can act on.
		return fmt.Sprintf("session_%s_%08x", now.Format("20060102_150405"), now.UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("session_%s_%s", now.Format("20060102_150405"), hex.EncodeToString(buf[:]))
}

// Touch stamps UpdatedAt.
func (s *State) Touch(now time.Time) {
	s.Timestamps.UpdatedAt = now
}

// MarkCompleted transitions the session to completed or failed and stamps
// CompletedAt.
func (s *State) MarkCompleted(now time.Time, success bool) {
	if success {
		s.Status = StatusCompleted
	} else {
		s.Status = StatusFailed
	}
	t := now
	s.Timestamps.CompletedAt = &t
	s.Timestamps.UpdatedAt = now
}
