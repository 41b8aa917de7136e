package guard

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/Samir-atra/hive-fork-sub000/graph/event"
)

// Audit event types.
const (
	AuditPermissionCheck   = "permission_check"
	AuditRiskAssessment    = "risk_assessment"
	AuditApprovalRequested = "approval_requested"
	AuditApprovalResolved  = "approval_resolved"
	AuditToolBlocked       = "tool_blocked"
	AuditToolExecuted      = "tool_executed"
	AuditMemoryAccess      = "memory_access"
	AuditPipelineError     = "pipeline_error"
)

const auditRingCapacity = 10000

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	EventType   string                 `json:"event_type"`
	Timestamp   time.Time              `json:"timestamp"`
	ToolName    string                 `json:"tool_name,omitempty"`
	Decision    string                 `json:"decision,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	RiskLevel   string                 `json:"risk_level,omitempty"`
	RiskScore   int                    `json:"risk_score,omitempty"`
	Actor       string                 `json:"actor,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	AgentID     string                 `json:"agent_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	NodeID      string                 `json:"node_id,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	DurationMS  int64                  `json:"duration_ms,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Chain links this event to the previous one:
	// hex(blake3(prev_chain || event JSON without chain)).
	Chain string `json:"chain,omitempty"`
}

const redactedPlaceholder = "[REDACTED]"

var defaultRedactRe = regexp.MustCompile(`(?i)(password|secret|token|api_key|apikey|credential|private_key|auth)`)

type redactor struct {
	enabled  bool
	patterns []*regexp.Regexp
}

func newRedactor(policy *Policy) *redactor {
	r := &redactor{enabled: !policy.IncludeSensitiveValues}
	r.patterns = append(r.patterns, defaultRedactRe)
	r.patterns = append(r.patterns, compileAll(policy.RedactPatterns)...)
	return r
}

// redactMap replaces values whose key matches a sensitive pattern.
// Returns a copy; the input map is never mutated.
func (r *redactor) redactMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if r.enabled && r.matches(k) {
			out[k] = redactedPlaceholder
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = r.redactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func (r *redactor) matches(key string) bool {
	for _, re := range r.patterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// auditLog fans events out to a bounded in-memory ring, an optional
// newline-JSON file, and an optional event bus.
type auditLog struct {
	redactor *redactor
	bus      *event.Bus
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	ring      []AuditEvent
	next      int
	wrapped   bool
	file      *os.File
	chain     bool
	prevChain []byte
}

func newAuditLog(policy *Policy, bus *event.Bus, logger *slog.Logger, now func() time.Time) (*auditLog, error) {
	l := &auditLog{
		redactor: newRedactor(policy),
		bus:      bus,
		logger:   logger,
		now:      now,
		ring:     make([]AuditEvent, auditRingCapacity),
		chain:    policy.AuditHashChain,
	}
	if policy.AuditFile != "" {
		file, err := os.OpenFile(policy.AuditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit file: %w", err)
		}
		l.file = file
	}
	return l, nil
}

// Record redacts, stamps, chains, and routes one event. The returned
// error reports file-sink failures only; the ring and bus never fail.
func (l *auditLog) Record(ev AuditEvent) error {
	ev.Timestamp = l.now()
	ev.Context = l.redactor.redactMap(ev.Context)
	ev.Metadata = l.redactor.redactMap(ev.Metadata)

	l.mu.Lock()
	if l.chain {
		ev.Chain = l.advanceChain(ev)
	}
	l.ring[l.next] = ev
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.wrapped = true
	}

	var fileErr error
	if l.file != nil {
		data, err := json.Marshal(ev)
		if err == nil {
			_, err = l.file.Write(append(data, '\n'))
		}
		if err != nil {
			fileErr = fmt.Errorf("append audit event: %w", err)
		}
	}
	l.mu.Unlock()

	l.publish(ev)
	return fileErr
}

// advanceChain must be called with the lock held.
func (l *auditLog) advanceChain(ev AuditEvent) string {
	ev.Chain = ""
	data, err := json.Marshal(ev)
	if err != nil {
		return ""
	}
	h := blake3.New()
	h.Write(l.prevChain)
	h.Write(data)
	digest := h.Sum(nil)
	l.prevChain = digest
	return hex.EncodeToString(digest)
}

func (l *auditLog) publish(ev AuditEvent) {
	if l.bus == nil {
		return
	}
	var topic event.Type
	switch ev.EventType {
	case AuditToolBlocked:
		topic = event.ToolBlocked
	case AuditApprovalRequested:
		topic = event.ApprovalRequested
	case AuditApprovalResolved:
		topic = event.ApprovalResolved
	default:
		return
	}
	l.bus.Publish(event.Event{
		Type:      topic,
		SessionID: ev.SessionID,
		RunID:     ev.ExecutionID,
		NodeID:    ev.NodeID,
		Payload: map[string]interface{}{
			"tool_name":  ev.ToolName,
			"decision":   ev.Decision,
			"reason":     ev.Reason,
			"risk_level": ev.RiskLevel,
		},
	})
}

// Events returns the ring contents, oldest first.
func (l *auditLog) Events() []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.wrapped {
		out := make([]AuditEvent, l.next)
		copy(out, l.ring[:l.next])
		return out
	}
	out := make([]AuditEvent, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	out = append(out, l.ring[:l.next]...)
	return out
}

func (l *auditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
