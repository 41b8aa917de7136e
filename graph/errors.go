package graph

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable classification of a framework error. Kinds are
// wire-visible: they appear in traces, audit events, and session results,
// and node retry policies match against them.
type ErrorKind string

const (
	// KindInvalidSpec marks a graph or goal that fails validation. Fatal
	// before the first step; the executor refuses to start.
	KindInvalidSpec ErrorKind = "InvalidSpec"

	// KindPermissionDenied marks a tool call rejected by the permission
	// checker, or a scoped-memory write outside the writable set.
	KindPermissionDenied ErrorKind = "PermissionDenied"

	// KindGuardrailBlock marks a tool call denied by the guardrail
	// pipeline for a reason other than a plain permission rule.
	KindGuardrailBlock ErrorKind = "GuardrailBlock"

	// KindApprovalDenied marks a tool call whose approval request was
	// answered with a refusal.
	KindApprovalDenied ErrorKind = "ApprovalDenied"

	// KindApprovalTimeout marks a tool call whose approval request was
	// not answered within the configured window. Timeouts deny.
	KindApprovalTimeout ErrorKind = "ApprovalTimeout"

	// KindOutputContractViolation marks a node that returned without
	// producing its declared non-nullable output keys, or whose
	// structured output failed schema validation.
	KindOutputContractViolation ErrorKind = "OutputContractViolation"

	// KindNodeVisitLimitReached marks an attempt to enter a node more
	// times than its MaxNodeVisits bound allows.
	KindNodeVisitLimitReached ErrorKind = "NodeVisitLimitReached"

	// KindNoEligibleEdge marks a non-terminal, non-pause node whose
	// outgoing edges all failed their guards.
	KindNoEligibleEdge ErrorKind = "NoEligibleEdge"

	// KindLoopBoundExceeded marks a back-edge that would re-enter an
	// exhausted node with no non-looping alternative.
	KindLoopBoundExceeded ErrorKind = "LoopBoundExceeded"

	// KindLLMError marks a provider failure (API error, malformed
	// response, empty completion).
	KindLLMError ErrorKind = "LLMError"

	// KindToolError marks a tool handler failure.
	KindToolError ErrorKind = "ToolError"

	// KindTimeout marks an LLM or tool call that exceeded its per-call
	// deadline.
	KindTimeout ErrorKind = "Timeout"

	// KindMemoryWriteError marks a shared-memory write rejected by
	// schema validation or the hallucinated-code scan.
	KindMemoryWriteError ErrorKind = "MemoryWriteError"

	// KindStorageError marks a persistence failure (session, trace,
	// episode, conversation).
	KindStorageError ErrorKind = "StorageError"

	// KindCancelled marks a run aborted by context cancellation.
	KindCancelled ErrorKind = "Cancelled"
)

// Error is the framework error type. Every failure the executor surfaces
// carries a Kind so callers and retry policies can classify it without
// string matching.
type Error struct {
	Kind    ErrorKind
	Message string
	NodeID  string // node being executed when the error occurred, if any
	Cause   error  // underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.NodeID != "" {
		msg += " (node " + e.NodeID + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError constructs an Error with the given kind and formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs an Error wrapping cause. The cause remains
// reachable via errors.Unwrap.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from err. Unwrapped context cancellation
// maps to KindCancelled. Unclassified errors report an empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// ErrCancelled indicates the run was aborted by an external cancel.
var ErrCancelled = errors.New("run cancelled")

// ErrRunPaused is returned by Run when the graph reaches a pause node.
// The session is persisted in the paused state and can be resumed later.
var ErrRunPaused = errors.New("run paused at pause node")
