package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Samir-atra/hive-fork-sub000/graph/event"
	"github.com/Samir-atra/hive-fork-sub000/graph/tool"
)

const callHistoryLimit = 100

// CallContext attributes pipeline decisions to a caller for the audit
// trail.
type CallContext struct {
	Actor       string
	SessionID   string
	AgentID     string
	ExecutionID string
	NodeID      string
}

// Verdict is the pipeline outcome for one tool call.
type Verdict struct {
	Allowed           bool
	Reason            string
	Risk              Assessment
	ApprovalRequested bool
}

// Engine runs tool calls through the guardrail pipeline: permission
// check, risk assessment, approval gate, audit trail. It also answers
// memory-isolation questions for the shared memory layer. A single
// engine serves concurrent executions; all state is internally locked.
type Engine struct {
	policy      *Policy
	permissions *permissionChecker
	risk        *riskScorer
	approvals   *approvalGate
	audit       *auditLog
	isolation   *isolationChecker
	history     *callHistory
	logger      *slog.Logger
	now         func() time.Time

	bus      *event.Bus
	callback ApprovalCallback
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus publishes guardrail events (blocks, approvals) to bus.
func WithBus(bus *event.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithApprovalCallback sets the human-in-the-loop hook. Without one,
// every call that requires approval is denied.
func WithApprovalCallback(cb ApprovalCallback) Option {
	return func(e *Engine) { e.callback = cb }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine validates the policy and builds the pipeline.
func NewEngine(policy Policy, opts ...Option) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		policy: &policy,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.history = newCallHistory(callHistoryLimit)
	e.permissions = newPermissionChecker(&policy, e.now)
	e.risk = newRiskScorer(&policy, e.history)
	e.approvals = newApprovalGate(&policy, e.callback)
	e.isolation = newIsolationChecker(&policy)

	audit, err := newAuditLog(&policy, e.bus, e.logger, e.now)
	if err != nil {
		return nil, err
	}
	e.audit = audit
	return e, nil
}

// CheckToolCall runs the full pipeline for one prospective tool call.
// The context bounds the approval wait; cancelling it denies the call.
func (e *Engine) CheckToolCall(ctx context.Context, toolName string, input map[string]interface{}, id CallContext) Verdict {
	var pipelineBroken bool

	perm := e.permissions.Check(toolName, input)
	e.recordOr(&pipelineBroken, id, AuditEvent{
		EventType: AuditPermissionCheck,
		ToolName:  toolName,
		Decision:  decisionWord(perm.Allowed),
		Reason:    perm.Reason,
		Metadata:  map[string]interface{}{"rule": perm.Rule},
	})
	if !perm.Allowed {
		e.blocked(id, toolName, perm.Reason, Assessment{}, input)
		return Verdict{Reason: perm.Reason}
	}

	risk := e.risk.Assess(toolName, input)
	e.recordOr(&pipelineBroken, id, AuditEvent{
		EventType: AuditRiskAssessment,
		ToolName:  toolName,
		RiskLevel: string(risk.Level),
		RiskScore: risk.Score,
		Context:   map[string]interface{}{"reasons": risk.Reasons},
	})

	verdict := Verdict{Allowed: true, Risk: risk}
	if e.approvals.required(toolName, risk) {
		verdict.ApprovalRequested = true
		req := ApprovalRequest{
			ID:          uuid.NewString(),
			ToolName:    toolName,
			Input:       e.audit.redactor.redactMap(input),
			Risk:        risk,
			Actor:       id.Actor,
			SessionID:   id.SessionID,
			NodeID:      id.NodeID,
			RequestedAt: e.now(),
		}
		e.recordOr(&pipelineBroken, id, AuditEvent{
			EventType: AuditApprovalRequested,
			ToolName:  toolName,
			RiskLevel: string(risk.Level),
			RiskScore: risk.Score,
			Metadata:  map[string]interface{}{"approval_id": req.ID},
		})
		approved, reason := e.approvals.decide(ctx, req)
		e.recordOr(&pipelineBroken, id, AuditEvent{
			EventType: AuditApprovalResolved,
			ToolName:  toolName,
			Decision:  decisionWord(approved),
			Reason:    reason,
			RiskLevel: string(risk.Level),
			Metadata:  map[string]interface{}{"approval_id": req.ID},
		})
		if !approved {
			e.blocked(id, toolName, reason, risk, input)
			return Verdict{Reason: reason, Risk: risk, ApprovalRequested: true}
		}
	}

	// Audit is part of the contract: if the trail cannot be written, a
	// fail-closed policy blocks the call rather than running it unrecorded.
	if pipelineBroken && e.policy.FailClosed {
		const reason = "guardrail pipeline error"
		e.blocked(id, toolName, reason, risk, input)
		return Verdict{Reason: reason, Risk: risk, ApprovalRequested: verdict.ApprovalRequested}
	}

	e.approvals.markSeen(toolName)
	e.history.record(toolName)
	return verdict
}

// CheckMemoryAccess applies the data-isolation rules to one memory key.
// ownerSessionID and accessorSessionID differ on cross-session access.
// Denials and cross-session reads are audited; the same-session allowed
// path is not, to keep the trail proportionate.
func (e *Engine) CheckMemoryAccess(key, ownerSessionID, accessorSessionID string, id CallContext) Decision {
	decision := e.isolation.Check(key, ownerSessionID, accessorSessionID)
	crossSession := ownerSessionID != "" && accessorSessionID != "" && ownerSessionID != accessorSessionID
	if !decision.Allowed || crossSession {
		err := e.record(id, AuditEvent{
			EventType: AuditMemoryAccess,
			Decision:  decisionWord(decision.Allowed),
			Reason:    decision.Reason,
			Context: map[string]interface{}{
				"key":           key,
				"owner_session": ownerSessionID,
			},
		})
		if err != nil && e.policy.FailClosed {
			return deny("pipeline_error", "guardrail pipeline error")
		}
	}
	return decision
}

// AuditEvents returns a snapshot of the in-memory audit ring, oldest
// first.
func (e *Engine) AuditEvents() []AuditEvent { return e.audit.Events() }

// PendingApprovals reports how many approval requests are waiting on
// the callback.
func (e *Engine) PendingApprovals() int { return e.approvals.pendingCount() }

// Close releases the audit file sink, if any.
func (e *Engine) Close() error { return e.audit.Close() }

func (e *Engine) record(id CallContext, ev AuditEvent) error {
	ev.Actor = id.Actor
	ev.SessionID = id.SessionID
	ev.AgentID = id.AgentID
	ev.ExecutionID = id.ExecutionID
	ev.NodeID = id.NodeID
	if err := e.audit.Record(ev); err != nil {
		e.logger.Error("audit record failed", "event_type", ev.EventType, "error", err)
		// The ring still works when the file sink fails, so the error
		// itself leaves a trace.
		_ = e.audit.Record(AuditEvent{
			EventType: AuditPipelineError,
			Reason:    err.Error(),
			Actor:     id.Actor,
			SessionID: id.SessionID,
		})
		return err
	}
	return nil
}

func (e *Engine) recordOr(broken *bool, id CallContext, ev AuditEvent) {
	if err := e.record(id, ev); err != nil {
		*broken = true
	}
}

func (e *Engine) blocked(id CallContext, toolName, reason string, risk Assessment, input map[string]interface{}) {
	_ = e.record(id, AuditEvent{
		EventType: AuditToolBlocked,
		ToolName:  toolName,
		Decision:  "denied",
		Reason:    reason,
		RiskLevel: string(risk.Level),
		RiskScore: risk.Score,
		Context:   map[string]interface{}{"input": input},
	})
}

func (e *Engine) executed(id CallContext, req tool.Request, res tool.Result, elapsed time.Duration, verdict Verdict) {
	outcome := "ok"
	if res.IsError {
		outcome = "error"
	}
	_ = e.record(id, AuditEvent{
		EventType:  AuditToolExecuted,
		ToolName:   req.ToolName,
		Decision:   outcome,
		RiskLevel:  string(verdict.Risk.Level),
		RiskScore:  verdict.Risk.Score,
		DurationMS: elapsed.Milliseconds(),
	})
}

func decisionWord(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

// GuardedExecutor is a tool.Executor that runs every request through
// the pipeline before dispatching to the wrapped executor. Denied calls
// come back as error results so the model can change course instead of
// the run aborting.
type GuardedExecutor struct {
	engine *Engine
	inner  tool.Executor
	id     CallContext
}

// Wrap puts the engine in front of an executor for the given caller.
func (e *Engine) Wrap(inner tool.Executor, id CallContext) *GuardedExecutor {
	return &GuardedExecutor{engine: e, inner: inner, id: id}
}

// WithNode returns a copy of the executor attributed to nodeID.
func (g *GuardedExecutor) WithNode(nodeID string) *GuardedExecutor {
	id := g.id
	id.NodeID = nodeID
	return &GuardedExecutor{engine: g.engine, inner: g.inner, id: id}
}

// Execute checks the call, then either returns the block as an error
// result or runs the inner executor and audits the execution.
func (g *GuardedExecutor) Execute(ctx context.Context, req tool.Request) tool.Result {
	verdict := g.engine.CheckToolCall(ctx, req.ToolName, req.Input, g.id)
	if !verdict.Allowed {
		return tool.Result{
			ToolUseID: req.ToolUseID,
			Content:   "blocked by guardrail: " + verdict.Reason,
			IsError:   true,
		}
	}
	start := g.engine.now()
	res := g.inner.Execute(ctx, req)
	g.engine.executed(g.id, req, res, g.engine.now().Sub(start), verdict)
	return res
}
