package guard

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ApprovalRequest is handed to the approval callback when a tool call
// needs sign-off. Input is the redacted parameter set.
type ApprovalRequest struct {
	ID          string                 `json:"id"`
	ToolName    string                 `json:"tool_name"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Risk        Assessment             `json:"risk"`
	Actor       string                 `json:"actor,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	NodeID      string                 `json:"node_id,omitempty"`
	RequestedAt time.Time              `json:"requested_at"`
}

// ApprovalCallback decides a pending request. It is called once per
// request and awaited up to the policy timeout.
type ApprovalCallback func(ctx context.Context, req ApprovalRequest) (bool, error)

const maxPendingApprovals = 1000

type approvalGate struct {
	policy   *Policy
	callback ApprovalCallback

	mu      sync.Mutex
	seen    map[string]bool
	pending map[string]ApprovalRequest
}

func newApprovalGate(policy *Policy, callback ApprovalCallback) *approvalGate {
	return &approvalGate{
		policy:   policy,
		callback: callback,
		seen:     make(map[string]bool),
		pending:  make(map[string]ApprovalRequest),
	}
}

func (g *approvalGate) required(toolName string, risk Assessment) bool {
	if g.policy.AutoEscalateCritical && risk.Level == LevelCritical {
		return true
	}
	switch g.policy.ApprovalMode {
	case ApprovalAlways:
		return true
	case ApprovalFirstTime:
		g.mu.Lock()
		defer g.mu.Unlock()
		return !g.seen[toolName]
	case ApprovalThreshold:
		threshold := g.policy.RiskThresholdForApproval
		if threshold == "" {
			threshold = LevelHigh
		}
		return risk.Level.AtLeast(threshold)
	default:
		return false
	}
}

func (g *approvalGate) markSeen(toolName string) {
	g.mu.Lock()
	g.seen[toolName] = true
	g.mu.Unlock()
}

// decide blocks on the callback up to the policy timeout. A missing
// callback, a callback error, and a timeout all deny.
func (g *approvalGate) decide(ctx context.Context, req ApprovalRequest) (bool, string) {
	if g.callback == nil {
		return false, "approval required but no callback is configured"
	}

	g.mu.Lock()
	if len(g.pending) >= maxPendingApprovals {
		g.mu.Unlock()
		return false, "pending approval limit reached"
	}
	g.pending[req.ID] = req
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	timeout := time.Duration(g.policy.ApprovalTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		approved bool
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		approved, err := g.callback(ctx, req)
		ch <- outcome{approved: approved, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return false, fmt.Sprintf("approval callback failed: %v", out.err)
		}
		if !out.approved {
			return false, "approval denied"
		}
		return true, "approved"
	case <-ctx.Done():
		return false, "approval timed out"
	}
}

func (g *approvalGate) pendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
