package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Samir-atra/hive-fork-sub000/graph/episodic"
	"github.com/Samir-atra/hive-fork-sub000/graph/event"
	"github.com/Samir-atra/hive-fork-sub000/graph/guard"
	"github.com/Samir-atra/hive-fork-sub000/graph/model"
	"github.com/Samir-atra/hive-fork-sub000/graph/session"
	"github.com/Samir-atra/hive-fork-sub000/graph/tool"
	"github.com/Samir-atra/hive-fork-sub000/graph/trace"
)

// Handler executes a function node. Outputs are written through the
// NodeContext's scoped memory; they stay staged until the attempt
// succeeds. A non-nil error fails the attempt with the error's kind
// (unclassified errors count as tool errors) and is subject to the
// node's retry policy.
type Handler func(ctx context.Context, nc *NodeContext) error

// NodeContext is what a Handler sees of the running graph: the node
// under execution, the goal, a snapshot of the declared inputs, a
// memory view restricted to the node's input and output keys, and an
// Editor for rewriting the graph's topology mid-run.
type NodeContext struct {
	Node      Node
	Goal      Goal
	Memory    *ScopedMemory
	Inputs    map[string]interface{}
	RunID     string
	SessionID string
	BranchID  string
	Logger    *slog.Logger
	Editor    *GraphEditor
}

// GraphEditor rewrites the running graph's topology from inside a
// handler. Each applied change is recorded in the execution trace and
// takes effect before the current node's outgoing edges are evaluated.
// Edits are rejected inside parallel branches. Unlike memory writes,
// topology changes are not staged: an edit made by an attempt that
// later fails stays applied.
type GraphEditor struct {
	r      *run
	branch string
}

// AddNode declares a new node in the running graph.
func (ed *GraphEditor) AddNode(n Node) error {
	if err := ed.editable(); err != nil {
		return err
	}
	if err := ed.r.graph.AddNode(n); err != nil {
		return err
	}
	ed.record(trace.MutationAddNode, n.ID, "", "")
	return nil
}

// RemoveNode deletes a node and every edge touching it. The entry node,
// terminal nodes, and already-visited nodes cannot be removed.
func (ed *GraphEditor) RemoveNode(id string) error {
	if err := ed.editable(); err != nil {
		return err
	}
	if ed.r.visited(id) {
		return NewError(KindInvalidSpec, "graph %s: cannot remove visited node %q", ed.r.graph.ID, id)
	}
	if err := ed.r.graph.RemoveNode(id); err != nil {
		return err
	}
	ed.record(trace.MutationRemoveNode, id, "", "")
	return nil
}

// AddEdge declares a new edge between existing nodes.
func (ed *GraphEditor) AddEdge(e Edge) error {
	if err := ed.editable(); err != nil {
		return err
	}
	if err := ed.r.graph.AddEdge(e); err != nil {
		return err
	}
	ed.record(trace.MutationAddEdge, "", e.From, e.To)
	return nil
}

// RemoveEdge deletes the first edge matching from->to.
func (ed *GraphEditor) RemoveEdge(from, to string) error {
	if err := ed.editable(); err != nil {
		return err
	}
	if err := ed.r.graph.RemoveEdge(from, to); err != nil {
		return err
	}
	ed.record(trace.MutationRemoveEdge, "", from, to)
	return nil
}

// SetEntry changes the entry node used by later entry-point resolution.
func (ed *GraphEditor) SetEntry(id string) error {
	if err := ed.editable(); err != nil {
		return err
	}
	if err := ed.r.graph.SetEntry(id); err != nil {
		return err
	}
	ed.record(trace.MutationSetEntry, id, "", "")
	return nil
}

func (ed *GraphEditor) editable() error {
	if ed.branch != "" {
		return NewError(KindInvalidSpec, "graph %s: topology edits are not permitted inside parallel branches", ed.r.graph.ID)
	}
	return nil
}

func (ed *GraphEditor) record(kind trace.MutationKind, nodeID, from, to string) {
	ed.r.rec.RecordMutation(kind, nodeID, from, to, "")
	ed.r.log.Info("graph mutated", "kind", string(kind), "node_id", nodeID, "from", from, "to", to)
}

// Executor runs goal graphs. It holds configuration only, no per-run
// state; one Executor may serve many concurrent runs.
type Executor struct {
	provider      model.Provider
	tools         *tool.Registry
	guardEngine   *guard.Engine
	bus           *event.Bus
	sessions      session.Store
	conversations *session.Conversations
	episodes      *episodic.Writer
	traceStore    trace.Store
	traceConfig   trace.Config
	traceSink     trace.Sink
	metrics       *Metrics
	logger        *slog.Logger
	handlers      map[NodeType]Handler
	now           func() time.Time
	llmTimeout    time.Duration
	toolTimeout   time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration
	cancelCheck   func() bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewExecutor builds an Executor from functional options. An executor
// without a provider can still run graphs made purely of function nodes.
func NewExecutor(opts ...ExecutorOption) (*Executor, error) {
	ex := &Executor{
		sessions:    session.NewMemoryStore(),
		traceConfig: trace.DefaultConfig(),
		logger:      slog.Default(),
		handlers:    make(map[NodeType]Handler),
		now:         time.Now,
		llmTimeout:  DefaultLLMTimeout,
		toolTimeout: DefaultToolTimeout,
		backoffBase: DefaultRetryBaseDelay,
		backoffMax:  DefaultRetryMaxDelay,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(ex)
	}
	if ex.backoffBase <= 0 || ex.backoffMax < ex.backoffBase {
		return nil, NewError(KindInvalidSpec, "retry backoff misconfigured: base %v, max %v", ex.backoffBase, ex.backoffMax)
	}
	return ex, nil
}

// RunOptions tunes a single Run call.
type RunOptions struct {
	// EntryPoint selects a named alternate entry. Empty uses the graph's
	// entry_node.
	EntryPoint string

	// SessionID names the session this run persists under. Empty mints
	// a fresh ID. Run never resumes; see Resume.
	SessionID string

	// InitialMemory seeds shared memory before the first node executes.
	InitialMemory map[string]interface{}

	// Actor identifies who or what initiated the run. It reaches the
	// guardrail engine, the trace, and captured episodes.
	Actor string
}

// RunResult summarizes a finished, failed, or paused run.
type RunResult struct {
	RunID     string
	SessionID string
	TraceID   string

	// Success reports whether the run ended at a terminal node with a
	// succeeding outcome. Paused runs report false with PausedAt set.
	Success  bool
	Error    string
	PausedAt string

	// Output holds the declared outputs of the terminal node the run
	// finished at.
	Output map[string]interface{}

	// Memory is the final shared-memory snapshot.
	Memory map[string]interface{}

	Steps        int
	InputTokens  int
	OutputTokens int
	CostUSD      float64

	Trace *trace.ExecutionTrace
}

// Run executes g from its entry node until a terminal node, a pause, or
// a failure. The result is non-nil whenever the run actually started;
// the error carries the failure, or ErrRunPaused when the graph reached
// a pause node with nowhere to go.
func (ex *Executor) Run(ctx context.Context, g *Graph, goal Goal, opts RunOptions) (*RunResult, error) {
	if g == nil {
		return nil, NewError(KindInvalidSpec, "nil graph")
	}
	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	if goal.ID != "" {
		if err := goal.Validate(); err != nil {
			return nil, err
		}
	}
	entry, err := g.ResolveEntry(opts.EntryPoint)
	if err != nil {
		return nil, err
	}

	now := ex.now()
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = session.NewID(now)
	}
	st := &session.State{
		SessionID:       sessionID,
		GoalID:          goal.ID,
		GraphID:         g.ID,
		GoalName:        goal.Name,
		GoalDescription: goal.Description,
		Actor:           opts.Actor,
		Status:          session.StatusActive,
		Timestamps:      session.Timestamps{StartedAt: now, UpdatedAt: now},
	}
	r := ex.newRun(g, goal, opts.Actor, st, "", NewMemory(opts.InitialMemory), entry)
	return ex.execute(ctx, r, entry)
}

// Resume continues a paused session. The paused node executes again (its
// pre-pause attempt went nowhere, or the run would not have paused) with
// memory restored from the session snapshot, under a fresh run and trace
// ID; the new trace links back through prior_run_id. Callers that need
// to hand the paused graph new facts update the session's memory
// snapshot before resuming.
func (ex *Executor) Resume(ctx context.Context, g *Graph, sessionID string) (*RunResult, error) {
	if g == nil {
		return nil, NewError(KindInvalidSpec, "nil graph")
	}
	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	st, err := ex.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, WrapError(KindStorageError, err, "load session %s", sessionID)
	}
	if st.Status != session.StatusPaused {
		return nil, NewError(KindInvalidSpec, "session %s is %s; only paused sessions resume", sessionID, st.Status)
	}
	entry := st.CurrentNodeID
	if entry == "" {
		return nil, NewError(KindInvalidSpec, "session %s has no current node to resume from", sessionID)
	}
	if _, ok := g.NodeByID(entry); !ok {
		return nil, NewError(KindInvalidSpec, "graph %s has no node %q to resume at", g.ID, entry)
	}

	goal := Goal{ID: st.GoalID, Name: st.GoalName, Description: st.GoalDescription}
	priorRunID := st.RunID
	st.Status = session.StatusActive
	st.Result = session.Result{}
	st.Timestamps.CompletedAt = nil

	r := ex.newRun(g, goal, st.Actor, st, priorRunID, NewMemory(st.MemorySnapshot), entry)
	r.log.Info("run resumed", "prior_run_id", priorRunID, "entry_node", entry)
	return ex.execute(ctx, r, entry)
}

// run is the mutable state of one graph execution, shared by the step
// loop and any parallel branches.
type run struct {
	ex    *Executor
	graph *Graph
	goal  Goal

	runID string
	actor string

	mem     *Memory
	rec     *trace.Recorder
	state   *session.State
	cost    *CostTracker
	conv    *session.Conversation
	guarded *guard.GuardedExecutor
	log     *slog.Logger

	maxIterations       int
	maxHistoryTokens    int
	maxToolCallsPerTurn int

	commitMu sync.Mutex // serializes branch commits into shared memory
	statsMu  sync.Mutex // guards entered, history, and session progress
	entered  map[string]int
	history  []model.Message
}

func (ex *Executor) newRun(g *Graph, goal Goal, actor string, st *session.State, priorRunID string, mem *Memory, entry string) *run {
	runID := newRunID()
	st.RunID = runID

	recOpts := []trace.RecorderOption{trace.WithClock(ex.now)}
	if ex.traceSink != nil {
		recOpts = append(recOpts, trace.WithSink(ex.traceSink))
	}
	rec := trace.NewRecorder(ex.traceConfig, trace.RunInfo{
		RunID:      runID,
		PriorRunID: priorRunID,
		SessionID:  st.SessionID,
		AgentID:    actor,
		GoalID:     goal.ID,
		GraphID:    g.ID,
		EntryNode:  entry,
	}, recOpts...)
	st.TraceID = rec.TraceID()

	r := &run{
		ex:                  ex,
		graph:               g,
		goal:                goal,
		runID:               runID,
		actor:               actor,
		mem:                 mem,
		rec:                 rec,
		state:               st,
		cost:                NewCostTracker(runID),
		log:                 ex.logger.With("run_id", runID, "session_id", st.SessionID),
		entered:             make(map[string]int),
		maxIterations:       g.LoopConfig.MaxIterations,
		maxHistoryTokens:    g.LoopConfig.MaxHistoryTokens,
		maxToolCallsPerTurn: g.LoopConfig.MaxToolCallsPerTurn,
	}
	if r.maxIterations <= 0 {
		r.maxIterations = DefaultMaxIterations
	}
	if r.maxHistoryTokens <= 0 {
		r.maxHistoryTokens = DefaultMaxHistoryTokens
	}
	if r.maxToolCallsPerTurn <= 0 {
		r.maxToolCallsPerTurn = DefaultMaxToolCallsPerTurn
	}
	if ex.guardEngine != nil && ex.tools != nil {
		r.guarded = ex.guardEngine.Wrap(ex.tools, guard.CallContext{
			Actor:       actor,
			SessionID:   st.SessionID,
			AgentID:     actor,
			ExecutionID: runID,
		})
	}
	if ex.conversations != nil {
		conv, err := ex.conversations.Open(st.SessionID)
		if err != nil {
			r.log.Warn("conversation open failed", "error", err)
		} else {
			r.conv = conv
		}
	}
	return r
}

// execute drives the step loop: pop a node, run it, persist the session,
// pick its successors, repeat. The frontier holds exactly one node except
// after a fan-out whose branches diverged instead of converging; those
// continuations execute in branch declaration order.
func (ex *Executor) execute(ctx context.Context, r *run, entry string) (*RunResult, error) {
	ex.metrics.RunStarted()
	r.publish(event.RunStarted, "", map[string]interface{}{
		"goal_id":    r.goal.ID,
		"graph_id":   r.graph.ID,
		"entry_node": entry,
	})
	r.log.Info("run started", "graph_id", r.graph.ID, "goal_id", r.goal.ID, "entry_node", entry)

	if err := r.persistSession(ctx); err != nil {
		return r.failRun(ctx, err, 0)
	}

	frontier := []string{entry}
	steps := 0
	var final *nodeOutcome
	var runErr error

runLoop:
	for len(frontier) > 0 {
		if err := r.checkCancel(ctx); err != nil {
			runErr = err
			break
		}
		nodeID := frontier[0]
		frontier = frontier[1:]

		steps++
		if steps > r.maxIterations {
			runErr = NewError(KindLoopBoundExceeded, "run exceeded max_iterations (%d)", r.maxIterations)
			break
		}
		node, ok := r.graph.NodeByID(nodeID)
		if !ok {
			runErr = NewError(KindInvalidSpec, "routed to undeclared node %q", nodeID)
			break
		}

		out := r.executeNode(ctx, node, "")
		r.state.CurrentNodeID = node.ID
		if err := r.persistSession(ctx); err != nil {
			runErr = err
			break
		}
		if out.err != nil && IsKind(out.err, KindCancelled) {
			runErr = out.err
			break
		}

		rt, err := r.routeFrom(node, out.success, true, "")
		if err != nil {
			runErr = err
			break
		}
		switch rt.kind {
		case routeFinish:
			final = out
		case routePause:
			return r.finishPaused(ctx, node.ID, steps)
		case routeNext:
			frontier = append(frontier, rt.next)
		case routeFanout:
			fr, fanSteps, ferr := r.fanOut(ctx, node, rt.branches)
			steps += fanSteps
			if ferr != nil {
				runErr = ferr
				break runLoop
			}
			if err := r.persistSession(ctx); err != nil {
				runErr = err
				break runLoop
			}
			if fr.pausedAt != "" {
				return r.finishPaused(ctx, fr.pausedAt, steps)
			}
			if fr.finished != nil {
				final = fr.finished
			}
			frontier = append(frontier, fr.conts...)
		}
	}

	if runErr != nil {
		return r.failRun(ctx, runErr, steps)
	}
	if final == nil {
		return r.failRun(ctx, NewError(KindNoEligibleEdge, "run drained without reaching a terminal node"), steps)
	}
	return r.finishCompleted(ctx, final, steps)
}

// nodeOutcome is the step loop's view of a completed node visit.
type nodeOutcome struct {
	nodeID  string
	success bool
	err     error
	outputs map[string]interface{}
}

// attemptResult accumulates the observable side of node attempts: tools
// invoked, tokens consumed, and (on panic) the captured stack.
type attemptResult struct {
	toolsCalled  []string
	inputTokens  int
	outputTokens int
	stack        string
}

// executeNode runs one node visit end to end: visit accounting, the
// retry loop, the trace boundary records, metrics, events, and episode
// capture. Every visit yields exactly one StartNode/CompleteNode pair
// and one episode, however many attempts it took.
func (r *run) executeNode(ctx context.Context, node Node, branch string) *nodeOutcome {
	r.statsMu.Lock()
	r.entered[node.ID]++
	entries := r.entered[node.ID]
	r.statsMu.Unlock()

	inputs := r.declaredInputs(node)
	r.rec.StartNode(node.ID, node.Name, 1, branch, inputs)
	started := map[string]interface{}{"node_type": string(node.Type)}
	if branch != "" {
		started["branch_id"] = branch
	}
	r.publish(event.NodeStarted, node.ID, started)
	start := r.ex.now()

	var (
		err     error
		outputs map[string]interface{}
		usage   attemptResult
	)
	if node.MaxNodeVisits > 0 && entries > node.MaxNodeVisits {
		err = NewError(KindNodeVisitLimitReached, "node %s entered %d times (max_node_visits %d)", node.ID, entries, node.MaxNodeVisits)
	} else {
		outputs, usage, err = r.runAttempts(ctx, node, inputs, branch)
	}

	latency := r.ex.now().Sub(start)
	oc := trace.NodeOutcome{
		Outputs:      outputs,
		Success:      err == nil,
		InputTokens:  usage.inputTokens,
		OutputTokens: usage.outputTokens,
		ToolCalls:    usage.toolsCalled,
		Stacktrace:   usage.stack,
	}
	status := "success"
	if err != nil {
		status = "failure"
		oc.Error = err.Error()
		oc.ErrorKind = string(KindOf(err))
	}
	r.rec.CompleteNode(node.ID, oc)
	r.ex.metrics.ObserveNode(node.ID, latency, status)
	r.noteProgress(node.ID, err == nil, latency, usage.inputTokens+usage.outputTokens)

	completed := map[string]interface{}{"success": err == nil, "latency_ms": latency.Milliseconds()}
	if branch != "" {
		completed["branch_id"] = branch
	}
	if err != nil {
		completed["error"] = err.Error()
		completed["error_kind"] = string(KindOf(err))
		r.log.Warn("node failed", "node_id", node.ID, "kind", KindOf(err), "error", err)
	}
	r.publish(event.NodeCompleted, node.ID, completed)
	r.captureEpisode(ctx, node, inputs)

	return &nodeOutcome{nodeID: node.ID, success: err == nil, err: err, outputs: outputs}
}

// runAttempts drives the attempt/retry loop for one visit. Each attempt
// writes through a fresh staged overlay: success commits it, failure
// discards it, so retries always start from the last committed state.
// Output-contract violations re-run the node up to max_validation_retries
// times with no backoff; kinds listed in retry_on re-run it up to
// max_retries times behind exponential backoff with jitter.
func (r *run) runAttempts(ctx context.Context, node Node, inputs map[string]interface{}, branch string) (map[string]interface{}, attemptResult, error) {
	var usage attemptResult
	attempt := 1
	retries := 0
	validations := 0
	for {
		staged := NewStaged(r.mem)
		res, err := r.attemptNode(ctx, node, staged, inputs, branch)
		usage.toolsCalled = append(usage.toolsCalled, res.toolsCalled...)
		usage.inputTokens += res.inputTokens
		usage.outputTokens += res.outputTokens
		if res.stack != "" {
			usage.stack = res.stack
		}
		if err == nil {
			r.commitMu.Lock()
			cerr := staged.Commit()
			r.commitMu.Unlock()
			if cerr != nil {
				return nil, usage, WrapError(KindMemoryWriteError, cerr, "node %s: commit failed", node.ID)
			}
			return r.collectOutputs(node), usage, nil
		}
		staged.Discard()

		kind := KindOf(err)
		var backoff time.Duration
		switch {
		case kind == KindCancelled:
			return nil, usage, err
		case kind == KindOutputContractViolation && validations < node.MaxValidationRetries:
			validations++
		case node.retryableOn(kind) && retries < node.MaxRetries:
			backoff = r.ex.backoffDelay(retries)
			retries++
		default:
			return nil, usage, err
		}
		r.rec.RecordRetry(node.ID, attempt, string(kind), backoff)
		r.ex.metrics.IncRetry(node.ID, string(kind))
		r.log.Info("retrying node", "node_id", node.ID, "attempt", attempt, "kind", kind, "backoff", backoff)
		if backoff > 0 {
			if serr := sleepCtx(ctx, backoff); serr != nil {
				return nil, usage, WrapError(KindCancelled, ErrCancelled, "node %s: cancelled during retry backoff", node.ID)
			}
		}
		attempt++
	}
}

// attemptNode performs one attempt: dispatch by node type, then the
// output-contract check against the staged view. Handler panics become
// tool errors with the stack preserved for the trace.
func (r *run) attemptNode(ctx context.Context, node Node, staged *Staged, inputs map[string]interface{}, branch string) (res attemptResult, err error) {
	scoped := staged.WithPermissions(node.InputKeys, node.OutputKeys)
	defer func() {
		if p := recover(); p != nil {
			res.stack = string(debug.Stack())
			err = NewError(KindToolError, "node %s: handler panicked: %v", node.ID, p)
		}
	}()

	switch node.Type {
	case NodeLLMGenerate:
		res, err = r.llmTurn(ctx, node, scoped, false)
	case NodeLLMToolUse, NodeEventLoop:
		res, err = r.llmTurn(ctx, node, scoped, true)
	default:
		h, ok := r.ex.handlers[node.Type]
		if !ok {
			return res, NewError(KindInvalidSpec, "node %s: no handler registered for node type %q", node.ID, node.Type)
		}
		nc := &NodeContext{
			Node:      node,
			Goal:      r.goal,
			Memory:    scoped,
			Inputs:    inputs,
			RunID:     r.runID,
			SessionID: r.state.SessionID,
			BranchID:  branch,
			Logger:    r.log,
			Editor:    &GraphEditor{r: r, branch: branch},
		}
		if herr := h(ctx, nc); herr != nil {
			err = classifyHandlerErr(node.ID, herr)
		}
	}
	if err != nil {
		return res, err
	}

	if missing := missingOutputs(node, scoped); len(missing) > 0 {
		return res, NewError(KindOutputContractViolation, "node %s: missing required outputs: %s", node.ID, strings.Join(missing, ", "))
	}
	return res, nil
}

// routeKind is what the edge evaluation decided to do next.
type routeKind int

const (
	routeNext routeKind = iota
	routeFinish
	routePause
	routeFanout
)

type branchTarget struct {
	edge     Edge
	index    int // position among the source's outgoing edges
	observed interface{}
}

type routing struct {
	kind     routeKind
	next     string
	branches []branchTarget
}

// routeFrom picks the successors of node after an outcome. Eligible
// edges compete by descending priority, declaration order breaking
// ties. A winning tier of two or more edges, all Parallel, fans out;
// branch continuations pass allowFanout=false so nested fan-out cannot
// form. A negative-priority edge whose target has exhausted its visit
// bound is skipped; when every eligible edge is such a back-edge the
// run stops with LoopBoundExceeded.
func (r *run) routeFrom(node Node, succeeded bool, allowFanout bool, branch string) (routing, error) {
	out := r.graph.OutgoingEdges(node.ID)
	elig := make([]branchTarget, 0, len(out))
	for i, e := range out {
		if !allowFanout && e.Parallel {
			continue
		}
		ok, observed, err := e.eligible(succeeded, r.mem)
		if err != nil {
			r.log.Warn("edge condition failed to evaluate", "from", e.From, "to", e.To, "error", err)
			continue
		}
		if ok {
			elig = append(elig, branchTarget{edge: e, index: i, observed: observed})
		}
	}
	if len(elig) == 0 {
		if r.graph.IsTerminal(node.ID) {
			return routing{kind: routeFinish}, nil
		}
		if r.graph.IsPause(node.ID) {
			return routing{kind: routePause}, nil
		}
		return routing{}, NewError(KindNoEligibleEdge, "node %s: no eligible outgoing edge", node.ID)
	}

	sort.SliceStable(elig, func(i, j int) bool { return elig[i].edge.Priority > elig[j].edge.Priority })

	if allowFanout {
		tier := 1
		for tier < len(elig) && elig[tier].edge.Priority == elig[0].edge.Priority {
			tier++
		}
		if tier > 1 {
			all := true
			for _, c := range elig[:tier] {
				if !c.edge.Parallel {
					all = false
					break
				}
			}
			if all {
				return routing{kind: routeFanout, branches: elig[:tier]}, nil
			}
		}
	}

	for _, c := range elig {
		if c.edge.Priority < 0 && r.visitsExhausted(c.edge.To) {
			continue
		}
		r.rec.RecordEdge(c.edge.From, c.edge.To, string(c.edge.Condition), c.edge.ConditionExpr, c.observed, false, branch)
		return routing{kind: routeNext, next: c.edge.To}, nil
	}
	return routing{}, NewError(KindLoopBoundExceeded, "node %s: every eligible edge loops back to a visit-exhausted node", node.ID)
}

// fanResult is the join outcome of one fan-out: deduplicated downstream
// continuations plus any terminal or pause reached inside a branch.
type fanResult struct {
	conts    []string
	finished *nodeOutcome
	pausedAt string
}

// fanOut runs the winning parallel tier concurrently and joins every
// branch before any downstream edge is evaluated. Branches stage their
// writes privately; commits serialize through the run's commit lock, so
// interleaving is at key granularity, never partial-value.
func (r *run) fanOut(ctx context.Context, source Node, branches []branchTarget) (fanResult, int, error) {
	targets := make([]Node, len(branches))
	ids := make([]string, len(branches))
	for i, b := range branches {
		node, ok := r.graph.NodeByID(b.edge.To)
		if !ok {
			return fanResult{}, 0, NewError(KindInvalidSpec, "routed to undeclared node %q", b.edge.To)
		}
		targets[i] = node
		ids[i] = branchID(source.ID, b.index)
		r.rec.RecordEdge(b.edge.From, b.edge.To, string(b.edge.Condition), b.edge.ConditionExpr, b.observed, true, ids[i])
	}

	outcomes := make([]*nodeOutcome, len(branches))
	var eg errgroup.Group
	for i := range branches {
		eg.Go(func() error {
			outcomes[i] = r.executeNode(ctx, targets[i], ids[i])
			return nil
		})
	}
	_ = eg.Wait()
	steps := len(branches)

	var res fanResult
	seen := make(map[string]bool)
	for i, b := range branches {
		out := outcomes[i]
		if out.err != nil && IsKind(out.err, KindCancelled) {
			return res, steps, out.err
		}
		rt, err := r.routeFrom(targets[i], out.success, false, ids[i])
		if err != nil {
			return res, steps, err
		}
		switch rt.kind {
		case routeFinish:
			res.finished = out
		case routePause:
			res.pausedAt = b.edge.To
			return res, steps, nil
		case routeNext:
			if !seen[rt.next] {
				seen[rt.next] = true
				res.conts = append(res.conts, rt.next)
			}
		}
	}
	return res, steps, nil
}

// finishCompleted closes out a run that reached a terminal node, with
// either outcome. Persistence failures at this point are reported on the
// error return while the result still carries the completed work.
func (r *run) finishCompleted(ctx context.Context, final *nodeOutcome, steps int) (*RunResult, error) {
	ctx = context.WithoutCancel(ctx)
	errMsg := ""
	if final.err != nil {
		errMsg = final.err.Error()
	}
	r.state.MarkCompleted(r.ex.now(), final.success)
	r.state.Result = session.Result{Success: final.success, Output: final.outputs, Error: errMsg}
	persistErr := r.persistSession(ctx)

	r.rec.EndRun(final.success, errMsg)
	tr := r.rec.GetTrace()
	r.saveTrace(ctx, tr)

	status := "completed"
	if !final.success {
		status = "failed"
	}
	r.ex.metrics.RunEnded(status)
	r.publish(event.RunCompleted, final.nodeID, map[string]interface{}{
		"success":  final.success,
		"status":   status,
		"steps":    steps,
		"cost_usd": tr.CostUSD,
	})
	r.log.Info("run finished", "success", final.success, "steps", steps, "duration_ms", tr.DurationMS, "cost_usd", tr.CostUSD)

	res := r.result(tr, steps)
	res.Success = final.success
	res.Error = errMsg
	res.Output = final.outputs
	if persistErr != nil {
		return res, persistErr
	}
	if !final.success {
		return res, final.err
	}
	return res, nil
}

// failRun closes out a run that stopped for a run-level reason: no
// eligible edge, loop bound, storage exhaustion, or cancellation.
func (r *run) failRun(ctx context.Context, runErr error, steps int) (*RunResult, error) {
	ctx = context.WithoutCancel(ctx)
	r.state.MarkCompleted(r.ex.now(), false)
	r.state.Result = session.Result{Success: false, Error: runErr.Error()}
	if err := r.persistSession(ctx); err != nil {
		r.log.Error("final session save failed", "error", err)
	}
	r.rec.EndRun(false, runErr.Error())
	tr := r.rec.GetTrace()
	r.saveTrace(ctx, tr)

	r.ex.metrics.RunEnded("failed")
	r.publish(event.RunCompleted, "", map[string]interface{}{
		"success": false,
		"status":  "failed",
		"steps":   steps,
		"error":   runErr.Error(),
	})
	r.log.Error("run failed", "error", runErr, "steps", steps)

	res := r.result(tr, steps)
	res.Error = runErr.Error()
	return res, runErr
}

// finishPaused persists the paused session and then closes the trace.
// The order matters: a pause that cannot be persisted cannot be resumed,
// so it degrades to a run failure.
func (r *run) finishPaused(ctx context.Context, nodeID string, steps int) (*RunResult, error) {
	ctx = context.WithoutCancel(ctx)
	r.state.Status = session.StatusPaused
	r.state.CurrentNodeID = nodeID
	if err := r.persistSession(ctx); err != nil {
		return r.failRun(ctx, err, steps)
	}
	r.rec.EndRun(true, "")
	tr := r.rec.GetTrace()
	r.saveTrace(ctx, tr)

	r.ex.metrics.RunEnded("paused")
	r.publish(event.RunCompleted, nodeID, map[string]interface{}{
		"status":    "paused",
		"paused_at": nodeID,
		"steps":     steps,
	})
	r.log.Info("run paused", "node_id", nodeID, "steps", steps)

	res := r.result(tr, steps)
	res.PausedAt = nodeID
	return res, ErrRunPaused
}

func (r *run) result(tr *trace.ExecutionTrace, steps int) *RunResult {
	return &RunResult{
		RunID:        r.runID,
		SessionID:    r.state.SessionID,
		TraceID:      tr.TraceID,
		Memory:       r.mem.ReadAll(),
		Steps:        steps,
		InputTokens:  tr.InputTokens,
		OutputTokens: tr.OutputTokens,
		CostUSD:      tr.CostUSD,
		Trace:        tr,
	}
}

// persistSession snapshots memory into the session document and saves
// it, retrying transient store failures before giving up with a
// StorageError.
func (r *run) persistSession(ctx context.Context) error {
	r.statsMu.Lock()
	r.state.Touch(r.ex.now())
	r.state.MemorySnapshot = r.mem.ReadAll()
	r.statsMu.Unlock()

	var err error
	for i := 0; i < storageAttempts; i++ {
		if i > 0 {
			if serr := sleepCtx(ctx, r.ex.backoffDelay(i-1)); serr != nil {
				return WrapError(KindCancelled, ErrCancelled, "cancelled while retrying session save")
			}
		}
		if err = r.ex.sessions.Save(ctx, r.state); err == nil {
			return nil
		}
		r.log.Warn("session save failed", "attempt", i+1, "error", err)
	}
	return WrapError(KindStorageError, err, "persist session %s", r.state.SessionID)
}

// saveTrace persists the trace with the same retry discipline as the
// session, but a trace that cannot be written only costs observability,
// so exhaustion logs instead of failing the run.
func (r *run) saveTrace(ctx context.Context, tr *trace.ExecutionTrace) {
	if r.ex.traceStore == nil {
		return
	}
	var err error
	for i := 0; i < storageAttempts; i++ {
		if i > 0 {
			if serr := sleepCtx(ctx, r.ex.backoffDelay(i-1)); serr != nil {
				break
			}
		}
		if err = r.ex.traceStore.Save(ctx, tr); err == nil {
			return
		}
	}
	r.log.Error("trace save failed", "trace_id", tr.TraceID, "error", err)
}

// captureEpisode records the node's final exit in episodic memory.
// Capture is best-effort: failures are logged, never surfaced.
func (r *run) captureEpisode(ctx context.Context, node Node, inputs map[string]interface{}) {
	if r.ex.episodes == nil {
		return
	}
	tr := r.rec.GetTrace()
	var rec *trace.NodeExecutionRecord
	for i := len(tr.Nodes) - 1; i >= 0; i-- {
		if tr.Nodes[i].NodeID == node.ID {
			rec = &tr.Nodes[i]
			break
		}
	}
	if rec == nil {
		return
	}
	if _, err := r.ex.episodes.CaptureExit(ctx, episodic.Capture{
		TraceID:      tr.TraceID,
		RunID:        r.runID,
		AgentID:      r.actor,
		GoalID:       r.goal.ID,
		GoalName:     r.goal.Name,
		Record:       *rec,
		SystemPrompt: node.SystemPrompt,
		Inputs:       inputs,
	}); err != nil {
		r.log.Warn("episode capture failed", "node_id", node.ID, "error", err)
	}
}

func (r *run) publish(typ event.Type, nodeID string, payload map[string]interface{}) {
	if r.ex.bus == nil {
		return
	}
	r.ex.bus.Publish(event.Event{
		Type:      typ,
		RunID:     r.runID,
		SessionID: r.state.SessionID,
		NodeID:    nodeID,
		Payload:   payload,
	})
}

func (r *run) noteProgress(nodeID string, success bool, latency time.Duration, tokens int) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	p := &r.state.Progress
	p.StepsExecuted++
	p.TotalLatencyMS += latency.Milliseconds()
	p.TotalTokens += tokens
	if !containsString(p.NodesExecuted, nodeID) {
		p.NodesExecuted = append(p.NodesExecuted, nodeID)
	}
	if !success && !containsString(p.NodesWithFailures, nodeID) {
		p.NodesWithFailures = append(p.NodesWithFailures, nodeID)
	}
}

// declaredInputs snapshots the node's input keys from committed memory.
func (r *run) declaredInputs(node Node) map[string]interface{} {
	if len(node.InputKeys) == 0 {
		return nil
	}
	in := make(map[string]interface{}, len(node.InputKeys))
	for _, k := range node.InputKeys {
		if v, ok := r.mem.Read(k); ok {
			in[k] = v
		}
	}
	return in
}

// collectOutputs snapshots the node's output keys after commit.
func (r *run) collectOutputs(node Node) map[string]interface{} {
	if len(node.OutputKeys) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(node.OutputKeys))
	for _, k := range node.OutputKeys {
		if v, ok := r.mem.Read(k); ok {
			out[k] = v
		}
	}
	return out
}

func (r *run) visitsExhausted(nodeID string) bool {
	node, ok := r.graph.NodeByID(nodeID)
	if !ok || node.MaxNodeVisits <= 0 {
		return false
	}
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.entered[nodeID] >= node.MaxNodeVisits
}

func (r *run) visited(nodeID string) bool {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.entered[nodeID] > 0
}

func (r *run) checkCancel(ctx context.Context) error {
	if ctx.Err() != nil {
		return WrapError(KindCancelled, ErrCancelled, "run cancelled")
	}
	if r.ex.cancelCheck != nil && r.ex.cancelCheck() {
		return WrapError(KindCancelled, ErrCancelled, "run cancelled by external check")
	}
	return nil
}

// missingOutputs lists required output keys not visible through the
// node's staged view.
func missingOutputs(node Node, view *ScopedMemory) []string {
	var missing []string
	for _, k := range node.RequiredOutputKeys() {
		if !view.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// classifyHandlerErr maps a handler's error to a framework kind,
// preserving an already-classified *Error as-is.
func classifyHandlerErr(nodeID string, err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return WrapError(KindCancelled, err, "node %s: cancelled", nodeID)
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(KindTimeout, err, "node %s: timed out", nodeID)
	}
	return WrapError(KindToolError, err, "node %s: handler failed", nodeID)
}

// backoffDelay returns the wait before the given zero-based retry: the
// base delay doubled per retry, capped at the max, plus up to one base
// of jitter.
func (ex *Executor) backoffDelay(retry int) time.Duration {
	d := ex.backoffBase
	for i := 0; i < retry && d < ex.backoffMax; i++ {
		d *= 2
	}
	if d > ex.backoffMax {
		d = ex.backoffMax
	}
	ex.rngMu.Lock()
	jitter := time.Duration(ex.rng.Int63n(int64(ex.backoffBase)))
	ex.rngMu.Unlock()
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newRunID() string {
	return "run_" + ulid.Make().String()
}

// branchID derives a stable branch identifier from the fan-out source
// and the edge's position among its outgoing edges.
func branchID(source string, index int) string {
	sum := sha256.Sum256([]byte(source + "#" + strconv.Itoa(index)))
	return hex.EncodeToString(sum[:8])
}
