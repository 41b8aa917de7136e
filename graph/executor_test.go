package graph_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Samir-atra/hive-fork-sub000/graph"
	"github.com/Samir-atra/hive-fork-sub000/graph/episodic"
	"github.com/Samir-atra/hive-fork-sub000/graph/episodic/vector"
	"github.com/Samir-atra/hive-fork-sub000/graph/event"
	"github.com/Samir-atra/hive-fork-sub000/graph/session"
	"github.com/Samir-atra/hive-fork-sub000/graph/trace"
)

// fastExecutor builds an executor with millisecond backoff so retry
// tests finish quickly.
func fastExecutor(t *testing.T, opts ...graph.ExecutorOption) *graph.Executor {
	t.Helper()
	base := []graph.ExecutorOption{
		graph.WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
	}
	ex, err := graph.NewExecutor(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return ex
}

// dispatchByID routes function nodes to per-node callbacks.
func dispatchByID(handlers map[string]graph.Handler) graph.Handler {
	return func(ctx context.Context, nc *graph.NodeContext) error {
		h, ok := handlers[nc.Node.ID]
		if !ok {
			return fmt.Errorf("no test handler for node %s", nc.Node.ID)
		}
		return h(ctx, nc)
	}
}

func TestRunTwoNodeSequence(t *testing.T) {
	g := &graph.Graph{
		ID: "pipeline",
		Nodes: []graph.Node{
			{ID: "double", Type: graph.NodeFunction, InputKeys: []string{"x"}, OutputKeys: []string{"y"}},
			{ID: "report", Type: graph.NodeFunction, InputKeys: []string{"y"}, OutputKeys: []string{"summary"}},
		},
		Edges: []graph.Edge{
			{From: "double", To: "report", Condition: graph.EdgeOnSuccess},
		},
		EntryNode:     "double",
		TerminalNodes: []string{"report"},
	}

	var order []string
	sessions := session.NewMemoryStore()
	ex := fastExecutor(t,
		graph.WithSessions(sessions),
		graph.WithHandler(graph.NodeFunction, dispatchByID(map[string]graph.Handler{
			"double": func(ctx context.Context, nc *graph.NodeContext) error {
				order = append(order, "double")
				x, ok := nc.Inputs["x"].(int)
				if !ok {
					return fmt.Errorf("input x missing or wrong type: %v", nc.Inputs["x"])
				}
				return nc.Memory.Write("y", x*2)
			},
			"report": func(ctx context.Context, nc *graph.NodeContext) error {
				order = append(order, "report")
				y, _ := nc.Memory.Read("y")
				return nc.Memory.Write("summary", fmt.Sprintf("y=%v", y))
			},
		})),
	)

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{
		InitialMemory: map[string]interface{}{"x": 42},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	if len(order) != 2 || order[0] != "double" || order[1] != "report" {
		t.Errorf("execution order = %v", order)
	}
	if res.Memory["y"] != 84 {
		t.Errorf("y = %v, want 84", res.Memory["y"])
	}
	if res.Output["summary"] != "y=84" {
		t.Errorf("output summary = %v", res.Output["summary"])
	}
	if res.Steps != 2 {
		t.Errorf("steps = %d, want 2", res.Steps)
	}
	if got := res.Trace.NodePath; len(got) != 2 || got[0] != "double" || got[1] != "report" {
		t.Errorf("trace node path = %v", got)
	}

	st, err := sessions.Load(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("Load session: %v", err)
	}
	if st.Status != session.StatusCompleted {
		t.Errorf("session status = %s, want completed", st.Status)
	}
	if !st.Result.Success {
		t.Error("session result not marked successful")
	}
	if st.Progress.StepsExecuted != 2 {
		t.Errorf("session steps = %d, want 2", st.Progress.StepsExecuted)
	}
	if st.MemorySnapshot["y"] != 84 {
		t.Errorf("session memory snapshot y = %v", st.MemorySnapshot["y"])
	}
}

func TestRunConditionalBranch(t *testing.T) {
	build := func() *graph.Graph {
		return &graph.Graph{
			ID: "triage",
			Nodes: []graph.Node{
				{ID: "assess", Type: graph.NodeFunction, OutputKeys: []string{"severity"}},
				{ID: "deep_scan", Type: graph.NodeFunction, OutputKeys: []string{"route"}},
				{ID: "log_only", Type: graph.NodeFunction, OutputKeys: []string{"route"}},
			},
			Edges: []graph.Edge{
				{From: "assess", To: "deep_scan", Condition: graph.EdgeConditional, ConditionExpr: "severity > 10", Priority: 1},
				{From: "assess", To: "log_only", Condition: graph.EdgeAlways},
			},
			EntryNode:     "assess",
			TerminalNodes: []string{"deep_scan", "log_only"},
		}
	}

	runWith := func(t *testing.T, severity int) *graph.RunResult {
		t.Helper()
		ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
			if nc.Node.ID == "assess" {
				return nc.Memory.Write("severity", severity)
			}
			return nc.Memory.Write("route", nc.Node.ID)
		}))
		res, err := ex.Run(context.Background(), build(), graph.Goal{}, graph.RunOptions{})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res
	}

	t.Run("high severity takes the conditional edge", func(t *testing.T) {
		res := runWith(t, 42)
		if res.Memory["route"] != "deep_scan" {
			t.Errorf("route = %v, want deep_scan", res.Memory["route"])
		}
		var seen bool
		for _, e := range res.Trace.Edges {
			if e.From == "assess" && e.To == "deep_scan" {
				seen = true
				if e.ObservedValue != true {
					t.Errorf("observed value = %v, want true", e.ObservedValue)
				}
			}
		}
		if !seen {
			t.Error("conditional edge traversal missing from trace")
		}
	})

	t.Run("low severity falls through to always", func(t *testing.T) {
		res := runWith(t, 5)
		if res.Memory["route"] != "log_only" {
			t.Errorf("route = %v, want log_only", res.Memory["route"])
		}
	})
}

func TestRunRetryThenSucceed(t *testing.T) {
	g := &graph.Graph{
		ID: "flaky",
		Nodes: []graph.Node{
			{
				ID:         "fetch",
				Type:       graph.NodeFunction,
				OutputKeys: []string{"payload"},
				MaxRetries: 2,
				RetryOn:    []graph.ErrorKind{graph.KindToolError},
			},
		},
		EntryNode:     "fetch",
		TerminalNodes: []string{"fetch"},
	}

	store, err := episodic.NewStore(t.TempDir()+"/episodes.jsonl", vector.NewMemoryBackend())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	calls := 0
	ex := fastExecutor(t,
		graph.WithEpisodes(episodic.NewWriter(store)),
		graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
			calls++
			if calls == 1 {
				return errors.New("connection reset")
			}
			return nc.Memory.Write("payload", "ok")
		}),
	)

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
	if res.Trace.TotalRetries != 1 {
		t.Errorf("total retries = %d, want 1", res.Trace.TotalRetries)
	}

	// One visit produces one node record with the retry attached, and one
	// episode for the final exit, however many attempts it took.
	if len(res.Trace.Nodes) != 1 {
		t.Fatalf("node records = %d, want 1", len(res.Trace.Nodes))
	}
	rec := res.Trace.Nodes[0]
	if !rec.Success {
		t.Error("final record not marked successful")
	}
	if len(rec.Retries) != 1 {
		t.Fatalf("retry records = %d, want 1", len(rec.Retries))
	}
	if rec.Retries[0].Reason != string(graph.KindToolError) {
		t.Errorf("retry reason = %q", rec.Retries[0].Reason)
	}
	n, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("episodes = %d, want 1", n)
	}
}

func TestRunLoopBound(t *testing.T) {
	g := &graph.Graph{
		ID: "poller",
		Nodes: []graph.Node{
			{ID: "poll", Type: graph.NodeFunction, OutputKeys: []string{"tick"}, MaxNodeVisits: 3},
			{ID: "evaluate", Type: graph.NodeFunction},
		},
		Edges: []graph.Edge{
			{From: "poll", To: "evaluate", Condition: graph.EdgeOnSuccess},
			{From: "evaluate", To: "poll", Condition: graph.EdgeAlways, Priority: -1},
		},
		EntryNode: "poll",
	}

	ticks := 0
	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
		if nc.Node.ID == "poll" {
			ticks++
			return nc.Memory.Write("tick", ticks)
		}
		return nil
	}))

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if err == nil {
		t.Fatal("expected loop bound failure")
	}
	if !graph.IsKind(err, graph.KindLoopBoundExceeded) {
		t.Fatalf("kind = %v, want LoopBoundExceeded", graph.KindOf(err))
	}
	if ticks != 3 {
		t.Errorf("poll executions = %d, want 3", ticks)
	}

	visits := []int{}
	for _, rec := range res.Trace.Nodes {
		if rec.NodeID == "poll" {
			visits = append(visits, rec.VisitCount)
		}
	}
	if len(visits) != 3 || visits[0] != 1 || visits[1] != 2 || visits[2] != 3 {
		t.Errorf("poll visit counts = %v, want [1 2 3]", visits)
	}
	if res.Trace.Success {
		t.Error("trace marked successful after loop bound failure")
	}
}

func TestRunVisitLimitViaForwardEdge(t *testing.T) {
	// A forward edge into a visit-exhausted node is not silently skipped
	// the way a back-edge is: the node fails with NodeVisitLimitReached
	// and on_failure routing takes over.
	g := &graph.Graph{
		ID: "budgeted",
		Nodes: []graph.Node{
			{ID: "worker", Type: graph.NodeFunction, MaxNodeVisits: 1},
			{ID: "check", Type: graph.NodeFunction},
			{ID: "give_up", Type: graph.NodeFunction, OutputKeys: []string{"outcome"}},
		},
		Edges: []graph.Edge{
			{From: "worker", To: "check", Condition: graph.EdgeOnSuccess},
			{From: "worker", To: "give_up", Condition: graph.EdgeOnFailure},
			{From: "check", To: "worker", Condition: graph.EdgeOnSuccess},
		},
		EntryNode:     "worker",
		TerminalNodes: []string{"give_up"},
	}

	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
		if nc.Node.ID == "give_up" {
			return nc.Memory.Write("outcome", "limit hit")
		}
		return nil
	}))

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	if res.Memory["outcome"] != "limit hit" {
		t.Errorf("outcome = %v", res.Memory["outcome"])
	}

	var second *int
	for i, rec := range res.Trace.Nodes {
		if rec.NodeID == "worker" && rec.VisitCount == 2 {
			second = &i
		}
	}
	if second == nil {
		t.Fatal("second worker visit missing from trace")
	}
	rec := res.Trace.Nodes[*second]
	if rec.Success {
		t.Error("second worker visit should have failed")
	}
	if rec.ErrorKind != string(graph.KindNodeVisitLimitReached) {
		t.Errorf("error kind = %q, want node_visit_limit_reached", rec.ErrorKind)
	}
}

func TestRunMaxIterations(t *testing.T) {
	g := &graph.Graph{
		ID: "spinner",
		Nodes: []graph.Node{
			{ID: "a", Type: graph.NodeFunction},
			{ID: "b", Type: graph.NodeFunction},
		},
		Edges: []graph.Edge{
			{From: "a", To: "b", Condition: graph.EdgeAlways},
			{From: "b", To: "a", Condition: graph.EdgeAlways},
		},
		EntryNode:  "a",
		LoopConfig: graph.LoopConfig{MaxIterations: 5},
	}

	executions := 0
	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
		executions++
		return nil
	}))

	_, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if !graph.IsKind(err, graph.KindLoopBoundExceeded) {
		t.Fatalf("kind = %v, want LoopBoundExceeded", graph.KindOf(err))
	}
	if executions != 5 {
		t.Errorf("executions = %d, want 5", executions)
	}
}

func TestRunFanOutJoin(t *testing.T) {
	g := &graph.Graph{
		ID: "reviewers",
		Nodes: []graph.Node{
			{ID: "split", Type: graph.NodeFunction},
			{ID: "style", Type: graph.NodeFunction, OutputKeys: []string{"style_notes"}},
			{ID: "security", Type: graph.NodeFunction, OutputKeys: []string{"security_notes"}},
			{ID: "merge", Type: graph.NodeFunction, InputKeys: []string{"style_notes", "security_notes"}, OutputKeys: []string{"verdict"}},
		},
		Edges: []graph.Edge{
			{From: "split", To: "style", Condition: graph.EdgeOnSuccess, Parallel: true},
			{From: "split", To: "security", Condition: graph.EdgeOnSuccess, Parallel: true},
			{From: "style", To: "merge", Condition: graph.EdgeOnSuccess},
			{From: "security", To: "merge", Condition: graph.EdgeOnSuccess},
		},
		EntryNode:     "split",
		TerminalNodes: []string{"merge"},
	}

	var mu sync.Mutex
	mergeRuns := 0
	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
		switch nc.Node.ID {
		case "style":
			return nc.Memory.Write("style_notes", "two long lines")
		case "security":
			return nc.Memory.Write("security_notes", "unchecked input")
		case "merge":
			mu.Lock()
			mergeRuns++
			mu.Unlock()
			s, _ := nc.Memory.Read("style_notes")
			sec, _ := nc.Memory.Read("security_notes")
			return nc.Memory.Write("verdict", fmt.Sprintf("%v; %v", s, sec))
		}
		return nil
	}))

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	if mergeRuns != 1 {
		t.Errorf("merge ran %d times, want 1 (join must deduplicate)", mergeRuns)
	}
	if res.Memory["verdict"] != "two long lines; unchecked input" {
		t.Errorf("verdict = %v", res.Memory["verdict"])
	}
	if res.Steps != 4 {
		t.Errorf("steps = %d, want 4", res.Steps)
	}

	branchIDs := map[string]string{}
	for _, rec := range res.Trace.Nodes {
		if rec.NodeID == "style" || rec.NodeID == "security" {
			if rec.BranchID == "" {
				t.Errorf("node %s missing branch id", rec.NodeID)
			}
			branchIDs[rec.NodeID] = rec.BranchID
		}
		if rec.NodeID == "merge" && rec.BranchID != "" {
			t.Errorf("merge carries branch id %q after join", rec.BranchID)
		}
	}
	if branchIDs["style"] == branchIDs["security"] {
		t.Errorf("branch ids collide: %q", branchIDs["style"])
	}

	parallelEdges := 0
	for _, e := range res.Trace.Edges {
		if e.ParallelBranch {
			parallelEdges++
			if e.BranchID == "" {
				t.Errorf("parallel edge %s->%s missing branch id", e.From, e.To)
			}
		}
	}
	if parallelEdges != 2 {
		t.Errorf("parallel edge records = %d, want 2", parallelEdges)
	}
}

func TestRunFanOutBranchFailure(t *testing.T) {
	// A failed branch routes through its own on_failure edge at the join;
	// the other branch's writes still commit.
	g := &graph.Graph{
		ID: "mixed",
		Nodes: []graph.Node{
			{ID: "split", Type: graph.NodeFunction},
			{ID: "solid", Type: graph.NodeFunction, OutputKeys: []string{"good"}},
			{ID: "brittle", Type: graph.NodeFunction},
			{ID: "recover", Type: graph.NodeFunction, OutputKeys: []string{"note"}},
		},
		Edges: []graph.Edge{
			{From: "split", To: "solid", Condition: graph.EdgeOnSuccess, Parallel: true},
			{From: "split", To: "brittle", Condition: graph.EdgeOnSuccess, Parallel: true},
			{From: "solid", To: "recover", Condition: graph.EdgeOnSuccess},
			{From: "brittle", To: "recover", Condition: graph.EdgeOnFailure},
		},
		EntryNode:     "split",
		TerminalNodes: []string{"recover"},
	}

	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
		switch nc.Node.ID {
		case "solid":
			return nc.Memory.Write("good", true)
		case "brittle":
			return errors.New("boom")
		case "recover":
			return nc.Memory.Write("note", "salvaged")
		}
		return nil
	}))

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	if res.Memory["good"] != true {
		t.Error("surviving branch write missing")
	}
	if res.Memory["note"] != "salvaged" {
		t.Errorf("note = %v", res.Memory["note"])
	}
}

func TestRunEditorExtendsGraph(t *testing.T) {
	// A planner splices a new node into its own route. The edits apply
	// before the planner's outgoing edges are evaluated, so the run
	// traverses the node that did not exist when it started.
	g := &graph.Graph{
		ID: "rewrite",
		Nodes: []graph.Node{
			{ID: "plan", Type: graph.NodeFunction},
			{ID: "done", Type: graph.NodeFunction, InputKeys: []string{"checked"}, OutputKeys: []string{"summary"}},
		},
		Edges: []graph.Edge{
			{From: "plan", To: "done", Condition: graph.EdgeOnSuccess},
		},
		EntryNode:     "plan",
		TerminalNodes: []string{"done"},
	}

	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, dispatchByID(map[string]graph.Handler{
		"plan": func(ctx context.Context, nc *graph.NodeContext) error {
			if err := nc.Editor.AddNode(graph.Node{ID: "audit", Type: graph.NodeFunction, OutputKeys: []string{"checked"}}); err != nil {
				return err
			}
			if err := nc.Editor.AddEdge(graph.Edge{From: "plan", To: "audit", Condition: graph.EdgeOnSuccess}); err != nil {
				return err
			}
			if err := nc.Editor.AddEdge(graph.Edge{From: "audit", To: "done", Condition: graph.EdgeOnSuccess}); err != nil {
				return err
			}
			return nc.Editor.RemoveEdge("plan", "done")
		},
		"audit": func(ctx context.Context, nc *graph.NodeContext) error {
			return nc.Memory.Write("checked", true)
		},
		"done": func(ctx context.Context, nc *graph.NodeContext) error {
			return nc.Memory.Write("summary", fmt.Sprintf("checked=%v", nc.Inputs["checked"]))
		},
	})))

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	if got := res.Trace.NodePath; len(got) != 3 || got[0] != "plan" || got[1] != "audit" || got[2] != "done" {
		t.Errorf("trace node path = %v", got)
	}
	if res.Output["summary"] != "checked=true" {
		t.Errorf("summary = %v", res.Output["summary"])
	}
	if res.Steps != 3 {
		t.Errorf("steps = %d, want 3", res.Steps)
	}

	wantKinds := []trace.MutationKind{
		trace.MutationAddNode,
		trace.MutationAddEdge,
		trace.MutationAddEdge,
		trace.MutationRemoveEdge,
	}
	if len(res.Trace.Mutations) != len(wantKinds) {
		t.Fatalf("mutation records = %d, want %d: %+v", len(res.Trace.Mutations), len(wantKinds), res.Trace.Mutations)
	}
	for i, m := range res.Trace.Mutations {
		if m.Kind != wantKinds[i] {
			t.Errorf("mutation[%d].Kind = %s, want %s", i, m.Kind, wantKinds[i])
		}
	}
	if res.Trace.Mutations[0].NodeID != "audit" {
		t.Errorf("add_node target = %q, want audit", res.Trace.Mutations[0].NodeID)
	}
	if m := res.Trace.Mutations[3]; m.From != "plan" || m.To != "done" {
		t.Errorf("remove_edge = %s->%s, want plan->done", m.From, m.To)
	}
}

func TestRunEditorRejectsUnsafeEdits(t *testing.T) {
	// A node already entered cannot be removed, and handlers running
	// inside parallel branches cannot edit topology at all. Rejected
	// edits must leave no mutation records.
	g := &graph.Graph{
		ID: "locked",
		Nodes: []graph.Node{
			{ID: "boot", Type: graph.NodeFunction},
			{ID: "work", Type: graph.NodeFunction},
			{ID: "left", Type: graph.NodeFunction, OutputKeys: []string{"l"}},
			{ID: "right", Type: graph.NodeFunction, OutputKeys: []string{"r"}},
			{ID: "join", Type: graph.NodeFunction},
		},
		Edges: []graph.Edge{
			{From: "boot", To: "work", Condition: graph.EdgeOnSuccess},
			{From: "work", To: "left", Condition: graph.EdgeOnSuccess, Parallel: true},
			{From: "work", To: "right", Condition: graph.EdgeOnSuccess, Parallel: true},
			{From: "left", To: "join", Condition: graph.EdgeOnSuccess},
			{From: "right", To: "join", Condition: graph.EdgeOnSuccess},
		},
		EntryNode:     "boot",
		TerminalNodes: []string{"join"},
	}

	var mu sync.Mutex
	var visitedErr, branchErr error
	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, dispatchByID(map[string]graph.Handler{
		"boot": func(ctx context.Context, nc *graph.NodeContext) error { return nil },
		"work": func(ctx context.Context, nc *graph.NodeContext) error {
			mu.Lock()
			visitedErr = nc.Editor.RemoveNode("work")
			mu.Unlock()
			return nil
		},
		"left": func(ctx context.Context, nc *graph.NodeContext) error {
			mu.Lock()
			branchErr = nc.Editor.AddNode(graph.Node{ID: "rogue", Type: graph.NodeFunction})
			mu.Unlock()
			return nc.Memory.Write("l", 1)
		},
		"right": func(ctx context.Context, nc *graph.NodeContext) error {
			return nc.Memory.Write("r", 2)
		},
		"join": func(ctx context.Context, nc *graph.NodeContext) error { return nil },
	})))

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	if !graph.IsKind(visitedErr, graph.KindInvalidSpec) {
		t.Errorf("RemoveNode on the executing node = %v, want invalid spec", visitedErr)
	}
	if !graph.IsKind(branchErr, graph.KindInvalidSpec) {
		t.Errorf("AddNode inside a branch = %v, want invalid spec", branchErr)
	}
	if len(res.Trace.Mutations) != 0 {
		t.Errorf("rejected edits recorded mutations: %+v", res.Trace.Mutations)
	}
}

func TestRunNoEligibleEdge(t *testing.T) {
	g := &graph.Graph{
		ID: "stuck",
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeFunction},
			{ID: "next", Type: graph.NodeFunction},
		},
		Edges: []graph.Edge{
			// Only eligible on failure; the node succeeds.
			{From: "start", To: "next", Condition: graph.EdgeOnFailure},
		},
		EntryNode:     "start",
		TerminalNodes: []string{"next"},
	}

	sessions := session.NewMemoryStore()
	ex := fastExecutor(t,
		graph.WithSessions(sessions),
		graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
			return nil
		}),
	)

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if !graph.IsKind(err, graph.KindNoEligibleEdge) {
		t.Fatalf("kind = %v, want NoEligibleEdge", graph.KindOf(err))
	}
	st, lerr := sessions.Load(context.Background(), res.SessionID)
	if lerr != nil {
		t.Fatalf("Load session: %v", lerr)
	}
	if st.Status != session.StatusFailed {
		t.Errorf("session status = %s, want failed", st.Status)
	}
}

func TestRunOutputContractViolation(t *testing.T) {
	g := &graph.Graph{
		ID: "hollow",
		Nodes: []graph.Node{
			{
				ID:                   "produce",
				Type:                 graph.NodeFunction,
				OutputKeys:           []string{"result"},
				MaxValidationRetries: 2,
			},
		},
		EntryNode:     "produce",
		TerminalNodes: []string{"produce"},
	}

	calls := 0
	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
		calls++
		return nil // never writes "result"
	}))

	_, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if !graph.IsKind(err, graph.KindOutputContractViolation) {
		t.Fatalf("kind = %v, want OutputContractViolation", graph.KindOf(err))
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 validation retries)", calls)
	}
}

func TestRunNullableOutputKeys(t *testing.T) {
	g := &graph.Graph{
		ID: "optional",
		Nodes: []graph.Node{
			{
				ID:                 "probe",
				Type:               graph.NodeFunction,
				OutputKeys:         []string{"finding", "hint"},
				NullableOutputKeys: []string{"hint"},
			},
		},
		EntryNode:     "probe",
		TerminalNodes: []string{"probe"},
	}

	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
		return nc.Memory.Write("finding", "nothing unusual")
	}))

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	if _, ok := res.Memory["hint"]; ok {
		t.Error("nullable key unexpectedly present")
	}
}

func TestRunFailedAttemptDiscardsWrites(t *testing.T) {
	g := &graph.Graph{
		ID: "atomic",
		Nodes: []graph.Node{
			{ID: "partial", Type: graph.NodeFunction, OutputKeys: []string{"a", "b"}},
			{ID: "cleanup", Type: graph.NodeFunction, OutputKeys: []string{"seen_a"}},
		},
		Edges: []graph.Edge{
			{From: "partial", To: "cleanup", Condition: graph.EdgeOnFailure},
		},
		EntryNode:     "partial",
		TerminalNodes: []string{"cleanup"},
	}

	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
		switch nc.Node.ID {
		case "partial":
			if err := nc.Memory.Write("a", 1); err != nil {
				return err
			}
			return errors.New("failed after writing a")
		case "cleanup":
			return nc.Memory.Write("seen_a", nc.Memory.Has("a"))
		}
		return nil
	}))

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Memory["seen_a"] != false {
		t.Error("failed attempt's staged write leaked into shared memory")
	}
	if _, ok := res.Memory["a"]; ok {
		t.Error("key a present after discard")
	}
}

func TestRunHandlerPanic(t *testing.T) {
	g := &graph.Graph{
		ID: "panicky",
		Nodes: []graph.Node{
			{ID: "explode", Type: graph.NodeFunction},
		},
		EntryNode:     "explode",
		TerminalNodes: []string{"explode"},
	}

	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
		panic("nil map write")
	}))

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if !graph.IsKind(err, graph.KindToolError) {
		t.Fatalf("kind = %v, want ToolError", graph.KindOf(err))
	}
	if len(res.Trace.Nodes) != 1 {
		t.Fatalf("node records = %d, want 1", len(res.Trace.Nodes))
	}
	if res.Trace.Nodes[0].Stacktrace == "" {
		t.Error("panic stacktrace missing from trace")
	}
}

func TestRunUnregisteredNodeType(t *testing.T) {
	g := &graph.Graph{
		ID: "custom",
		Nodes: []graph.Node{
			{ID: "odd", Type: graph.NodeType("teleport")},
		},
		EntryNode:     "odd",
		TerminalNodes: []string{"odd"},
	}

	ex := fastExecutor(t)
	_, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if !graph.IsKind(err, graph.KindInvalidSpec) {
		t.Fatalf("kind = %v, want InvalidSpec", graph.KindOf(err))
	}
}

func TestRunEntryPointAlias(t *testing.T) {
	g := &graph.Graph{
		ID: "aliased",
		Nodes: []graph.Node{
			{ID: "full", Type: graph.NodeFunction},
			{ID: "quick", Type: graph.NodeFunction},
		},
		EntryNode:     "full",
		TerminalNodes: []string{"full", "quick"},
		EntryPoints:   map[string]string{"fast_path": "quick"},
	}

	ex := fastExecutor(t, graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
		return nil
	}))

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{EntryPoint: "fast_path"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trace.NodePath) != 1 || res.Trace.NodePath[0] != "quick" {
		t.Errorf("node path = %v, want [quick]", res.Trace.NodePath)
	}

	if _, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{EntryPoint: "warp"}); !graph.IsKind(err, graph.KindInvalidSpec) {
		t.Errorf("unknown entry point: kind = %v, want InvalidSpec", graph.KindOf(err))
	}
}

func TestRunPauseAndResume(t *testing.T) {
	g := &graph.Graph{
		ID: "gated",
		Nodes: []graph.Node{
			{ID: "draft", Type: graph.NodeFunction, OutputKeys: []string{"document"}},
			{ID: "await_approval", Type: graph.NodeFunction},
			{ID: "publish", Type: graph.NodeFunction, OutputKeys: []string{"published"}},
		},
		Edges: []graph.Edge{
			{From: "draft", To: "await_approval", Condition: graph.EdgeOnSuccess},
			{From: "await_approval", To: "publish", Condition: graph.EdgeConditional, ConditionExpr: "approved"},
		},
		EntryNode:     "draft",
		TerminalNodes: []string{"publish"},
		PauseNodes:    []string{"await_approval"},
	}

	sessions := session.NewMemoryStore()
	ex := fastExecutor(t,
		graph.WithSessions(sessions),
		graph.WithHandler(graph.NodeFunction, dispatchByID(map[string]graph.Handler{
			"draft": func(ctx context.Context, nc *graph.NodeContext) error {
				return nc.Memory.Write("document", "quarterly summary")
			},
			"await_approval": func(ctx context.Context, nc *graph.NodeContext) error {
				return nil
			},
			"publish": func(ctx context.Context, nc *graph.NodeContext) error {
				return nc.Memory.Write("published", true)
			},
		})),
	)

	res, err := ex.Run(context.Background(), g, graph.Goal{ID: "goal-1", Name: "publish the report", Status: graph.GoalActive}, graph.RunOptions{Actor: "reporter"})
	if !errors.Is(err, graph.ErrRunPaused) {
		t.Fatalf("err = %v, want ErrRunPaused", err)
	}
	if res.PausedAt != "await_approval" {
		t.Errorf("paused at %q", res.PausedAt)
	}

	st, err := sessions.Load(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("Load session: %v", err)
	}
	if st.Status != session.StatusPaused {
		t.Fatalf("session status = %s, want paused", st.Status)
	}
	if st.CurrentNodeID != "await_approval" {
		t.Errorf("current node = %q", st.CurrentNodeID)
	}
	if st.MemorySnapshot["document"] != "quarterly summary" {
		t.Errorf("snapshot document = %v", st.MemorySnapshot["document"])
	}

	// The approver hands the paused session its decision by editing the
	// memory snapshot, the documented handshake for human-in-the-loop.
	st.MemorySnapshot["approved"] = true
	if err := sessions.Save(context.Background(), st); err != nil {
		t.Fatalf("Save session: %v", err)
	}

	resumed, err := ex.Resume(context.Background(), g, res.SessionID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !resumed.Success {
		t.Fatalf("resumed Success = false, error = %s", resumed.Error)
	}
	if resumed.Memory["published"] != true {
		t.Error("publish node did not run after resume")
	}
	if resumed.RunID == res.RunID {
		t.Error("resume reused the prior run id")
	}
	if resumed.Trace.PriorRunID != res.RunID {
		t.Errorf("prior run id = %q, want %q", resumed.Trace.PriorRunID, res.RunID)
	}
	if resumed.Trace.EntryNode != "await_approval" {
		t.Errorf("resumed entry = %q, want await_approval", resumed.Trace.EntryNode)
	}
	if got := resumed.Trace.NodePath; len(got) != 2 || got[0] != "await_approval" || got[1] != "publish" {
		t.Errorf("resumed node path = %v", got)
	}

	final, err := sessions.Load(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("Load session: %v", err)
	}
	if final.Status != session.StatusCompleted {
		t.Errorf("final status = %s, want completed", final.Status)
	}
	if final.RunID != resumed.RunID {
		t.Errorf("session run id = %q, want %q", final.RunID, resumed.RunID)
	}
}

func TestResumeRequiresPausedSession(t *testing.T) {
	g := &graph.Graph{
		ID:            "oneshot",
		Nodes:         []graph.Node{{ID: "only", Type: graph.NodeFunction}},
		EntryNode:     "only",
		TerminalNodes: []string{"only"},
	}

	sessions := session.NewMemoryStore()
	ex := fastExecutor(t,
		graph.WithSessions(sessions),
		graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error { return nil }),
	)

	res, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := ex.Resume(context.Background(), g, res.SessionID); !graph.IsKind(err, graph.KindInvalidSpec) {
		t.Errorf("kind = %v, want InvalidSpec", graph.KindOf(err))
	}
	if _, err := ex.Resume(context.Background(), g, "session_never_existed"); !graph.IsKind(err, graph.KindStorageError) {
		t.Errorf("kind = %v, want StorageError", graph.KindOf(err))
	}
}

func TestRunCancellation(t *testing.T) {
	g := &graph.Graph{
		ID: "slow",
		Nodes: []graph.Node{
			{ID: "first", Type: graph.NodeFunction},
			{ID: "second", Type: graph.NodeFunction},
		},
		Edges: []graph.Edge{
			{From: "first", To: "second", Condition: graph.EdgeOnSuccess},
		},
		EntryNode:     "first",
		TerminalNodes: []string{"second"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	sessions := session.NewMemoryStore()
	secondRan := false
	ex := fastExecutor(t,
		graph.WithSessions(sessions),
		graph.WithHandler(graph.NodeFunction, dispatchByID(map[string]graph.Handler{
			"first": func(ctx context.Context, nc *graph.NodeContext) error {
				cancel()
				return nil
			},
			"second": func(ctx context.Context, nc *graph.NodeContext) error {
				secondRan = true
				return nil
			},
		})),
	)

	res, err := ex.Run(ctx, g, graph.Goal{}, graph.RunOptions{})
	if !graph.IsKind(err, graph.KindCancelled) {
		t.Fatalf("kind = %v, want Cancelled", graph.KindOf(err))
	}
	if secondRan {
		t.Error("second node ran after cancellation")
	}

	// The final state still persists even though the context is gone.
	st, lerr := sessions.Load(context.Background(), res.SessionID)
	if lerr != nil {
		t.Fatalf("Load session: %v", lerr)
	}
	if st.Status != session.StatusFailed {
		t.Errorf("session status = %s, want failed", st.Status)
	}
}

func TestRunExternalCancelCheck(t *testing.T) {
	g := &graph.Graph{
		ID: "watched",
		Nodes: []graph.Node{
			{ID: "first", Type: graph.NodeFunction},
			{ID: "second", Type: graph.NodeFunction},
		},
		Edges: []graph.Edge{
			{From: "first", To: "second", Condition: graph.EdgeOnSuccess},
		},
		EntryNode:     "first",
		TerminalNodes: []string{"second"},
	}

	stop := false
	ex := fastExecutor(t,
		graph.WithCancelCheck(func() bool { return stop }),
		graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error {
			stop = true
			return nil
		}),
	)

	_, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if !graph.IsKind(err, graph.KindCancelled) {
		t.Fatalf("kind = %v, want Cancelled", graph.KindOf(err))
	}
}

// failingSessionStore always refuses to save.
type failingSessionStore struct {
	saves int
}

func (s *failingSessionStore) Save(ctx context.Context, st *session.State) error {
	s.saves++
	return errors.New("disk full")
}

func (s *failingSessionStore) Load(ctx context.Context, id string) (*session.State, error) {
	return nil, session.ErrNotFound
}

func (s *failingSessionStore) List(ctx context.Context) ([]*session.State, error) {
	return nil, nil
}

func (s *failingSessionStore) Delete(ctx context.Context, id string) error { return nil }

func TestRunSessionStoreFailure(t *testing.T) {
	g := &graph.Graph{
		ID:            "doomed",
		Nodes:         []graph.Node{{ID: "only", Type: graph.NodeFunction}},
		EntryNode:     "only",
		TerminalNodes: []string{"only"},
	}

	store := &failingSessionStore{}
	ex := fastExecutor(t,
		graph.WithSessions(store),
		graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error { return nil }),
	)

	_, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{})
	if !graph.IsKind(err, graph.KindStorageError) {
		t.Fatalf("kind = %v, want StorageError", graph.KindOf(err))
	}
	if store.saves < 3 {
		t.Errorf("save attempts = %d, want at least 3", store.saves)
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	g := &graph.Graph{
		ID:            "observable",
		Nodes:         []graph.Node{{ID: "only", Type: graph.NodeFunction}},
		EntryNode:     "only",
		TerminalNodes: []string{"only"},
	}

	bus := event.NewBus()
	var mu sync.Mutex
	var types []event.Type
	bus.Subscribe(func(ev event.Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})

	ex := fastExecutor(t,
		graph.WithBus(bus),
		graph.WithHandler(graph.NodeFunction, func(ctx context.Context, nc *graph.NodeContext) error { return nil }),
	)

	if _, err := ex.Run(context.Background(), g, graph.Goal{}, graph.RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []event.Type{event.RunStarted, event.NodeStarted, event.NodeCompleted, event.RunCompleted}
	mu.Lock()
	defer mu.Unlock()
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestRunRejectsInvalidGraph(t *testing.T) {
	ex := fastExecutor(t)
	if _, err := ex.Run(context.Background(), nil, graph.Goal{}, graph.RunOptions{}); !graph.IsKind(err, graph.KindInvalidSpec) {
		t.Errorf("nil graph: kind = %v, want InvalidSpec", graph.KindOf(err))
	}

	bad := &graph.Graph{ID: "bad", Nodes: []graph.Node{{ID: "a", Type: graph.NodeFunction}}, EntryNode: "missing"}
	if _, err := ex.Run(context.Background(), bad, graph.Goal{}, graph.RunOptions{}); !graph.IsKind(err, graph.KindInvalidSpec) {
		t.Errorf("bad entry: kind = %v, want InvalidSpec", graph.KindOf(err))
	}
}

func TestNewExecutorRejectsBadBackoff(t *testing.T) {
	if _, err := graph.NewExecutor(graph.WithRetryBackoff(time.Second, time.Millisecond)); err == nil {
		t.Fatal("expected backoff validation error")
	}
}
