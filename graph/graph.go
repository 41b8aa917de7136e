// Package graph implements the core of the Hive agent runtime: the
// declarative node/edge graph model, the shared working memory with
// scoped views and write validation, the restricted edge-expression
// evaluator, and the executor that drives a graph to completion while
// recording traces, enforcing guardrails, and capturing episodes.
package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// LoopConfig bounds the executor's global progress within one run.
type LoopConfig struct {
	// MaxIterations caps the total number of node executions in a run.
	// 0 uses DefaultMaxIterations.
	MaxIterations int `json:"max_iterations,omitempty"`

	// MaxHistoryTokens is the trimming threshold for LLM conversation
	// history, in estimated tokens. 0 uses DefaultMaxHistoryTokens.
	MaxHistoryTokens int `json:"max_history_tokens,omitempty"`

	// MaxToolCallsPerTurn caps tool-call/tool-result cycles inside one
	// node turn. 0 uses DefaultMaxToolCallsPerTurn.
	MaxToolCallsPerTurn int `json:"max_tool_calls_per_turn,omitempty"`
}

// Defaults applied by the executor when LoopConfig fields are zero.
const (
	DefaultMaxIterations       = 100
	DefaultMaxHistoryTokens    = 32000
	DefaultMaxToolCallsPerTurn = 10
)

// Graph is the declarative specification of an agent: a flat arena of
// nodes and edges referenced by ID, plus entry/terminal/pause markers and
// run-wide LLM defaults. Cycles are expressed naturally since edges are
// ID references; there are no back-pointers.
type Graph struct {
	ID      string `json:"id"`
	GoalID  string `json:"goal_id,omitempty"`
	Version string `json:"version,omitempty"`

	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	EntryNode     string            `json:"entry_node"`
	TerminalNodes []string          `json:"terminal_nodes,omitempty"`
	PauseNodes    []string          `json:"pause_nodes,omitempty"`
	EntryPoints   map[string]string `json:"entry_points,omitempty"` // alias -> node id

	LoopConfig   LoopConfig `json:"loop_config,omitempty"`
	DefaultModel string     `json:"default_model,omitempty"`
	MaxTokens    int        `json:"max_tokens,omitempty"`
	CleanupModel string     `json:"cleanup_llm_model,omitempty"`
}

// ValidationResult carries non-fatal findings from Validate. Dead-end
// nodes are reported here rather than failing the load: a graph may rely
// on a custom handler to stop before reaching them, but the warning makes
// the risk visible.
type ValidationResult struct {
	Warnings []string
}

// Validate enforces the structural invariants:
//
//  1. EntryNode and every terminal/pause member is a declared node.
//  2. Every edge source and target is a declared node.
//  3. Node IDs are unique.
//  4. Non-terminal nodes without outgoing edges are flagged as dead ends
//     (warning, not error).
//
// Node- and edge-level validation runs first so the earliest structural
// problem is the one reported.
func (g *Graph) Validate() (*ValidationResult, error) {
	if g.ID == "" {
		return nil, NewError(KindInvalidSpec, "graph id must not be empty")
	}
	if len(g.Nodes) == 0 {
		return nil, NewError(KindInvalidSpec, "graph %s: no nodes declared", g.ID)
	}

	byID := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if byID[n.ID] {
			return nil, NewError(KindInvalidSpec, "graph %s: duplicate node id %q", g.ID, n.ID)
		}
		byID[n.ID] = true
	}

	if g.EntryNode == "" {
		return nil, NewError(KindInvalidSpec, "graph %s: entry_node must be set", g.ID)
	}
	if !byID[g.EntryNode] {
		return nil, NewError(KindInvalidSpec, "graph %s: entry_node %q is not a declared node", g.ID, g.EntryNode)
	}
	for _, id := range g.TerminalNodes {
		if !byID[id] {
			return nil, NewError(KindInvalidSpec, "graph %s: terminal node %q is not a declared node", g.ID, id)
		}
	}
	for _, id := range g.PauseNodes {
		if !byID[id] {
			return nil, NewError(KindInvalidSpec, "graph %s: pause node %q is not a declared node", g.ID, id)
		}
	}
	for alias, id := range g.EntryPoints {
		if !byID[id] {
			return nil, NewError(KindInvalidSpec, "graph %s: entry point %q targets undeclared node %q", g.ID, alias, id)
		}
	}

	outgoing := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if !byID[e.From] {
			return nil, NewError(KindInvalidSpec, "graph %s: edge source %q is not a declared node", g.ID, e.From)
		}
		if !byID[e.To] {
			return nil, NewError(KindInvalidSpec, "graph %s: edge target %q is not a declared node", g.ID, e.To)
		}
		outgoing[e.From]++
	}

	result := &ValidationResult{}
	for _, n := range g.Nodes {
		if outgoing[n.ID] == 0 && !g.IsTerminal(n.ID) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("node %q is a dead end: non-terminal with no outgoing edges", n.ID))
		}
	}
	return result, nil
}

// NodeByID returns the declared node, or false when absent.
func (g *Graph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// OutgoingEdges returns the edges whose source is the given node, in
// declaration order.
func (g *Graph) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IsTerminal reports whether the node is a declared terminal.
func (g *Graph) IsTerminal(nodeID string) bool {
	return containsString(g.TerminalNodes, nodeID)
}

// IsPause reports whether the node is a declared pause node.
func (g *Graph) IsPause(nodeID string) bool {
	return containsString(g.PauseNodes, nodeID)
}

// ResolveEntry maps an entry-point alias to its node ID. An empty alias
// resolves to EntryNode. Unknown aliases error with InvalidSpec.
func (g *Graph) ResolveEntry(alias string) (string, error) {
	if alias == "" {
		return g.EntryNode, nil
	}
	if id, ok := g.EntryPoints[alias]; ok {
		return id, nil
	}
	return "", NewError(KindInvalidSpec, "graph %s: unknown entry point %q", g.ID, alias)
}

// AddNode appends a node, re-validating graph invariants.
func (g *Graph) AddNode(n Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if _, exists := g.NodeByID(n.ID); exists {
		return NewError(KindInvalidSpec, "graph %s: duplicate node id %q", g.ID, n.ID)
	}
	g.Nodes = append(g.Nodes, n)
	return nil
}

// RemoveNode deletes a node and every edge touching it. The entry node
// and terminal nodes cannot be removed.
func (g *Graph) RemoveNode(id string) error {
	if id == g.EntryNode {
		return NewError(KindInvalidSpec, "graph %s: cannot remove entry node %q", g.ID, id)
	}
	if g.IsTerminal(id) {
		return NewError(KindInvalidSpec, "graph %s: cannot remove terminal node %q", g.ID, id)
	}
	idx := -1
	for i, n := range g.Nodes {
		if n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return NewError(KindInvalidSpec, "graph %s: node %q not declared", g.ID, id)
	}
	g.Nodes = append(g.Nodes[:idx], g.Nodes[idx+1:]...)
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if e.From != id && e.To != id {
			kept = append(kept, e)
		}
	}
	g.Edges = kept
	return nil
}

// AddEdge appends an edge between declared nodes.
func (g *Graph) AddEdge(e Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if _, ok := g.NodeByID(e.From); !ok {
		return NewError(KindInvalidSpec, "graph %s: edge source %q is not a declared node", g.ID, e.From)
	}
	if _, ok := g.NodeByID(e.To); !ok {
		return NewError(KindInvalidSpec, "graph %s: edge target %q is not a declared node", g.ID, e.To)
	}
	g.Edges = append(g.Edges, e)
	return nil
}

// RemoveEdge deletes the first edge matching from->to. Missing edges are
// an error so callers notice typos.
func (g *Graph) RemoveEdge(from, to string) error {
	for i, e := range g.Edges {
		if e.From == from && e.To == to {
			g.Edges = append(g.Edges[:i], g.Edges[i+1:]...)
			return nil
		}
	}
	return NewError(KindInvalidSpec, "graph %s: no edge %s->%s", g.ID, from, to)
}

// SetEntry changes the entry node to a declared node.
func (g *Graph) SetEntry(id string) error {
	if _, ok := g.NodeByID(id); !ok {
		return NewError(KindInvalidSpec, "graph %s: entry node %q is not a declared node", g.ID, id)
	}
	g.EntryNode = id
	return nil
}

// graphDocumentSchema validates the shape of a graph JSON document before
// semantic validation, so malformed documents fail with precise pointer
// paths instead of zero-value surprises.
const graphDocumentSchema = `{
  "type": "object",
  "required": ["id", "nodes", "entry_node"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "goal_id": {"type": "string"},
    "version": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "node_type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "description": {"type": "string"},
          "node_type": {"type": "string", "minLength": 1},
          "input_keys": {"type": "array", "items": {"type": "string"}},
          "output_keys": {"type": "array", "items": {"type": "string"}},
          "nullable_output_keys": {"type": "array", "items": {"type": "string"}},
          "system_prompt": {"type": "string"},
          "model": {"type": "string"},
          "tools": {"type": "array", "items": {"type": "string"}},
          "max_tokens": {"type": "integer", "minimum": 0},
          "output_schema": {"type": "object"},
          "max_retries": {"type": "integer", "minimum": 0},
          "retry_on": {"type": "array", "items": {"type": "string"}},
          "max_node_visits": {"type": "integer", "minimum": 0},
          "max_validation_retries": {"type": "integer", "minimum": 0},
          "client_facing": {"type": "boolean"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to", "condition"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "condition": {"enum": ["always", "on_success", "on_failure", "conditional"]},
          "condition_expr": {"type": "string"},
          "priority": {"type": "integer"},
          "parallel": {"type": "boolean"}
        }
      }
    },
    "entry_node": {"type": "string", "minLength": 1},
    "terminal_nodes": {"type": "array", "items": {"type": "string"}},
    "pause_nodes": {"type": "array", "items": {"type": "string"}},
    "entry_points": {"type": "object", "additionalProperties": {"type": "string"}},
    "loop_config": {
      "type": "object",
      "properties": {
        "max_iterations": {"type": "integer", "minimum": 0},
        "max_history_tokens": {"type": "integer", "minimum": 0},
        "max_tool_calls_per_turn": {"type": "integer", "minimum": 0}
      }
    },
    "default_model": {"type": "string"},
    "max_tokens": {"type": "integer", "minimum": 0},
    "cleanup_llm_model": {"type": "string"}
  }
}`

var compiledGraphSchema = mustCompileSchema("graph.json", graphDocumentSchema)

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("graph: add schema resource %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("graph: compile schema %s: %v", name, err))
	}
	return s
}

// LoadGraph parses and validates a graph document. Validation happens in
// two passes: the JSON Schema pass catches shape errors, then Validate
// enforces the semantic invariants. Warnings from the semantic pass are
// returned alongside the graph.
func LoadGraph(data []byte) (*Graph, *ValidationResult, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, WrapError(KindInvalidSpec, err, "graph document is not valid JSON")
	}
	if err := compiledGraphSchema.Validate(doc); err != nil {
		return nil, nil, WrapError(KindInvalidSpec, err, "graph document failed schema validation")
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, nil, WrapError(KindInvalidSpec, err, "graph document failed decoding")
	}
	result, err := g.Validate()
	if err != nil {
		return nil, nil, err
	}
	return &g, result, nil
}
