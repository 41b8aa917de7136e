// Package tool defines the tools an agent can invoke during an LLM turn:
// the Tool interface, a thread-safe Registry, and the executor contract
// that carries tool_use blocks from the model to an implementation and
// results back. Failures travel in-band as error results so the model can
// react to them; only context cancellation aborts a turn.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Tool is one invocable capability.
type Tool interface {
	// Name is the identifier the model calls the tool by, lowercase with
	// underscores ("search_code", "read_file").
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema is the JSON Schema of the input object. A nil schema means
	// the tool takes no parameters.
	Schema() map[string]interface{}

	// Call executes the tool. Implementations must respect ctx and
	// return structured output; errors become error results for the
	// model, not run failures.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Request is one tool invocation as issued by the model.
type Request struct {
	ToolName  string                 `json:"tool_name"`
	Input     map[string]interface{} `json:"input"`
	ToolUseID string                 `json:"tool_use_id"`
}

// Result is the outcome fed back to the model. Content is the serialized
// tool output, or a plain error message when IsError is set.
type Result struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// ErrorResult builds an error result for a request.
func ErrorResult(req Request, format string, args ...interface{}) Result {
	return Result{
		ToolUseID: req.ToolUseID,
		Content:   fmt.Sprintf(format, args...),
		IsError:   true,
	}
}

// Executor dispatches tool requests. The guardrail engine wraps one
// Executor in another, so middleware composes the same way tools do.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// Registry is a thread-safe name-to-tool table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry with the given tools. Duplicate names
// are an error: silently shadowing a tool is how a test mock ends up in
// production.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Empty and duplicate names are errors.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Unregister removes a tool. Missing names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Subset returns the registered tools among names, in the order given.
// Unknown names are skipped; node specs may list tools the deployment
// does not carry.
func (r *Registry) Subset(names []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Execute dispatches a request to the named tool. Unknown tools, tool
// errors, and panicking tools all become error results; the model decides
// what to do with them.
func (r *Registry) Execute(ctx context.Context, req Request) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = ErrorResult(req, "tool %s panicked: %v", req.ToolName, rec)
		}
	}()

	t, ok := r.Get(req.ToolName)
	if !ok {
		return ErrorResult(req, "unknown tool: %s", req.ToolName)
	}
	output, err := t.Call(ctx, req.Input)
	if err != nil {
		return ErrorResult(req, "%v", err)
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return ErrorResult(req, "tool %s returned unserializable output: %v", req.ToolName, err)
	}
	return Result{ToolUseID: req.ToolUseID, Content: string(raw)}
}
