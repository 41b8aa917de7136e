package graph

// NodeType selects the behavior of a node. The built-in kinds cover LLM
// turns and registered functions; any other value is resolved through the
// executor's handler registry, so embedders can add custom kinds without
// touching the core.
type NodeType string

const (
	// NodeLLMGenerate runs a single LLM turn and offers the final text to
	// the node's output sink. Tools are not offered to the model.
	NodeLLMGenerate NodeType = "llm_generate"

	// NodeLLMToolUse runs an LLM turn loop: the model may call tools from
	// the node's allowlist; results are fed back until the model answers
	// with text or the per-turn tool budget is exhausted.
	NodeLLMToolUse NodeType = "llm_tool_use"

	// NodeEventLoop behaves like NodeLLMToolUse but is expected to be
	// re-entered; graphs use it with a back-edge for watch/poll agents.
	NodeEventLoop NodeType = "event_loop"

	// NodeFunction invokes a Go handler registered on the executor.
	NodeFunction NodeType = "function"
)

// Node is the declarative unit of work in a graph. A Node carries its I/O
// contract, LLM wiring, and safety bounds; it holds no runtime state. The
// executor resolves behavior from Type at each visit.
type Node struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Type        NodeType `json:"node_type"`

	// I/O contract. InputKeys are memory keys the node reads; the
	// executor exposes exactly these (plus OutputKeys) through the scoped
	// view. Every OutputKeys member not listed in NullableOutputKeys must
	// be present in memory when the node returns, or the node fails with
	// OutputContractViolation.
	InputKeys          []string `json:"input_keys,omitempty"`
	OutputKeys         []string `json:"output_keys,omitempty"`
	NullableOutputKeys []string `json:"nullable_output_keys,omitempty"`

	// LLM wiring, used by the llm_* and event_loop kinds.
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty"`      // overrides Graph.DefaultModel
	Tools        []string `json:"tools,omitempty"`      // tool-name allowlist
	MaxTokens    int      `json:"max_tokens,omitempty"` // overrides Graph.MaxTokens

	// OutputSchema, when set, declares that the node's final LLM text
	// must parse as JSON matching this schema. Malformed output goes
	// through repair and then the cleanup model before failing.
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`

	// Safety bounds.
	MaxRetries           int         `json:"max_retries,omitempty"`
	RetryOn              []ErrorKind `json:"retry_on,omitempty"`
	MaxNodeVisits        int         `json:"max_node_visits,omitempty"` // 0 = unlimited
	MaxValidationRetries int         `json:"max_validation_retries,omitempty"`

	// ClientFacing marks nodes whose turns are user-visible; the executor
	// appends them to the conversation store when one is attached.
	ClientFacing bool `json:"client_facing,omitempty"`
}

// Validate checks the node in isolation. Graph-level checks (edge
// endpoints, duplicate IDs) live on Graph.Validate.
func (n Node) Validate() error {
	if n.ID == "" {
		return NewError(KindInvalidSpec, "node id must not be empty")
	}
	if n.Type == "" {
		return NewError(KindInvalidSpec, "node %s: node_type must not be empty", n.ID)
	}
	if n.MaxRetries < 0 {
		return NewError(KindInvalidSpec, "node %s: max_retries must be >= 0", n.ID)
	}
	if n.MaxNodeVisits < 0 {
		return NewError(KindInvalidSpec, "node %s: max_node_visits must be >= 0", n.ID)
	}
	if n.MaxValidationRetries < 0 {
		return NewError(KindInvalidSpec, "node %s: max_validation_retries must be >= 0", n.ID)
	}
	for _, k := range n.NullableOutputKeys {
		if !containsString(n.OutputKeys, k) {
			return NewError(KindInvalidSpec, "node %s: nullable output key %q not in output_keys", n.ID, k)
		}
	}
	return nil
}

// RequiredOutputKeys returns OutputKeys minus NullableOutputKeys, in
// declaration order.
func (n Node) RequiredOutputKeys() []string {
	if len(n.NullableOutputKeys) == 0 {
		return n.OutputKeys
	}
	var out []string
	for _, k := range n.OutputKeys {
		if !containsString(n.NullableOutputKeys, k) {
			out = append(out, k)
		}
	}
	return out
}

// AllowsTool reports whether the node's allowlist permits the tool. An
// empty allowlist permits nothing: tool-using nodes declare their tools.
func (n Node) AllowsTool(name string) bool {
	return containsString(n.Tools, name)
}

// retryableOn reports whether a failure of the given kind should re-enter
// the node, per the node's retry_on list.
func (n Node) retryableOn(kind ErrorKind) bool {
	for _, k := range n.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
