package tool

import (
	"context"
	"sync"
)

// MockTool is a scripted Tool for tests: it returns responses in sequence
// (repeating the last), injects errors, and records every call. Safe for
// concurrent use.
type MockTool struct {
	// ToolName is returned by Name() and must be set.
	ToolName string

	// ToolDescription is returned by Description().
	ToolDescription string

	// InputSchema is returned by Schema(); nil means no parameters.
	InputSchema map[string]interface{}

	// Responses is the output sequence. Once exhausted, the last
	// response repeats. An empty sequence yields empty outputs.
	Responses []map[string]interface{}

	// Err, when set, is returned by every Call instead of a response.
	Err error

	// Calls records every invocation in order.
	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records one invocation.
type MockToolCall struct {
	Input map[string]interface{}
}

// Name implements Tool.
func (m *MockTool) Name() string { return m.ToolName }

// Description implements Tool.
func (m *MockTool) Description() string { return m.ToolDescription }

// Schema implements Tool.
func (m *MockTool) Schema() map[string]interface{} { return m.InputSchema }

// Call implements Tool. The call is recorded even when it fails.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// CallCount reports how many times the tool ran.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears the call history and rewinds the response sequence.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}
