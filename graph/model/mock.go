package model

import (
	"context"
	"sync"
)

// MockProvider is a scripted Provider for tests.
//
// Each Complete call returns the next entry in Responses; once the script
// is exhausted the last entry repeats. Every invocation is recorded in
// Calls regardless of outcome.
//
//	mock := &model.MockProvider{
//	    Responses: []model.Response{
//	        {ToolCalls: []model.ToolCall{{ID: "c1", Name: "search", Input: map[string]interface{}{"q": "go"}}}},
//	        {Content: "done", StopReason: model.StopEndTurn},
//	    },
//	}
type MockProvider struct {
	// Responses is the scripted sequence. Empty yields zero-value
	// responses.
	Responses []Response

	// Err, when set, is returned instead of a response.
	Err error

	// Calls records every request received.
	Calls []Request

	mu        sync.Mutex
	callIndex int
}

// Complete implements Provider.
func (m *MockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and rewinds the response script.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns how many times Complete has been invoked.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
