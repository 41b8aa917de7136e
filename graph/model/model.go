// Package model defines the provider contract for language-model backends.
//
// A Provider turns a Request (system prompt, conversation history, tool
// specifications) into a Response (text, tool calls, token usage). Adapters
// for Anthropic, OpenAI, and Gemini live in subpackages; MockProvider and
// the Recorder/Replayer pair cover tests and deterministic replay.
package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Standard role constants for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Normalized stop reasons. Adapters map provider-specific finish reasons
// onto these values so callers never branch on provider vocabulary.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Provider is the single entry point into a language-model backend.
//
// Implementations must be safe for concurrent use and must respect
// context cancellation. Transient failures (rate limits, 5xx) are
// reported as *APIError with Retryable set so callers can back off.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Request is one completion call.
type Request struct {
	// Model names the provider-specific model. Adapters fall back to
	// their configured default when empty.
	Model string `json:"model,omitempty"`

	// System is the system prompt. Providers that model it as a message
	// role receive it as the leading system message.
	System string `json:"system,omitempty"`

	// Messages is the conversation history, oldest first. The final
	// message is the one being answered.
	Messages []Message `json:"messages"`

	// Tools the model may call this turn. Nil disables tool use.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens caps the generated output. Zero uses the adapter default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Message is a single conversation entry.
//
// Assistant messages may carry ToolCalls alongside (or instead of) text.
// User messages may carry ToolResults answering a prior assistant turn's
// tool calls.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolSpec describes a tool offered to the model. Schema is a JSON Schema
// object describing the tool's input parameters.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
}

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	// ID correlates the call with its ToolResult. Providers without
	// native call IDs get synthesized ones.
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// ToolResult is the outcome of one tool call, sent back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	// Name is the tool that produced the result. Required by providers
	// that address results by function name rather than call ID.
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Response is the model's answer to a Request.
type Response struct {
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
}

// Usage reports token consumption for a single call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UserMessage builds a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds a plain-text assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolResultsMessage builds the user message that answers tool calls.
func ToolResultsMessage(results ...ToolResult) Message {
	return Message{Role: RoleUser, ToolResults: results}
}

// APIError is a classified provider failure. Retryable marks transient
// conditions (rate limits, overload, 5xx) worth backing off and retrying;
// everything else (bad credentials, exhausted quota, invalid requests) is
// permanent.
type APIError struct {
	Provider  string
	Message   string
	Retryable bool
	Cause     error
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *APIError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is an APIError marked transient.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

// RequestDigest returns the sha256 hex digest of the request's canonical
// JSON encoding. encoding/json sorts map keys, so semantically identical
// requests always produce the same digest. Used as the cassette key for
// record/replay.
func RequestDigest(req Request) string {
	data, err := json.Marshal(req)
	if err != nil {
		// Request fields are plain data; Marshal only fails on
		// non-serializable tool input. Degrade to a digest of the error
		// text so recording still produces a stable key.
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
