package google

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/Samir-atra/hive-fork-sub000/graph/model"
)

func TestPartsForToolRoundTrip(t *testing.T) {
	parts := partsFor(model.Message{
		Role:    model.RoleUser,
		Content: "continue",
		ToolResults: []model.ToolResult{
			{ToolUseID: "search-0", Name: "search", Content: "3 hits"},
			{ToolUseID: "fetch-1", Content: "boom", IsError: true},
		},
	})

	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	first, ok := parts[0].(genai.FunctionResponse)
	if !ok || first.Name != "search" {
		t.Errorf("first part = %#v, want FunctionResponse for search", parts[0])
	}
	if first.Response["result"] != "3 hits" {
		t.Errorf("response payload = %v", first.Response)
	}
	second, ok := parts[1].(genai.FunctionResponse)
	if !ok || second.Name != "fetch" {
		t.Errorf("second part = %#v, want FunctionResponse with name from the call ID", parts[1])
	}
	if second.Response["error"] != "boom" {
		t.Errorf("error payload = %v", second.Response)
	}
	if text, ok := parts[2].(genai.Text); !ok || string(text) != "continue" {
		t.Errorf("third part = %#v, want Text", parts[2])
	}
}

func TestPartsForAssistantToolCalls(t *testing.T) {
	parts := partsFor(model.Message{
		Role: model.RoleAssistant,
		ToolCalls: []model.ToolCall{
			{ID: "ls-0", Name: "ls", Input: map[string]interface{}{"path": "."}},
		},
	})

	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	call, ok := parts[0].(genai.FunctionCall)
	if !ok || call.Name != "ls" {
		t.Errorf("part = %#v, want FunctionCall", parts[0])
	}
	if call.Args["path"] != "." {
		t.Errorf("args = %v", call.Args)
	}
}

func TestConvertHistoryRoles(t *testing.T) {
	history, err := convertHistory([]model.Message{
		model.UserMessage("hi"),
		model.AssistantMessage("hello"),
		{Role: model.RoleUser},
	})
	if err != nil {
		t.Fatalf("convertHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 (empty message dropped)", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "model" {
		t.Errorf("roles = %q, %q", history[0].Role, history[1].Role)
	}

	if _, err := convertHistory([]model.Message{{Role: "tool", Content: "x"}}); err == nil {
		t.Error("unknown role should be rejected")
	}
}

func TestToGenaiSchema(t *testing.T) {
	schema := toGenaiSchema(map[string]interface{}{
		"type":        "object",
		"description": "query input",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
			"tags": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string", "enum": []interface{}{"a", "b"}},
			},
			"limit": map[string]interface{}{"type": "integer"},
		},
		"required": []interface{}{"query"},
	})

	if schema.Type != genai.TypeObject {
		t.Errorf("type = %v, want object", schema.Type)
	}
	if schema.Properties["query"].Type != genai.TypeString {
		t.Errorf("query type = %v", schema.Properties["query"].Type)
	}
	if schema.Properties["limit"].Type != genai.TypeInteger {
		t.Errorf("limit type = %v", schema.Properties["limit"].Type)
	}
	tags := schema.Properties["tags"]
	if tags.Type != genai.TypeArray || tags.Items == nil || tags.Items.Type != genai.TypeString {
		t.Errorf("tags schema = %+v", tags)
	}
	if len(tags.Items.Enum) != 2 {
		t.Errorf("enum = %v", tags.Items.Enum)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "query" {
		t.Errorf("required = %v", schema.Required)
	}

	if toGenaiSchema(nil) != nil {
		t.Error("nil schema should stay nil")
	}
}

func TestParseResponse(t *testing.T) {
	resp, err := parseResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: "model",
				Parts: []genai.Part{
					genai.Text("checking"),
					genai.FunctionCall{Name: "search", Args: map[string]any{"q": "go"}},
				},
			},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 4},
	})
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}

	if resp.Content != "checking" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "search-0" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.StopReason != model.StopToolUse {
		t.Errorf("stop reason = %q, want tool_use", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestParseResponseBlockedPrompt(t *testing.T) {
	_, err := parseResponse(&genai.GenerateContentResponse{
		PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety},
	})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *model.APIError", err)
	}
	if apiErr.Retryable {
		t.Error("blocked prompt should not be retryable")
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"resource exhausted", errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED"), true},
		{"transient", errors.New("connection reset by peer"), true},
		{"bad key", errors.New("API key not valid"), false},
		{"billing", errors.New("billing account disabled"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mapError(tt.err)
			var apiErr *model.APIError
			if !errors.As(mapped, &apiErr) {
				t.Fatalf("mapError returned %T", mapped)
			}
			if apiErr.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", apiErr.Retryable, tt.retryable)
			}
		})
	}

	if mapped := mapError(context.Canceled); !errors.Is(mapped, context.Canceled) {
		t.Errorf("cancellation should pass through, got %v", mapped)
	}
}

func TestFunctionName(t *testing.T) {
	tests := []struct {
		res  model.ToolResult
		want string
	}{
		{model.ToolResult{Name: "search", ToolUseID: "whatever"}, "search"},
		{model.ToolResult{ToolUseID: "fetch-3"}, "fetch"},
		{model.ToolResult{ToolUseID: "plain"}, "plain"},
	}
	for _, tt := range tests {
		if got := functionName(tt.res); got != tt.want {
			t.Errorf("functionName(%+v) = %q, want %q", tt.res, got, tt.want)
		}
	}
}
