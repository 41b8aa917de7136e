package model_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Samir-atra/hive-fork-sub000/graph/model"
)

func sampleRequest() model.Request {
	return model.Request{
		Model:  "claude-sonnet-4-5",
		System: "You are a planner.",
		Messages: []model.Message{
			model.UserMessage("plan the release"),
		},
		Tools: []model.ToolSpec{
			{
				Name:        "search",
				Description: "Search the index",
				Schema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"query": map[string]interface{}{"type": "string"},
						"limit": map[string]interface{}{"type": "integer"},
					},
				},
			},
		},
		MaxTokens: 1024,
	}
}

func TestRequestDigestStable(t *testing.T) {
	a := model.RequestDigest(sampleRequest())
	b := model.RequestDigest(sampleRequest())
	if a != b {
		t.Errorf("identical requests produced different digests: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a))
	}
}

func TestRequestDigestDistinguishesRequests(t *testing.T) {
	base := sampleRequest()

	changed := sampleRequest()
	changed.Messages = append(changed.Messages, model.AssistantMessage("ok"))

	if model.RequestDigest(base) == model.RequestDigest(changed) {
		t.Error("different requests produced the same digest")
	}
}

func TestMessageHelpers(t *testing.T) {
	user := model.UserMessage("hi")
	if user.Role != model.RoleUser || user.Content != "hi" {
		t.Errorf("UserMessage = %+v", user)
	}

	asst := model.AssistantMessage("hello")
	if asst.Role != model.RoleAssistant || asst.Content != "hello" {
		t.Errorf("AssistantMessage = %+v", asst)
	}

	results := model.ToolResultsMessage(
		model.ToolResult{ToolUseID: "c1", Content: "42"},
		model.ToolResult{ToolUseID: "c2", Content: "boom", IsError: true},
	)
	if results.Role != model.RoleUser {
		t.Errorf("ToolResultsMessage role = %q, want user", results.Role)
	}
	if len(results.ToolResults) != 2 {
		t.Fatalf("ToolResultsMessage carried %d results, want 2", len(results.ToolResults))
	}
	if !results.ToolResults[1].IsError {
		t.Error("second result lost IsError flag")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "retryable api error",
			err:  &model.APIError{Provider: "openai", Message: "rate limited", Retryable: true},
			want: true,
		},
		{
			name: "permanent api error",
			err:  &model.APIError{Provider: "anthropic", Message: "bad key"},
			want: false,
		},
		{
			name: "wrapped retryable",
			err:  fmt.Errorf("call failed: %w", &model.APIError{Provider: "google", Message: "overloaded", Retryable: true}),
			want: true,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := model.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAPIErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &model.APIError{Provider: "openai", Message: "request failed", Retryable: true, Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("APIError did not unwrap to its cause")
	}
	if err.Error() != "openai: request failed: connection reset" {
		t.Errorf("Error() = %q", err.Error())
	}

	bare := &model.APIError{Provider: "google", Message: "blocked"}
	if bare.Error() != "google: blocked" {
		t.Errorf("Error() without cause = %q", bare.Error())
	}
}
