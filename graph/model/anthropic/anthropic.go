// Package anthropic adapts Anthropic's Messages API to the model.Provider
// contract, including tool use and tool results.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Samir-atra/hive-fork-sub000/graph/model"
)

const defaultMaxTokens = 4096

// Provider calls Anthropic's Messages API. Safe for concurrent use; the
// underlying SDK client handles concurrent requests.
type Provider struct {
	client       *anthropic.Client
	defaultModel string
}

// New builds a Provider. defaultModel is used when a request names no
// model. The API key comes from https://console.anthropic.com/.
func New(apiKey, defaultModel string) *Provider {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Provider{
		client:       &client,
		defaultModel: defaultModel,
	}
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := buildParams(req, p.defaultModel)
	if err != nil {
		return model.Response{}, err
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, mapError(err)
	}

	return parseMessage(message), nil
}

func buildParams(req model.Request, fallbackModel string) (anthropic.MessageNewParams, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = fallbackModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	// Anthropic takes the system prompt as a separate parameter, so any
	// system messages in the history fold into it.
	system, conversation := extractSystem(req.System, req.Messages)

	messages, err := convertMessages(conversation)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelName),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

func extractSystem(system string, messages []model.Message) (string, []model.Message) {
	conversation := make([]model.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return system, conversation
}

func convertMessages(messages []model.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				input := call.Input
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    call.ID,
						Input: input,
						Name:  call.Name,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case model.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			// Tool results must lead the user turn that answers a tool_use.
			for _, res := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(res.ToolUseID, res.Content, res.IsError))
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))

		default:
			return nil, &model.APIError{
				Provider: "anthropic",
				Message:  fmt.Sprintf("unsupported message role %q", msg.Role),
			}
		}
	}
	return out, nil
}

func convertTools(tools []model.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tp := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: toInputSchema(t.Schema),
		}
		if t.Description != "" {
			tp.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tp})
	}
	return out
}

// toInputSchema splits a JSON Schema object into the properties/required
// shape the Messages API expects.
func toInputSchema(schema map[string]interface{}) anthropic.ToolInputSchemaParam {
	var out anthropic.ToolInputSchemaParam
	if schema == nil {
		return out
	}
	if props, ok := schema["properties"]; ok {
		out.Properties = props
	}
	switch req := schema["required"].(type) {
	case []string:
		out.Required = req
	case []interface{}:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

func parseMessage(message *anthropic.Message) model.Response {
	resp := model.Response{
		Usage: model.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: decodeInput(block.Input),
			})
		}
	}
	resp.Content = text.String()
	resp.StopReason = normalizeStop(string(message.StopReason), len(resp.ToolCalls) > 0)
	return resp
}

func decodeInput(input interface{}) map[string]interface{} {
	raw, err := json.Marshal(input)
	if err != nil {
		return map[string]interface{}{}
	}
	decoded := map[string]interface{}{}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded == nil {
		return map[string]interface{}{}
	}
	return decoded
}

func normalizeStop(reason string, hasToolCalls bool) string {
	switch reason {
	case "tool_use":
		return model.StopToolUse
	case "max_tokens":
		return model.StopMaxTokens
	case "":
		if hasToolCalls {
			return model.StopToolUse
		}
		return model.StopEndTurn
	default:
		return model.StopEndTurn
	}
}

// mapError classifies SDK failures. Rate limits, overload, and server
// errors are retryable; credential and quota problems are permanent.
// Context cancellation passes through untouched so callers can
// distinguish their own deadlines.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "api_key"):
		return &model.APIError{
			Provider: "anthropic",
			Message:  "API key is invalid or expired",
			Cause:    err,
		}

	case strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests"):
		return &model.APIError{
			Provider:  "anthropic",
			Message:   "rate limit exceeded",
			Retryable: true,
			Cause:     err,
		}

	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return &model.APIError{
			Provider: "anthropic",
			Message:  "quota exceeded",
			Cause:    err,
		}

	case strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "529") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline"):
		return &model.APIError{
			Provider:  "anthropic",
			Message:   "service temporarily unavailable",
			Retryable: true,
			Cause:     err,
		}

	default:
		return &model.APIError{
			Provider: "anthropic",
			Message:  "API error",
			Cause:    err,
		}
	}
}
