// Package openai adapts the OpenAI chat completions API to the
// model.Provider contract, including function tool calls.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/Samir-atra/hive-fork-sub000/graph/model"
)

// Provider calls the chat completions endpoint. Safe for concurrent use.
type Provider struct {
	client       *openai.Client
	defaultModel string
}

// New builds a Provider. defaultModel is used when a request names no
// model.
func New(apiKey, defaultModel string) *Provider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Provider{
		client:       &client,
		defaultModel: defaultModel,
	}
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}

	params, err := buildParams(req, p.defaultModel)
	if err != nil {
		return model.Response{}, err
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, mapError(err)
	}
	if len(completion.Choices) == 0 {
		return model.Response{}, &model.APIError{
			Provider:  "openai",
			Message:   "empty response",
			Retryable: true,
		}
	}

	return parseCompletion(completion), nil
}

func buildParams(req model.Request, fallbackModel string) (openai.ChatCompletionNewParams, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = fallbackModel
	}

	messages, err := convertMessages(req.System, req.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelName),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

// convertMessages flattens the provider-neutral history into chat
// completion messages. Tool results become dedicated "tool" role
// messages; the system prompt leads the conversation.
func convertMessages(system string, messages []model.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		out = append(out, systemMessage(system))
	}

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, systemMessage(msg.Content))

		case model.RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Input)
				if err != nil {
					return nil, fmt.Errorf("encode tool call %s arguments: %w", call.Name, err)
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: call.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      call.Name,
							Arguments: string(args),
						},
					},
				})
			}
			if msg.Content == "" && len(assistant.ToolCalls) == 0 {
				continue
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case model.RoleUser:
			for _, res := range msg.ToolResults {
				content := res.Content
				if res.IsError {
					content = "Error: " + content
				}
				out = append(out, openai.ChatCompletionMessageParamUnion{
					OfTool: &openai.ChatCompletionToolMessageParam{
						ToolCallID: res.ToolUseID,
						Content: openai.ChatCompletionToolMessageParamContentUnion{
							OfString: openai.String(content),
						},
					},
				})
			}
			if msg.Content != "" {
				out = append(out, openai.ChatCompletionMessageParamUnion{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Content: openai.ChatCompletionUserMessageParamContentUnion{
							OfString: openai.String(msg.Content),
						},
					},
				})
			}

		default:
			return nil, &model.APIError{
				Provider: "openai",
				Message:  fmt.Sprintf("unsupported message role %q", msg.Role),
			}
		}
	}
	return out, nil
}

func systemMessage(content string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfSystem: &openai.ChatCompletionSystemMessageParam{
			Content: openai.ChatCompletionSystemMessageParamContentUnion{
				OfString: openai.String(content),
			},
		},
	}
}

func convertTools(tools []model.ToolSpec) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		def := shared.FunctionDefinitionParam{Name: t.Name}
		if t.Description != "" {
			def.Description = openai.String(t.Description)
		}
		if t.Schema != nil {
			def.Parameters = shared.FunctionParameters(t.Schema)
		}
		out = append(out, openai.ChatCompletionFunctionTool(def))
	}
	return out
}

func parseCompletion(completion *openai.ChatCompletion) model.Response {
	choice := completion.Choices[0]

	resp := model.Response{
		Content: choice.Message.Content,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	for _, call := range choice.Message.ToolCalls {
		input := map[string]interface{}{}
		if args := call.Function.Arguments; args != "" {
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				input = map[string]interface{}{"_raw": args}
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	resp.StopReason = normalizeFinish(string(choice.FinishReason), len(resp.ToolCalls) > 0)
	return resp
}

func normalizeFinish(reason string, hasToolCalls bool) string {
	switch reason {
	case "tool_calls", "function_call":
		return model.StopToolUse
	case "length":
		return model.StopMaxTokens
	case "stop":
		return model.StopEndTurn
	default:
		if hasToolCalls {
			return model.StopToolUse
		}
		return model.StopEndTurn
	}
}

// mapError classifies SDK failures, mirroring the taxonomy used by the
// other adapters. Context cancellation passes through untouched.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests"):
		return &model.APIError{
			Provider:  "openai",
			Message:   "rate limit exceeded",
			Retryable: true,
			Cause:     err,
		}

	case strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "incorrect api key") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication"):
		return &model.APIError{
			Provider: "openai",
			Message:  "API key is invalid or expired",
			Cause:    err,
		}

	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return &model.APIError{
			Provider: "openai",
			Message:  "quota exceeded",
			Cause:    err,
		}

	case strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline"):
		return &model.APIError{
			Provider:  "openai",
			Message:   "service temporarily unavailable",
			Retryable: true,
			Cause:     err,
		}

	default:
		return &model.APIError{
			Provider: "openai",
			Message:  "API error",
			Cause:    err,
		}
	}
}
