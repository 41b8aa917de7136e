// Package google adapts Google's Gemini API to the model.Provider
// contract, including function declarations and function responses.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/Samir-atra/hive-fork-sub000/graph/model"
)

// DefaultModel is used when neither the request nor the constructor
// names a model.
const DefaultModel = "gemini-1.5-flash"

// Provider calls the Gemini API. Close releases the underlying client.
type Provider struct {
	client       *genai.Client
	defaultModel string
}

// New builds a Provider. An empty apiKey falls back to the
// GOOGLE_API_KEY environment variable.
func New(apiKey, defaultModel string) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
		if apiKey == "" {
			return nil, &model.APIError{
				Provider: "google",
				Message:  "API key not provided and GOOGLE_API_KEY not set",
			}
		}
	}
	if defaultModel == "" {
		defaultModel = DefaultModel
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}

	return &Provider{
		client:       client,
		defaultModel: defaultModel,
	}, nil
}

// Close releases the underlying Gemini client.
func (p *Provider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}

	modelName := req.Model
	if modelName == "" {
		modelName = p.defaultModel
	}
	gm := p.client.GenerativeModel(modelName)

	system, conversation := extractSystem(req.System, req.Messages)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		gm.Tools = convertTools(req.Tools)
	}

	if len(conversation) == 0 {
		return model.Response{}, &model.APIError{Provider: "google", Message: "empty conversation"}
	}
	last := conversation[len(conversation)-1]
	if last.Role != model.RoleUser {
		return model.Response{}, &model.APIError{
			Provider: "google",
			Message:  "conversation must end with a user message",
		}
	}

	history, err := convertHistory(conversation[:len(conversation)-1])
	if err != nil {
		return model.Response{}, err
	}
	parts := partsFor(last)
	if len(parts) == 0 {
		return model.Response{}, &model.APIError{Provider: "google", Message: "final message is empty"}
	}

	cs := gm.StartChat()
	cs.History = history
	resp, err := cs.SendMessage(ctx, parts...)
	if err != nil {
		return model.Response{}, mapError(err)
	}

	return parseResponse(resp)
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

func convertHistory(messages []model.Message) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		var role string
		switch msg.Role {
		case model.RoleUser:
			role = "user"
		case model.RoleAssistant:
			role = "model"
		default:
			return nil, &model.APIError{
				Provider: "google",
				Message:  fmt.Sprintf("unsupported message role %q", msg.Role),
			}
		}
		parts := partsFor(msg)
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out, nil
}

// partsFor converts one message into Gemini parts. Tool results become
// FunctionResponse parts; assistant tool calls become FunctionCall parts.
func partsFor(msg model.Message) []genai.Part {
	var parts []genai.Part
	for _, res := range msg.ToolResults {
		response := map[string]any{"result": res.Content}
		if res.IsError {
			response = map[string]any{"error": res.Content}
		}
		parts = append(parts, genai.FunctionResponse{
			Name:     functionName(res),
			Response: response,
		})
	}
	if msg.Content != "" {
		parts = append(parts, genai.Text(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		args := call.Input
		if args == nil {
			args = map[string]interface{}{}
		}
		parts = append(parts, genai.FunctionCall{Name: call.Name, Args: args})
	}
	return parts
}

// functionName recovers the function a result answers. Gemini has no
// call IDs, so synthesized IDs ("name-0") carry the name as a prefix.
func functionName(res model.ToolResult) string {
	if res.Name != "" {
		return res.Name
	}
	if i := strings.LastIndex(res.ToolUseID, "-"); i > 0 {
		return res.ToolUseID[:i]
	}
	return res.ToolUseID
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGenaiSchema(t.Schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGenaiSchema converts a JSON Schema object into the typed schema the
// Gemini API requires.
func toGenaiSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		out.Type = schemaType(t)
	}
	if d, ok := schema["description"].(string); ok {
		out.Description = d
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]interface{}); ok {
				out.Properties[name] = toGenaiSchema(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		out.Items = toGenaiSchema(items)
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
	if enum, ok := schema["enum"].([]interface{}); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	return out
}

func schemaType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func parseResponse(resp *genai.GenerateContentResponse) (model.Response, error) {
	out := model.Response{}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	if len(resp.Candidates) == 0 {
		reason := "no candidates returned"
		if resp.PromptFeedback != nil {
			reason = fmt.Sprintf("prompt blocked: %v", resp.PromptFeedback.BlockReason)
		}
		return model.Response{}, &model.APIError{Provider: "google", Message: reason}
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	callIndex := 0
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				text.WriteString(string(v))
			case genai.FunctionCall:
				out.ToolCalls = append(out.ToolCalls, model.ToolCall{
					ID:    fmt.Sprintf("%s-%d", v.Name, callIndex),
					Name:  v.Name,
					Input: v.Args,
				})
				callIndex++
			}
		}
	}
	out.Content = text.String()
	out.StopReason = normalizeFinish(candidate.FinishReason, len(out.ToolCalls) > 0)
	return out, nil
}

func normalizeFinish(reason genai.FinishReason, hasToolCalls bool) string {
	if reason == genai.FinishReasonMaxTokens {
		return model.StopMaxTokens
	}
	if hasToolCalls {
		return model.StopToolUse
	}
	return model.StopEndTurn
}

// mapError classifies Gemini failures. Credential and quota problems are
// permanent; everything else (rate limits, transient network and server
// conditions) is worth retrying.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "api key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid_api_key"):
		return &model.APIError{
			Provider: "google",
			Message:  "invalid or missing API key",
			Cause:    err,
		}

	case strings.Contains(msg, "quota exceeded") || strings.Contains(msg, "billing"):
		return &model.APIError{
			Provider: "google",
			Message:  "quota exceeded",
			Cause:    err,
		}

	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "resource_exhausted"):
		return &model.APIError{
			Provider:  "google",
			Message:   "rate limit exceeded",
			Retryable: true,
			Cause:     err,
		}

	default:
		return &model.APIError{
			Provider:  "google",
			Message:   "API error",
			Retryable: true,
			Cause:     err,
		}
	}
}
