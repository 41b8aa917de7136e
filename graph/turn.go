package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Samir-atra/hive-fork-sub000/graph/event"
	"github.com/Samir-atra/hive-fork-sub000/graph/model"
	"github.com/Samir-atra/hive-fork-sub000/graph/tool"
)

const cleanupSystem = "You convert content into JSON that matches a schema exactly. Output only the JSON document, with no prose and no code fences."

// llmTurn runs one LLM node visit: compose the request from the goal,
// the run's distilled history, and the node's declared inputs; loop on
// tool calls within the per-turn budget; sink the closing text into the
// node's outputs. Once the budget is spent the next request goes out
// without tools, forcing the model to close with text.
func (r *run) llmTurn(ctx context.Context, node Node, scoped *ScopedMemory, offerTools bool) (attemptResult, error) {
	var res attemptResult
	if r.ex.provider == nil {
		return res, NewError(KindInvalidSpec, "node %s: no model provider configured", node.ID)
	}

	userMsg := r.composeUserMessage(node)
	r.statsMu.Lock()
	messages := make([]model.Message, 0, len(r.history)+1)
	messages = append(messages, r.history...)
	r.statsMu.Unlock()
	messages = append(messages, userMsg)

	var specs []model.ToolSpec
	if offerTools && r.ex.tools != nil {
		for _, t := range r.ex.tools.Subset(node.Tools) {
			specs = append(specs, model.ToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
		}
	}

	budget := r.maxToolCallsPerTurn
	var text string
	for {
		if err := r.checkCancel(ctx); err != nil {
			return res, err
		}
		req := model.Request{
			Model:     r.modelFor(node),
			System:    node.SystemPrompt,
			Messages:  messages,
			MaxTokens: r.maxTokensFor(node),
		}
		offered := len(specs) > 0 && budget > 0
		if offered {
			req.Tools = specs
		}
		resp, err := r.complete(ctx, node, req, &res)
		if err != nil {
			return res, err
		}
		if len(resp.ToolCalls) == 0 {
			text = resp.Content
			break
		}
		if !offered {
			if offerTools {
				return res, NewError(KindLLMError, "node %s: model kept calling tools after the per-turn budget of %d", node.ID, r.maxToolCallsPerTurn)
			}
			return res, NewError(KindLLMError, "node %s: model issued tool calls but none were offered", node.ID)
		}
		results := make([]model.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, r.dispatchToolCall(ctx, node, call, &res))
			budget--
		}
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls},
			model.ToolResultsMessage(results...),
		)
	}

	if err := r.sinkOutput(ctx, node, scoped, text, &res); err != nil {
		return res, err
	}
	r.appendHistory(userMsg, model.AssistantMessage(text))

	if node.ClientFacing && r.conv != nil {
		if _, err := r.conv.Append(ctx, map[string]interface{}{
			"role":    "assistant",
			"content": text,
			"node_id": node.ID,
			"run_id":  r.runID,
		}); err != nil {
			r.log.Warn("conversation append failed", "node_id", node.ID, "error", err)
		}
	}
	return res, nil
}

// complete performs one provider call under the LLM timeout, records it
// in the trace whatever the outcome, and folds usage into the attempt
// and the run's cost.
func (r *run) complete(ctx context.Context, node Node, req model.Request, res *attemptResult) (model.Response, error) {
	cctx, cancel := context.WithTimeout(ctx, r.ex.llmTimeout)
	defer cancel()

	start := r.ex.now()
	resp, err := r.ex.provider.Complete(cctx, req)
	latency := r.ex.now().Sub(start)

	reqJSON, _ := json.Marshal(req)
	var respJSON []byte
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else {
		respJSON, _ = json.Marshal(resp)
	}
	r.rec.RecordLLMCall(node.ID, req.Model, reqJSON, respJSON, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.StopReason, latency, errMsg)

	if err != nil {
		switch {
		case ctx.Err() != nil:
			return resp, WrapError(KindCancelled, err, "node %s: model call cancelled", node.ID)
		case errors.Is(err, context.DeadlineExceeded):
			return resp, WrapError(KindTimeout, err, "node %s: model call exceeded %s", node.ID, r.ex.llmTimeout)
		}
		return resp, WrapError(KindLLMError, err, "node %s: model call failed", node.ID)
	}

	res.inputTokens += resp.Usage.InputTokens
	res.outputTokens += resp.Usage.OutputTokens
	cost := r.cost.RecordCall(req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, node.ID)
	r.rec.AddCost(cost)
	r.ex.metrics.AddLLMUsage(req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, cost)
	return resp, nil
}

// dispatchToolCall routes one model tool call through the node allowlist
// and the guardrail pipeline, returning the result the model sees next
// turn. Denials and tool failures come back in-band as error results.
func (r *run) dispatchToolCall(ctx context.Context, node Node, call model.ToolCall, res *attemptResult) model.ToolResult {
	res.toolsCalled = append(res.toolsCalled, call.Name)
	r.publish(event.ToolCallStarted, node.ID, map[string]interface{}{"tool": call.Name})

	req := tool.Request{ToolName: call.Name, Input: call.Input, ToolUseID: call.ID}
	var tres tool.Result
	switch {
	case !node.AllowsTool(call.Name):
		tres = tool.ErrorResult(req, "tool %q is not allowed on node %s", call.Name, node.ID)
	case r.guarded != nil:
		tctx, cancel := r.toolContext(ctx)
		tres = r.guarded.WithNode(node.ID).Execute(tctx, req)
		cancel()
	case r.ex.tools != nil:
		tctx, cancel := r.toolContext(ctx)
		tres = r.ex.tools.Execute(tctx, req)
		cancel()
	default:
		tres = tool.ErrorResult(req, "no tool registry configured")
	}

	status := "success"
	if tres.IsError {
		status = "error"
		if strings.HasPrefix(tres.Content, "blocked by guardrail:") {
			status = "blocked"
		}
	}
	r.ex.metrics.IncToolCall(call.Name, status)
	r.publish(event.ToolCallCompleted, node.ID, map[string]interface{}{"tool": call.Name, "status": status})

	return model.ToolResult{ToolUseID: call.ID, Name: call.Name, Content: tres.Content, IsError: tres.IsError}
}

// composeUserMessage builds the user message for a node visit: goal,
// task, declared inputs, and the output instruction.
func (r *run) composeUserMessage(node Node) model.Message {
	var b strings.Builder
	if r.goal.Name != "" {
		fmt.Fprintf(&b, "Goal: %s\n", r.goal.Name)
	}
	if r.goal.Description != "" {
		fmt.Fprintf(&b, "%s\n", r.goal.Description)
	}
	if node.Description != "" {
		fmt.Fprintf(&b, "Task: %s\n", node.Description)
	}
	if inputs := r.declaredInputs(node); len(inputs) > 0 {
		if data, err := json.MarshalIndent(inputs, "", "  "); err == nil {
			fmt.Fprintf(&b, "Inputs:\n%s\n", data)
		}
	}
	switch {
	case node.OutputSchema != nil:
		if data, err := json.Marshal(node.OutputSchema); err == nil {
			fmt.Fprintf(&b, "Respond with a single JSON document matching this schema:\n%s\n", data)
		}
	case len(node.OutputKeys) == 1:
		fmt.Fprintf(&b, "Your final reply becomes the value of %q.\n", node.OutputKeys[0])
	case len(node.OutputKeys) > 1:
		fmt.Fprintf(&b, "Respond with a JSON object containing the keys: %s.\n", strings.Join(node.OutputKeys, ", "))
	}
	if b.Len() == 0 {
		return model.UserMessage("Proceed with your instructions.")
	}
	return model.UserMessage(strings.TrimRight(b.String(), "\n"))
}

// sinkOutput writes the turn's closing text into the node's outputs.
// With a schema the text must parse, possibly after repair or cleanup,
// into a conforming document whose matching keys land in scoped memory;
// a lone output key takes the whole document when no key matches.
// Without a schema a single key takes the text verbatim and multiple
// keys take a best-effort JSON distribution. The output contract check
// catches whatever is still missing.
func (r *run) sinkOutput(ctx context.Context, node Node, scoped *ScopedMemory, text string, res *attemptResult) error {
	if node.OutputSchema != nil {
		v, err := r.structuredOutput(ctx, node, text, res)
		if err != nil {
			return err
		}
		if obj, ok := v.(map[string]interface{}); ok {
			wrote := false
			for _, k := range node.OutputKeys {
				if val, exists := obj[k]; exists {
					if werr := scoped.Write(k, val); werr != nil {
						return WrapError(KindMemoryWriteError, werr, "node %s: write %q", node.ID, k)
					}
					wrote = true
				}
			}
			if wrote || len(node.OutputKeys) != 1 {
				return nil
			}
		}
		if len(node.OutputKeys) == 1 {
			if werr := scoped.Write(node.OutputKeys[0], v); werr != nil {
				return WrapError(KindMemoryWriteError, werr, "node %s: write %q", node.ID, node.OutputKeys[0])
			}
		}
		return nil
	}

	switch {
	case len(node.OutputKeys) == 1:
		if werr := scoped.Write(node.OutputKeys[0], text); werr != nil {
			return WrapError(KindMemoryWriteError, werr, "node %s: write %q", node.ID, node.OutputKeys[0])
		}
	case len(node.OutputKeys) > 1:
		if obj, ok := looseObject(text); ok {
			for _, k := range node.OutputKeys {
				if val, exists := obj[k]; exists {
					if werr := scoped.Write(k, val); werr != nil {
						return WrapError(KindMemoryWriteError, werr, "node %s: write %q", node.ID, k)
					}
				}
			}
		}
	}
	return nil
}

// structuredOutput parses text against the node's output schema, asking
// the cleanup model to reshape nonconforming content before giving up
// with an OutputContractViolation.
func (r *run) structuredOutput(ctx context.Context, node Node, text string, res *attemptResult) (interface{}, error) {
	raw, err := json.Marshal(node.OutputSchema)
	if err != nil {
		return nil, WrapError(KindInvalidSpec, err, "node %s: output schema does not serialize", node.ID)
	}
	schema, err := compileSchemaBytes(node.ID+"_output.json", raw)
	if err != nil {
		return nil, WrapError(KindInvalidSpec, err, "node %s: invalid output schema", node.ID)
	}

	v, perr := parseAgainst(schema, text)
	if perr == nil {
		return v, nil
	}

	content := text
	for i := 0; i < node.MaxValidationRetries; i++ {
		cleanupModel := r.graph.CleanupModel
		if cleanupModel == "" {
			cleanupModel = r.modelFor(node)
		}
		req := model.Request{
			Model:  cleanupModel,
			System: cleanupSystem,
			Messages: []model.Message{
				model.UserMessage(fmt.Sprintf("Schema:\n%s\n\nContent:\n%s", raw, content)),
			},
			MaxTokens: r.maxTokensFor(node),
		}
		resp, cerr := r.complete(ctx, node, req, res)
		if cerr != nil {
			return nil, cerr
		}
		if v, perr = parseAgainst(schema, resp.Content); perr == nil {
			return v, nil
		}
		content = resp.Content
	}
	return nil, WrapError(KindOutputContractViolation, perr, "node %s: output does not conform to schema", node.ID)
}

// parseAgainst decodes text as JSON conforming to schema, trying the raw
// text, a fence-stripped form, and a repaired form in that order.
func parseAgainst(schema *jsonschema.Schema, text string) (interface{}, error) {
	var lastErr error
	for _, c := range jsonCandidates(text) {
		var v interface{}
		if err := json.Unmarshal([]byte(c), &v); err != nil {
			lastErr = err
			continue
		}
		if err := schema.Validate(v); err != nil {
			lastErr = err
			continue
		}
		return v, nil
	}
	return nil, lastErr
}

// looseObject extracts a JSON object from free-form model text, fences
// stripped and minor damage repaired.
func looseObject(text string) (map[string]interface{}, bool) {
	for _, c := range jsonCandidates(text) {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(c), &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

func jsonCandidates(text string) []string {
	out := []string{strings.TrimSpace(text)}
	if f := stripFences(text); f != out[0] {
		out = append(out, f)
	}
	if repaired, err := jsonrepair.JSONRepair(stripFences(text)); err == nil {
		out = append(out, repaired)
	}
	return out
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return strings.TrimSpace(strings.TrimPrefix(s, "```"))
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// appendHistory adds the distilled turn (user message, closing assistant
// text) to the run-level history and trims the oldest entries once the
// estimated token count exceeds the graph's budget.
func (r *run) appendHistory(msgs ...model.Message) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.history = append(r.history, msgs...)
	for len(r.history) > 1 && historyTokens(r.history) > r.maxHistoryTokens {
		r.history = r.history[1:]
	}
}

// historyTokens estimates token usage at four bytes per token, counting
// text, tool-call payloads, and tool results.
func historyTokens(msgs []model.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) / 4
		for _, c := range m.ToolCalls {
			if data, err := json.Marshal(c.Input); err == nil {
				total += len(data) / 4
			}
		}
		for _, tr := range m.ToolResults {
			total += len(tr.Content) / 4
		}
	}
	return total
}

func (r *run) modelFor(node Node) string {
	if node.Model != "" {
		return node.Model
	}
	return r.graph.DefaultModel
}

func (r *run) maxTokensFor(node Node) int {
	if node.MaxTokens > 0 {
		return node.MaxTokens
	}
	return r.graph.MaxTokens
}

func (r *run) toolContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.ex.toolTimeout > 0 {
		return context.WithTimeout(ctx, r.ex.toolTimeout)
	}
	return ctx, func() {}
}
