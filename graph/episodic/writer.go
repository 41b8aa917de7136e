package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Samir-atra/hive-fork-sub000/graph/trace"
)

// EmbedFunc turns text into a vector. The function is a black box to the
// framework; adapters for real embedding providers live with the caller.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// systemPromptPrefixLen bounds how much of a node's system prompt enters
// the context text. Prompts repeat across visits; the prefix is enough to
// make episodes from different node roles separable in vector space.
const systemPromptPrefixLen = 200

// Capture carries everything the Writer needs from one node exit: run
// identity, the final boundary record, and turn details the trace may have
// been configured to drop.
type Capture struct {
	TraceID  string
	RunID    string
	AgentID  string
	GoalID   string
	GoalName string

	// Record is the completed boundary record for the exiting node.
	Record trace.NodeExecutionRecord

	// SystemPrompt is the node's system prompt, empty for function nodes.
	SystemPrompt string

	// Inputs are the node's declared inputs at entry. Only key names and
	// value types reach the episode; values never do.
	Inputs map[string]interface{}
}

// Writer builds and persists one episode per node exit. An embedding
// failure does not fail the capture: the episode is stored without a
// vector and a warning names it so the index can be rebuilt.
type Writer struct {
	store        *Store
	embed        EmbedFunc
	embedTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithEmbedder attaches the embedding function. Without one, episodes are
// stored unindexed.
func WithEmbedder(fn EmbedFunc) WriterOption {
	return func(w *Writer) { w.embed = fn }
}

// WithEmbedTimeout bounds each embedding request. Zero keeps the default.
func WithEmbedTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.embedTimeout = d
		}
	}
}

// WithWriterLogger sets the structured logger.
func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithWriterClock overrides the timestamp source.
func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWriter creates a Writer over the store.
func NewWriter(store *Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:        store,
		embedTimeout: 10 * time.Second,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CaptureExit builds the episode for one node exit and persists it. The
// returned episode carries its embedding when one was obtained.
func (w *Writer) CaptureExit(ctx context.Context, c Capture) (*Episode, error) {
	rec := c.Record
	ep := &Episode{
		EpisodeID: NewEpisodeID(),
		TraceID:   c.TraceID,
		RunID:     c.RunID,
		AgentID:   c.AgentID,
		GoalID:    c.GoalID,
		NodeID:    rec.NodeID,
		NodeName:  rec.NodeName,

		Outcome:            ClassifyOutcome(rec.Success, rec.Verdict, rec.Attempt),
		OutcomeDescription: outcomeDescription(rec),
		ResultSummary:      resultSummary(rec),
		ResultData:         rec.Outputs,

		JudgeVerdict: rec.Verdict,

		ActionDescription: actionDescription(rec),
		ToolCalls:         rec.ToolCalls,

		TokensUsed: rec.InputTokens + rec.OutputTokens,
		LatencyMS:  rec.LatencyMS,
		Attempt:    rec.Attempt,
		Timestamp:  w.now(),
	}
	ep.ContextText = w.contextText(c)
	ep.ContextSummary = summarize(ep.ContextText, 160)
	if len(rec.ToolCalls) > 0 {
		ep.ActionDetails = map[string]interface{}{"tool_calls": rec.ToolCalls}
	}

	if w.embed != nil {
		embedCtx, cancel := context.WithTimeout(ctx, w.embedTimeout)
		vec, err := w.embed(embedCtx, ep.ContextText)
		cancel()
		if err != nil {
			w.logger.Warn("embedding failed, storing episode without vector",
				"episode_id", ep.EpisodeID, "node_id", ep.NodeID, "error", err)
		} else {
			ep.ContextEmbedding = vec
		}
	}

	if err := w.store.StoreEpisode(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// contextText is the retrieval document: agent and goal identity, the
// shape of the inputs (key names and value types, never values), and the
// system prompt prefix. Type-only input summaries keep secrets and bulky
// payloads out of the vector space while preserving what made the
// situation recognizable.
func (w *Writer) contextText(c Capture) string {
	var b strings.Builder
	if c.AgentID != "" {
		fmt.Fprintf(&b, "agent=%s ", c.AgentID)
	}
	if c.GoalName != "" {
		fmt.Fprintf(&b, "goal=%s ", c.GoalName)
	} else if c.GoalID != "" {
		fmt.Fprintf(&b, "goal=%s ", c.GoalID)
	}
	fmt.Fprintf(&b, "node=%s", c.Record.NodeID)
	if c.Record.NodeName != "" && c.Record.NodeName != c.Record.NodeID {
		fmt.Fprintf(&b, " (%s)", c.Record.NodeName)
	}

	if len(c.Inputs) > 0 {
		keys := make([]string, 0, len(c.Inputs))
		for k := range c.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+":"+typeName(c.Inputs[k]))
		}
		b.WriteString("\ninputs: ")
		b.WriteString(strings.Join(parts, ", "))
	}

	if c.SystemPrompt != "" {
		b.WriteString("\nprompt: ")
		b.WriteString(summarize(c.SystemPrompt, systemPromptPrefixLen))
	}
	return b.String()
}

func actionDescription(rec trace.NodeExecutionRecord) string {
	if len(rec.ToolCalls) > 0 {
		return fmt.Sprintf("executed %s using tools %s",
			rec.NodeID, strings.Join(dedupe(rec.ToolCalls), ", "))
	}
	return "executed " + rec.NodeID
}

func outcomeDescription(rec trace.NodeExecutionRecord) string {
	if rec.Success {
		if len(rec.Retries) > 0 {
			return fmt.Sprintf("succeeded after %d retries", len(rec.Retries))
		}
		return "succeeded"
	}
	if rec.Error != "" {
		return rec.Error
	}
	return "failed"
}

// resultSummary names the produced keys rather than serializing outputs;
// ResultData carries the values for consumers that want them.
func resultSummary(rec trace.NodeExecutionRecord) string {
	if len(rec.Outputs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(rec.Outputs))
	for k := range rec.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "produced " + strings.Join(keys, ", ")
}

// typeName reports a stable, JSON-flavored type label for a value.
func typeName(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case int, int32, int64, float32, float64, json.Number:
		return "number"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return fmt.Sprintf("array[%d]", len(t))
	case []string:
		return fmt.Sprintf("array[%d]", len(t))
	default:
		return fmt.Sprintf("%T", v)
	}
}

func summarize(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max])
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	var out []string
	for _, v := range list {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
