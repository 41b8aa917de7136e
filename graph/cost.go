package graph

import (
	"fmt"
	"sync"
	"time"
)

// ModelPricing is the USD price of a model per one million tokens, input
// and output priced separately.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Static pricing for the major providers, USD per 1M tokens. Models not
// listed here are recorded with zero cost rather than rejected, so token
// accounting survives a stale table. Update as providers change prices.
var defaultModelPricing = map[string]ModelPricing{
	// Anthropic
	"claude-sonnet-4-5":          {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-opus-4-1":            {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},

	// OpenAI
	"gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":   {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},

	// Google
	"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-2.0-flash": {InputPer1M: 0.10, OutputPer1M: 0.40},
}

// LLMCall is one recorded provider invocation.
type LLMCall struct {
	Model        string    `json:"model"`
	NodeID       string    `json:"node_id,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// CostTracker accumulates token usage and dollar cost for one run. All
// methods are safe for concurrent use; parallel branches record into the
// same tracker.
type CostTracker struct {
	mu           sync.RWMutex
	runID        string
	pricing      map[string]ModelPricing
	calls        []LLMCall
	totalCost    float64
	modelCosts   map[string]float64
	inputTokens  int64
	outputTokens int64
}

// NewCostTracker creates a tracker for the given run using the default
// pricing table.
func NewCostTracker(runID string) *CostTracker {
	pricing := make(map[string]ModelPricing, len(defaultModelPricing))
	for model, p := range defaultModelPricing {
		pricing[model] = p
	}
	return &CostTracker{
		runID:      runID,
		pricing:    pricing,
		modelCosts: make(map[string]float64),
	}
}

// RecordCall records one provider invocation and returns its cost in USD.
// Unknown models are recorded at zero cost so token totals stay accurate.
func (ct *CostTracker) RecordCall(model string, inputTokens, outputTokens int, nodeID string) float64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	pricing := ct.pricing[model]
	cost := float64(inputTokens)/1_000_000*pricing.InputPer1M +
		float64(outputTokens)/1_000_000*pricing.OutputPer1M

	ct.calls = append(ct.calls, LLMCall{
		Model:        model,
		NodeID:       nodeID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		Timestamp:    time.Now().UTC(),
	})
	ct.totalCost += cost
	ct.modelCosts[model] += cost
	ct.inputTokens += int64(inputTokens)
	ct.outputTokens += int64(outputTokens)
	return cost
}

// TotalCost returns the cumulative cost in USD across all recorded calls.
func (ct *CostTracker) TotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.totalCost
}

// CostByModel returns the per-model cost breakdown as a copy.
func (ct *CostTracker) CostByModel() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make(map[string]float64, len(ct.modelCosts))
	for model, cost := range ct.modelCosts {
		out[model] = cost
	}
	return out
}

// TokenUsage returns total input and output tokens across all calls.
func (ct *CostTracker) TokenUsage() (input, output int64) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.inputTokens, ct.outputTokens
}

// Calls returns all recorded invocations in chronological order.
func (ct *CostTracker) Calls() []LLMCall {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]LLMCall, len(ct.calls))
	copy(out, ct.calls)
	return out
}

// SetPricing overrides the price of one model, for custom deployments or
// table updates without a rebuild.
func (ct *CostTracker) SetPricing(model string, inputPer1M, outputPer1M float64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.pricing[model] = ModelPricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

func (ct *CostTracker) String() string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return fmt.Sprintf("CostTracker{run=%s calls=%d cost=$%.4f in=%d out=%d}",
		ct.runID, len(ct.calls), ct.totalCost, ct.inputTokens, ct.outputTokens)
}
