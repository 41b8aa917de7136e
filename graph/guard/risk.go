package guard

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Score weights. Classification: >= 100 critical, >= 50 high,
// >= 20 medium, else low.
const (
	weightHighRiskTool     = 50
	weightCriticalRiskTool = 100
	weightHighRiskName     = 40
	weightCriticalRiskName = 80
	weightSensitiveParam   = 30
	weightDestructiveValue = 25
	weightProductionRef    = 35
	weightProductionEnv    = 30
	weightStagingEnv       = 15
	weightRepeatedCalls    = 10

	repeatWindow    = 10
	repeatThreshold = 3
)

// Assessment is the scored risk of one tool call.
type Assessment struct {
	Score   int
	Level   Level
	Reasons []string
}

func classify(score int) Level {
	switch {
	case score >= 100:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 20:
		return LevelMedium
	default:
		return LevelLow
	}
}

// callHistory is a bounded ring of recent tool names shared by the
// engine for pattern detection.
type callHistory struct {
	mu      sync.Mutex
	entries []string
	limit   int
}

func newCallHistory(limit int) *callHistory {
	return &callHistory{limit: limit}
}

func (h *callHistory) record(toolName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, toolName)
	if len(h.entries) > h.limit {
		h.entries = h.entries[len(h.entries)-h.limit:]
	}
}

func (h *callHistory) countInLast(toolName string, n int) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := len(h.entries) - n
	if start < 0 {
		start = 0
	}
	count := 0
	for _, name := range h.entries[start:] {
		if name == toolName {
			count++
		}
	}
	return count
}

// riskScorer aggregates policy class, name patterns, parameter
// inspection, environment, and recent-call patterns into a score.
type riskScorer struct {
	policy     *Policy
	highRe     []*regexp.Regexp
	criticalRe []*regexp.Regexp
	history    *callHistory
}

func newRiskScorer(policy *Policy, history *callHistory) *riskScorer {
	return &riskScorer{
		policy:     policy,
		highRe:     compileAll(policy.HighRiskPatterns),
		criticalRe: compileAll(policy.CriticalRiskPatterns),
		history:    history,
	}
}

func (s *riskScorer) Assess(toolName string, input map[string]interface{}) Assessment {
	var score int
	var reasons []string

	add := func(points int, format string, args ...interface{}) {
		score += points
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	switch {
	case contains(s.policy.CriticalRiskTools, toolName):
		add(weightCriticalRiskTool, "tool '%s' is policy-classified critical risk", toolName)
	case contains(s.policy.HighRiskTools, toolName):
		add(weightHighRiskTool, "tool '%s' is policy-classified high risk", toolName)
	}

	lowerName := strings.ToLower(toolName)
	switch {
	case matchesRe(s.criticalRe, toolName) || containsKeyword(s.policy.CriticalRiskKeywords, lowerName):
		add(weightCriticalRiskName, "tool name matches a critical-risk pattern")
	case matchesRe(s.highRe, toolName) || containsKeyword(s.policy.HighRiskKeywords, lowerName):
		add(weightHighRiskName, "tool name matches a high-risk pattern")
	}

	productionSeen := false
	for _, name := range sortedKeys(input) {
		if containsKeyword(s.policy.SensitiveParameters, strings.ToLower(name)) {
			add(weightSensitiveParam, "sensitive parameter %q", name)
		}
		value, isString := input[name].(string)
		if !isString {
			continue
		}
		lowerValue := strings.ToLower(value)
		if containsKeyword(s.policy.DestructiveKeywords, lowerValue) {
			add(weightDestructiveValue, "destructive keyword in parameter %q", name)
		}
		if !productionSeen && containsKeyword(s.policy.ProductionReferences, lowerValue) {
			productionSeen = true
			add(weightProductionRef, "parameter %q references a production environment", name)
		}
	}

	switch s.policy.Environment {
	case "production":
		add(weightProductionEnv, "running in production")
	case "staging":
		add(weightStagingEnv, "running in staging")
	}

	if s.history.countInLast(toolName, repeatWindow) >= repeatThreshold {
		add(weightRepeatedCalls, "tool '%s' repeated in recent calls", toolName)
	}

	return Assessment{Score: score, Level: classify(score), Reasons: reasons}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func containsKeyword(keywords []string, lowered string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func matchesRe(patterns []*regexp.Regexp, value string) bool {
	for _, re := range patterns {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}
