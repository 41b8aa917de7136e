package guard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  string
	// Rule names the policy clause that decided: tool_rule,
	// blocked_tools, allowed_tools, default, allowed_parameters,
	// blocked_parameter_values, allowed_path_patterns, rate_limit.
	Rule string
}

func allow(rule string) Decision {
	return Decision{Allowed: true, Rule: rule}
}

func deny(rule, reason string) Decision {
	return Decision{Reason: reason, Rule: rule}
}

// Parameter names treated as filesystem paths for glob restrictions.
var pathParameterNames = map[string]bool{
	"path":      true,
	"file":      true,
	"filename":  true,
	"file_path": true,
	"dir":       true,
	"directory": true,
	"source":    true,
	"dest":      true,
	"target":    true,
}

const rateWindow = time.Minute

// permissionChecker applies the deterministic stage of the pipeline.
type permissionChecker struct {
	policy *Policy

	mu    sync.Mutex
	calls map[string][]time.Time
	now   func() time.Time
}

func newPermissionChecker(policy *Policy, now func() time.Time) *permissionChecker {
	return &permissionChecker{
		policy: policy,
		calls:  make(map[string][]time.Time),
		now:    now,
	}
}

// Check resolves tool and parameter permissions, then the rate limit.
// Allowed calls count against the tool's sliding window.
func (c *permissionChecker) Check(toolName string, input map[string]interface{}) Decision {
	rule, hasRule := c.policy.Tools[toolName]

	decision := c.toolAllowed(toolName, rule, hasRule)
	if !decision.Allowed {
		return decision
	}
	if hasRule {
		if d := checkParameters(toolName, rule, input); !d.Allowed {
			return d
		}
		if rule.RateLimitPerMinute > 0 {
			if d := c.checkRate(toolName, rule.RateLimitPerMinute); !d.Allowed {
				return d
			}
		}
	}
	return decision
}

func (c *permissionChecker) toolAllowed(toolName string, rule ToolRule, hasRule bool) Decision {
	if hasRule && rule.Allowed != nil {
		if *rule.Allowed {
			return allow("tool_rule")
		}
		return deny("tool_rule", fmt.Sprintf("Tool '%s' is not allowed", toolName))
	}
	for _, blocked := range c.policy.BlockedTools {
		if blocked == toolName {
			return deny("blocked_tools", fmt.Sprintf("Tool '%s' is not allowed", toolName))
		}
	}
	if len(c.policy.AllowedTools) > 0 {
		for _, allowed := range c.policy.AllowedTools {
			if allowed == toolName {
				return allow("allowed_tools")
			}
		}
		return deny("allowed_tools", fmt.Sprintf("Tool '%s' is not allowed", toolName))
	}
	if c.policy.DefaultAllowed {
		return allow("default")
	}
	return deny("default", fmt.Sprintf("Tool '%s' is not allowed", toolName))
}

func checkParameters(toolName string, rule ToolRule, input map[string]interface{}) Decision {
	if len(rule.AllowedParameters) > 0 {
		allowed := make(map[string]bool, len(rule.AllowedParameters))
		for _, name := range rule.AllowedParameters {
			allowed[name] = true
		}
		for _, name := range sortedKeys(input) {
			if !allowed[name] {
				return deny("allowed_parameters",
					fmt.Sprintf("parameter %q is not permitted for tool '%s'", name, toolName))
			}
		}
	}

	for _, name := range sortedKeys(input) {
		value, isString := input[name].(string)
		if !isString {
			continue
		}
		lowerValue := strings.ToLower(value)
		for _, blocked := range rule.BlockedParameterValues[name] {
			if blocked != "" && strings.Contains(lowerValue, strings.ToLower(blocked)) {
				return deny("blocked_parameter_values",
					fmt.Sprintf("parameter %q contains blocked value %q", name, blocked))
			}
		}
		if len(rule.AllowedPathPatterns) > 0 && pathParameterNames[name] {
			if !matchesAny(rule.AllowedPathPatterns, value) {
				return deny("allowed_path_patterns",
					fmt.Sprintf("path %q is outside the allowed patterns", value))
			}
		}
	}
	return allow("parameters")
}

func matchesAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, value); err == nil && ok {
			return true
		}
	}
	return false
}

func (c *permissionChecker) checkRate(toolName string, limit int) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now.Add(-rateWindow)

	window := c.calls[toolName]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		c.calls[toolName] = kept
		return deny("rate_limit",
			fmt.Sprintf("rate limit of %d calls per minute exceeded for tool '%s'", limit, toolName))
	}
	c.calls[toolName] = append(kept, now)
	return allow("rate_limit")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
