// Package guard enforces tool-call policy: a permission check, a risk
// assessment, an approval gate, and an audit trail run in order for
// every call, plus a data-isolation check for sensitive memory access.
package guard

import (
	"fmt"
	"os"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Level classifies assessed risk.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 3
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l is as severe as other.
func (l Level) AtLeast(other Level) bool { return l.rank() >= other.rank() }

// UnmarshalYAML validates the level names accepted in policy files.
func (l *Level) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Level(s) {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		*l = Level(s)
		return nil
	default:
		return fmt.Errorf("invalid risk level %q", s)
	}
}

// Approval modes.
const (
	ApprovalAlways    = "always"
	ApprovalFirstTime = "first_time"
	ApprovalThreshold = "threshold"
)

// ToolRule is the per-tool permission entry. Allowed, when set, overrides
// the global allow/block lists for this tool.
type ToolRule struct {
	Allowed *bool `yaml:"allowed"`

	// AllowedParameters, when non-empty, restricts calls to these input
	// keys.
	AllowedParameters []string `yaml:"allowed_parameters"`

	// BlockedParameterValues denies calls whose named parameter contains
	// one of the listed values (case-insensitive substring).
	BlockedParameterValues map[string][]string `yaml:"blocked_parameter_values"`

	// AllowedPathPatterns restricts path-like parameters to doublestar
	// globs, e.g. "workspace/**".
	AllowedPathPatterns []string `yaml:"allowed_path_patterns"`

	// RateLimitPerMinute bounds calls in a sliding 60s window. Zero
	// means unlimited.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Policy is the full guardrail configuration. Field names follow the
// keys accepted in YAML policy files.
type Policy struct {
	DefaultAllowed bool                `yaml:"default_allowed"`
	AllowedTools   []string            `yaml:"allowed_tools"`
	BlockedTools   []string            `yaml:"blocked_tools"`
	Tools          map[string]ToolRule `yaml:"tools"`

	HighRiskTools        []string `yaml:"high_risk_tools"`
	CriticalRiskTools    []string `yaml:"critical_risk_tools"`
	HighRiskPatterns     []string `yaml:"high_risk_patterns"`
	CriticalRiskPatterns []string `yaml:"critical_risk_patterns"`
	HighRiskKeywords     []string `yaml:"high_risk_keywords"`
	CriticalRiskKeywords []string `yaml:"critical_risk_keywords"`
	SensitiveParameters  []string `yaml:"sensitive_parameters"`
	DestructiveKeywords  []string `yaml:"destructive_keywords"`
	ProductionReferences []string `yaml:"production_references"`

	ApprovalMode             string `yaml:"approval_mode"`
	RiskThresholdForApproval Level  `yaml:"risk_threshold_for_approval"`
	ApprovalTimeoutSeconds   int    `yaml:"approval_timeout_seconds"`
	AutoEscalateCritical     bool   `yaml:"auto_escalate_critical"`

	AuditFile              string   `yaml:"audit_file"`
	AuditHashChain         bool     `yaml:"audit_hash_chain"`
	IncludeSensitiveValues bool     `yaml:"include_sensitive_values"`
	RedactPatterns         []string `yaml:"redact_patterns"`

	DenyKeyPatterns   []string `yaml:"deny_key_patterns"`
	AllowedSharedKeys []string `yaml:"allowed_shared_keys"`

	Environment string `yaml:"environment"`
	FailClosed  bool   `yaml:"fail_closed"`
}

// DefaultPolicy returns the conservative baseline: everything allowed
// unless listed, approvals above high risk, redaction on, fail closed.
func DefaultPolicy() Policy {
	return Policy{
		DefaultAllowed:           true,
		ApprovalMode:             ApprovalThreshold,
		RiskThresholdForApproval: LevelHigh,
		ApprovalTimeoutSeconds:   300,
		AutoEscalateCritical:     true,
		SensitiveParameters: []string{
			"password", "secret", "token", "api_key", "credential", "private_key",
		},
		DestructiveKeywords: []string{
			"delete", "drop", "remove", "truncate", "destroy", "wipe", "purge", "rm -rf",
		},
		ProductionReferences: []string{"prod", "production", "live"},
		Environment:          "development",
		FailClosed:           true,
	}
}

// LoadPolicy reads a YAML policy file over the defaults and validates
// it.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return policy, nil
}

// Validate checks enum fields and compiles every configured pattern so
// misconfigurations fail at load time, not mid-run.
func (p *Policy) Validate() error {
	switch p.ApprovalMode {
	case ApprovalAlways, ApprovalFirstTime, ApprovalThreshold:
	default:
		return fmt.Errorf("invalid approval_mode %q", p.ApprovalMode)
	}
	if p.RiskThresholdForApproval != "" {
		switch p.RiskThresholdForApproval {
		case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		default:
			return fmt.Errorf("invalid risk_threshold_for_approval %q", p.RiskThresholdForApproval)
		}
	}
	if p.ApprovalTimeoutSeconds < 0 {
		return fmt.Errorf("approval_timeout_seconds must be >= 0, got %d", p.ApprovalTimeoutSeconds)
	}

	for _, expr := range p.HighRiskPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("compile high_risk_patterns %q: %w", expr, err)
		}
	}
	for _, expr := range p.CriticalRiskPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("compile critical_risk_patterns %q: %w", expr, err)
		}
	}
	for _, expr := range p.RedactPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("compile redact_patterns %q: %w", expr, err)
		}
	}
	for _, pattern := range p.DenyKeyPatterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid deny_key_patterns glob %q", pattern)
		}
	}
	for name, rule := range p.Tools {
		for _, pattern := range rule.AllowedPathPatterns {
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("invalid allowed_path_patterns glob %q for tool %s", pattern, name)
			}
		}
		if rule.RateLimitPerMinute < 0 {
			return fmt.Errorf("rate_limit_per_minute must be >= 0 for tool %s", name)
		}
	}
	return nil
}

func compileAll(exprs []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		if re, err := regexp.Compile(expr); err == nil {
			out = append(out, re)
		}
	}
	return out
}
