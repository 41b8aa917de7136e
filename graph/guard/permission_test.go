package guard

import (
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func permPolicy(mutate func(*Policy)) *Policy {
	p := DefaultPolicy()
	if mutate != nil {
		mutate(&p)
	}
	return &p
}

func TestToolPermissionPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Policy)
		tool     string
		allowed  bool
		wantRule string
	}{
		{
			name:     "default allows unknown tool",
			mutate:   nil,
			tool:     "web_search",
			allowed:  true,
			wantRule: "default",
		},
		{
			name:     "default closed denies unknown tool",
			mutate:   func(p *Policy) { p.DefaultAllowed = false },
			tool:     "web_search",
			allowed:  false,
			wantRule: "default",
		},
		{
			name:     "blocked list denies",
			mutate:   func(p *Policy) { p.BlockedTools = []string{"file_delete"} },
			tool:     "file_delete",
			allowed:  false,
			wantRule: "blocked_tools",
		},
		{
			name: "allowlist admits listed tool",
			mutate: func(p *Policy) {
				p.AllowedTools = []string{"read_file", "web_search"}
			},
			tool:     "web_search",
			allowed:  true,
			wantRule: "allowed_tools",
		},
		{
			name: "allowlist excludes unlisted tool",
			mutate: func(p *Policy) {
				p.AllowedTools = []string{"read_file"}
			},
			tool:     "shell_exec",
			allowed:  false,
			wantRule: "allowed_tools",
		},
		{
			name: "per-tool rule overrides blocked list",
			mutate: func(p *Policy) {
				p.BlockedTools = []string{"shell_exec"}
				p.Tools = map[string]ToolRule{"shell_exec": {Allowed: boolPtr(true)}}
			},
			tool:     "shell_exec",
			allowed:  true,
			wantRule: "tool_rule",
		},
		{
			name: "per-tool rule overrides allowlist",
			mutate: func(p *Policy) {
				p.AllowedTools = []string{"web_search"}
				p.Tools = map[string]ToolRule{"web_search": {Allowed: boolPtr(false)}}
			},
			tool:     "web_search",
			allowed:  false,
			wantRule: "tool_rule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newPermissionChecker(permPolicy(tt.mutate), time.Now)
			d := c.Check(tt.tool, nil)
			if d.Allowed != tt.allowed {
				t.Errorf("allowed = %v, want %v (reason %q)", d.Allowed, tt.allowed, d.Reason)
			}
			if d.Rule != tt.wantRule {
				t.Errorf("rule = %q, want %q", d.Rule, tt.wantRule)
			}
		})
	}
}

func TestDenyReasonWording(t *testing.T) {
	c := newPermissionChecker(permPolicy(func(p *Policy) {
		p.BlockedTools = []string{"file_delete"}
	}), time.Now)

	d := c.Check("file_delete", map[string]interface{}{"path": "notes.txt"})
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if d.Reason != "Tool 'file_delete' is not allowed" {
		t.Errorf("unexpected reason: %q", d.Reason)
	}
}

func TestParameterRestrictions(t *testing.T) {
	t.Run("allowed parameters reject extras", func(t *testing.T) {
		c := newPermissionChecker(permPolicy(func(p *Policy) {
			p.Tools = map[string]ToolRule{
				"web_search": {AllowedParameters: []string{"query", "limit"}},
			}
		}), time.Now)

		if d := c.Check("web_search", map[string]interface{}{"query": "go"}); !d.Allowed {
			t.Errorf("conforming input denied: %s", d.Reason)
		}
		d := c.Check("web_search", map[string]interface{}{"query": "go", "callback_url": "http://x"})
		if d.Allowed {
			t.Fatal("expected extra parameter to be rejected")
		}
		if d.Rule != "allowed_parameters" {
			t.Errorf("rule = %q, want allowed_parameters", d.Rule)
		}
	})

	t.Run("blocked values match case-insensitive substrings", func(t *testing.T) {
		c := newPermissionChecker(permPolicy(func(p *Policy) {
			p.Tools = map[string]ToolRule{
				"shell_exec": {BlockedParameterValues: map[string][]string{
					"command": {"rm -rf", "drop table"},
				}},
			}
		}), time.Now)

		if d := c.Check("shell_exec", map[string]interface{}{"command": "ls -la"}); !d.Allowed {
			t.Errorf("benign command denied: %s", d.Reason)
		}
		d := c.Check("shell_exec", map[string]interface{}{"command": "sudo RM -RF /tmp/x"})
		if d.Allowed {
			t.Fatal("expected blocked value to be rejected")
		}
		if d.Rule != "blocked_parameter_values" {
			t.Errorf("rule = %q, want blocked_parameter_values", d.Rule)
		}
	})

	t.Run("path globs apply to path-like parameters only", func(t *testing.T) {
		c := newPermissionChecker(permPolicy(func(p *Policy) {
			p.Tools = map[string]ToolRule{
				"read_file": {AllowedPathPatterns: []string{"workspace/**"}},
			}
		}), time.Now)

		if d := c.Check("read_file", map[string]interface{}{"path": "workspace/src/main.go"}); !d.Allowed {
			t.Errorf("in-tree path denied: %s", d.Reason)
		}
		d := c.Check("read_file", map[string]interface{}{"path": "/etc/passwd"})
		if d.Allowed {
			t.Fatal("expected out-of-tree path to be rejected")
		}
		if d.Rule != "allowed_path_patterns" {
			t.Errorf("rule = %q, want allowed_path_patterns", d.Rule)
		}
		// A non-path parameter carrying the same string is not a path.
		if d := c.Check("read_file", map[string]interface{}{"note": "/etc/passwd"}); !d.Allowed {
			t.Errorf("non-path parameter denied: %s", d.Reason)
		}
	})

	t.Run("non-string values skip value checks", func(t *testing.T) {
		c := newPermissionChecker(permPolicy(func(p *Policy) {
			p.Tools = map[string]ToolRule{
				"web_search": {BlockedParameterValues: map[string][]string{"limit": {"drop"}}},
			}
		}), time.Now)

		if d := c.Check("web_search", map[string]interface{}{"limit": 10}); !d.Allowed {
			t.Errorf("numeric parameter denied: %s", d.Reason)
		}
	})
}

func TestRateLimitWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	c := newPermissionChecker(permPolicy(func(p *Policy) {
		p.Tools = map[string]ToolRule{"web_search": {RateLimitPerMinute: 2}}
	}), clock)

	for i := 0; i < 2; i++ {
		if d := c.Check("web_search", nil); !d.Allowed {
			t.Fatalf("call %d should pass: %s", i, d.Reason)
		}
	}

	d := c.Check("web_search", nil)
	if d.Allowed {
		t.Fatal("third call inside the window should be denied")
	}
	if d.Rule != "rate_limit" {
		t.Errorf("rule = %q, want rate_limit", d.Rule)
	}

	// Denied calls do not consume the window; only time frees it.
	now = now.Add(30 * time.Second)
	if d := c.Check("web_search", nil); d.Allowed {
		t.Error("call at +30s should still be over the limit")
	}

	now = now.Add(31 * time.Second)
	if d := c.Check("web_search", nil); !d.Allowed {
		t.Errorf("call after the window slid should pass: %s", d.Reason)
	}

	// Limits are per tool.
	if d := c.Check("other_tool", nil); !d.Allowed {
		t.Errorf("unrelated tool affected by rate limit: %s", d.Reason)
	}
}
