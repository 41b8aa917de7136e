package guard

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// isolationChecker guards sensitive memory access: a key denylist plus
// a whitelist of keys that may cross session boundaries.
type isolationChecker struct {
	policy *Policy
	shared map[string]bool
}

func newIsolationChecker(policy *Policy) *isolationChecker {
	shared := make(map[string]bool, len(policy.AllowedSharedKeys))
	for _, key := range policy.AllowedSharedKeys {
		shared[key] = true
	}
	return &isolationChecker{policy: policy, shared: shared}
}

// Check reports whether key may be accessed. ownerSessionID is the
// session the key belongs to, accessorSessionID the session asking;
// they differ on cross-session access.
func (c *isolationChecker) Check(key, ownerSessionID, accessorSessionID string) Decision {
	for _, pattern := range c.policy.DenyKeyPatterns {
		if ok, err := doublestar.Match(pattern, key); err == nil && ok {
			return deny("deny_key_patterns", fmt.Sprintf("access to key %q is denied by policy", key))
		}
	}
	if ownerSessionID != "" && accessorSessionID != "" && ownerSessionID != accessorSessionID && !c.shared[key] {
		return deny("allowed_shared_keys", fmt.Sprintf("key %q is not shared across sessions", key))
	}
	return allow("isolation")
}
