// Package authz maps kernel actions to the capabilities required to run them,
// and matches action names against capsule deny patterns.
package authz

import "path"

// Policy registry for action kinds.
// This is the single source of truth for required capabilities.
var actionCapabilities = map[string][]string{
	"fs.read":         {"fs:read"},
	"fs.write":        {"fs:write"},
	"fs.delete":       {"fs:write"},
	"net.http.fetch":  {"net:egress"},
	"net.http.post":   {"net:egress"},
	"proc.spawn":      {"proc:spawn"},
	"memory.write":    {"memory:write"},
	"memory.read":     {"memory:read"},
	"capsule.adopt":    {"capsule:admin"},
	"capsule.teardown": {"capsule:admin"},
	"runtime.restore":  {"runtime:manage"},
	"runtime.shutdown": {"runtime:manage"},
	"runtime.status":   {},
	"kernel.health":    {},
}

// Actions allowed to carry no required capability (health/status probes).
var unscopedActions = map[string]struct{}{
	"runtime.status": {},
	"kernel.health":  {},
}

// RequiredCapabilities returns the capabilities needed to run an action kind.
func RequiredCapabilities(action string) ([]string, bool) {
	caps, ok := actionCapabilities[action]
	if !ok {
		return nil, false
	}
	return cloneScopes(caps), true
}

// IsUnscopedAllowed reports whether an action is allowed to require no capability.
func IsUnscopedAllowed(action string) bool {
	_, ok := unscopedActions[action]
	return ok
}

// MatchesDenyPattern reports whether action matches any of the capsule's deny
// glob patterns (shell-style, as used in capsule manifests: "fs.write.*").
func MatchesDenyPattern(patterns []string, action string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, action); err == nil && ok {
			return true
		}
	}
	return false
}

func cloneScopes(scopes []string) []string {
	if scopes == nil {
		return []string{}
	}
	return append([]string{}, scopes...)
}
