// Package config loads the runtime configuration for the orchestration
// daemon from environment variables, following the same parse-with-default
// idiom used throughout this codebase (see env.go).
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the fully resolved runtime configuration. It is built once at
// startup by Load and then treated as immutable by the rest of the process.
type Config struct {
	StateDir   string
	AdminToken string

	CapsuleRefresh        time.Duration
	CapsuleRequestRefresh time.Duration

	RuntimeManifestPaths  []string
	RuntimeRestartMax     int
	RuntimeRestartWindow  time.Duration
	RuntimeHealthInterval time.Duration

	ContextK               int
	ContextLanesDefault    []string
	ContextMinScore        float64
	ContextDiversityLambda float64
	ContextSlotBudgets     map[string]int
	ContextExpandQuery     bool
	ContextExpandQueryTopK int
	ContextScorer          string

	SecurityPosture string
	TrustStorePath  string

	HTTPAddr string
}

const (
	minCapsuleRefresh = 50 * time.Millisecond

	PostureStandard = "standard"
	PostureRelaxed  = "relaxed"
)

// Load resolves a Config from the process environment, applying the
// defaults documented in spec.md §6.
func Load() (*Config, error) {
	cfg := &Config{
		StateDir:   ParseString("ARW_STATE_DIR", "./state"),
		AdminToken: ParseString("ARW_ADMIN_TOKEN", ""),

		RuntimeRestartMax:    ParseInt("ARW_RUNTIME_RESTART_MAX", 3),
		RuntimeRestartWindow: ParseDuration("ARW_RUNTIME_RESTART_WINDOW_SEC", 10*time.Minute),

		ContextK:               ParseInt("ARW_CONTEXT_K", 18),
		ContextMinScore:        ParseFloat("ARW_CONTEXT_MIN_SCORE", 0.1),
		ContextDiversityLambda: ParseFloat("ARW_CONTEXT_DIVERSITY_LAMBDA", 0.72),
		ContextExpandQuery:     ParseBool("ARW_CONTEXT_EXPAND_QUERY", false),
		ContextExpandQueryTopK: ParseInt("ARW_CONTEXT_EXPAND_QUERY_TOP_K", 4),
		ContextScorer:          ParseString("ARW_CONTEXT_SCORER", "mmrd"),

		SecurityPosture: ParseString("ARW_SECURITY_POSTURE", PostureStandard),
		TrustStorePath:  ParseString("ARW_TRUST_STORE_PATH", "configs/trust_capsules.json"),

		HTTPAddr: ParseString("ARW_HTTP_ADDR", ":8877"),
	}

	// ARW_RUNTIME_RESTART_WINDOW_SEC is documented as seconds, not a Go
	// duration string; ParseDuration above only helps when the operator
	// already supplies a suffix (e.g. "600s"). Re-read as a bare integer
	// of seconds when that's what was supplied.
	if secs := ParseInt("ARW_RUNTIME_RESTART_WINDOW_SEC", 0); secs > 0 {
		cfg.RuntimeRestartWindow = time.Duration(secs) * time.Second
	}

	// ARW_RUNTIME_HEALTH_INTERVAL_MS is a bare millisecond count, not a Go
	// duration string, and is floored the same way ARW_CAPSULE_REFRESH_MS
	// is: a misconfigured near-zero interval would otherwise busy-loop the
	// health check.
	healthMs := ParseInt("ARW_RUNTIME_HEALTH_INTERVAL_MS", 5_000)
	if healthMs < 100 {
		healthMs = 100
	}
	cfg.RuntimeHealthInterval = time.Duration(healthMs) * time.Millisecond

	cfg.CapsuleRefresh = resolveCapsuleRefresh()
	cfg.CapsuleRequestRefresh = ParseDuration("ARW_CAPSULE_REQUEST_REFRESH_MS", 2*time.Second)

	if manifests := ParseString("ARW_RUNTIME_MANIFEST", ""); manifests != "" {
		for _, p := range strings.Split(manifests, ";") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.RuntimeManifestPaths = append(cfg.RuntimeManifestPaths, p)
			}
		}
	}

	cfg.ContextLanesDefault = splitCSVOrDefault(
		ParseString("ARW_CONTEXT_LANES_DEFAULT", ""),
		[]string{"semantic", "procedural", "episodic"},
	)

	cfg.ContextSlotBudgets = parseSlotBudgets(ParseString("ARW_CONTEXT_SLOT_BUDGETS", ""))

	if cfg.SecurityPosture != PostureStandard && cfg.SecurityPosture != PostureRelaxed {
		return nil, fmt.Errorf("config: invalid ARW_SECURITY_POSTURE %q", cfg.SecurityPosture)
	}

	return cfg, nil
}

// resolveCapsuleRefresh implements the ARW_CAPSULE_REFRESH_MS / _SECS pair,
// enforcing the documented 50ms floor.
func resolveCapsuleRefresh() time.Duration {
	if ms := ParseInt("ARW_CAPSULE_REFRESH_MS", 0); ms > 0 {
		d := time.Duration(ms) * time.Millisecond
		if d < minCapsuleRefresh {
			d = minCapsuleRefresh
		}
		return d
	}
	secs := ParseInt("ARW_CAPSULE_REFRESH_SECS", 5)
	d := time.Duration(secs) * time.Second
	if d < minCapsuleRefresh {
		d = minCapsuleRefresh
	}
	return d
}

func splitCSVOrDefault(raw string, def []string) []string {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// parseSlotBudgets parses "instructions=1,evidence=2" into a map.
func parseSlotBudgets(raw string) map[string]int {
	out := map[string]int{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(kv[1]), "%d", &n); err == nil {
			out[strings.TrimSpace(kv[0])] = n
		}
	}
	return out
}
