// Package policy evaluates whether an action may run, gating privileged
// actions on capsule deny patterns and held capability leases.
package policy

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentrt/agentd/internal/control/authz"
	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/kernel/store"
)

// localSubject is the fixed subject leases are checked against. This is a
// single-node kernel with one local actor, not a multi-tenant authority.
const localSubject = "local"

// LeaseFinder is the subset of store.Store the engine needs to check for a
// held capability lease.
type LeaseFinder interface {
	FindValidLease(ctx context.Context, subject, capability string, nowMs int64) (*model.Lease, error)
}

// DenyProvider supplies the deny-glob patterns carried by every currently
// adopted capsule.
type DenyProvider interface {
	ActiveDenyPatterns(nowMs int64) []string
}

// Decision is the outcome of evaluating one action.
type Decision struct {
	Allow             bool
	RequireCapability string
	Explain           map[string]any
}

// Engine evaluates action_name -> Decision, consulting capsule deny
// patterns, the static action/capability table, and held leases.
type Engine struct {
	Leases LeaseFinder
	Denies DenyProvider
	Emit   events.Emitter
}

// New constructs an Engine. denies may be nil if no capsule guard is wired
// (policy then falls back to the static capability table alone).
func New(leases LeaseFinder, denies DenyProvider, emit events.Emitter) *Engine {
	return &Engine{Leases: leases, Denies: denies, Emit: emit}
}

// Evaluate decides whether action may run as of nowMs. policyCtx flows
// through to the emitted policy.decision event unchanged, so a denial can be
// correlated back to the request that produced it.
//
// A capsule deny pattern is checked first: it overrides the static
// capability table entirely, with no lease able to override it. Otherwise
// the action's required capabilities are looked up; an unknown action or one
// with no capability defined and not on the unscoped allow-list is denied.
// A known, capability-gated action is allowed only if a currently valid
// lease grants that capability to the local subject.
//
// On allow, no event is emitted: the event stream is reserved for denials so
// it isn't dominated by routine approvals.
func (e *Engine) Evaluate(ctx context.Context, action string, policyCtx json.RawMessage, nowMs int64) (Decision, error) {
	if e.Denies != nil {
		for _, pattern := range e.Denies.ActiveDenyPatterns(nowMs) {
			if authz.MatchesDenyPattern([]string{pattern}, action) {
				return e.deny(ctx, action, policyCtx, "", map[string]any{
					"reason":  "capsule_deny_pattern",
					"pattern": pattern,
				})
			}
		}
	}

	caps, known := authz.RequiredCapabilities(action)
	if !known {
		return e.deny(ctx, action, policyCtx, "", map[string]any{"reason": "unknown_action"})
	}
	if len(caps) == 0 {
		if authz.IsUnscopedAllowed(action) {
			return Decision{Allow: true}, nil
		}
		return e.deny(ctx, action, policyCtx, "", map[string]any{"reason": "no_capability_defined"})
	}

	capability := caps[0]
	if e.Leases != nil {
		lease, err := e.Leases.FindValidLease(ctx, localSubject, capability, nowMs)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Decision{}, err
		}
		if lease != nil {
			return Decision{Allow: true}, nil
		}
	}

	return e.deny(ctx, action, policyCtx, capability, map[string]any{
		"reason":             "capability_not_leased",
		"require_capability": capability,
	})
}

func (e *Engine) deny(ctx context.Context, action string, policyCtx json.RawMessage, requireCapability string, explain map[string]any) (Decision, error) {
	d := Decision{Allow: false, RequireCapability: requireCapability, Explain: explain}

	event := map[string]any{
		"action":  action,
		"allow":   false,
		"explain": explain,
	}
	if requireCapability != "" {
		event["require_capability"] = requireCapability
	}
	if policyCtx != nil {
		event["policy_ctx"] = policyCtx
	}
	if _, err := e.Emit.Emit(ctx, "policy.decision", event); err != nil {
		return d, err
	}
	return d, nil
}
