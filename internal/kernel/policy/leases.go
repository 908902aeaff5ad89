package policy

import (
	"context"

	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/model"
)

// LeaseIssuer is the subset of store.Store the engine needs to mint a lease.
type LeaseIssuer interface {
	InsertLease(ctx context.Context, l model.Lease) (model.Lease, error)
}

// IssueLease grants capability to the local subject until nowMs+ttlMs and
// emits policy.lease.issued. Issuance is an admin operation: callers are
// responsible for checking the caller holds leases:write (or an equivalent
// bootstrap admin token) before calling this.
func IssueLease(ctx context.Context, issuer LeaseIssuer, emit events.Emitter, capability, scope string, nowMs, ttlMs int64, budget *float64) (model.Lease, error) {
	lease, err := issuer.InsertLease(ctx, model.Lease{
		Subject:    localSubject,
		Capability: capability,
		Scope:      scope,
		TTLUntilMs: nowMs + ttlMs,
		Budget:     budget,
	})
	if err != nil {
		return model.Lease{}, err
	}

	_, err = emit.Emit(ctx, "policy.lease.issued", map[string]any{
		"lease_id":     lease.ID,
		"capability":   capability,
		"scope":        scope,
		"ttl_until_ms": lease.TTLUntilMs,
	})
	if err != nil {
		return lease, err
	}
	return lease, nil
}
