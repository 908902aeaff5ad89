// Package cache fronts lease validity lookups with a short-TTL cache so
// repeated checks in a request-hot path don't round-trip SQLite on every
// call. It caches leases only.
package cache

import (
	"encoding/json"
	"time"

	"github.com/agentrt/agentd/internal/cache"
	"github.com/agentrt/agentd/internal/kernel/model"
)

const leaseCacheTTL = 2 * time.Second

// LeaseCache caches FindValidLease results keyed by (subject, capability).
// Real deployments may back it with internal/cache.NewRedisCache; tests and
// single-node defaults use internal/cache.NewMemoryCache.
type LeaseCache struct {
	backend cache.Cache
}

// NewLeaseCache wraps backend as a lease cache.
func NewLeaseCache(backend cache.Cache) *LeaseCache {
	return &LeaseCache{backend: backend}
}

func leaseKey(subject, capability string) string {
	return "lease:" + subject + ":" + capability
}

// Get returns a cached lease for (subject, capability) if present and not
// expired in the cache layer itself (the caller must still re-check
// TTLUntilMs against wall-clock, since the cache TTL is shorter than the
// lease TTL and exists only to dedupe store round-trips).
func (c *LeaseCache) Get(subject, capability string) (*model.Lease, bool) {
	v, ok := c.backend.Get(leaseKey(subject, capability))
	if !ok {
		return nil, false
	}
	raw, ok := v.(string)
	if !ok {
		return nil, false
	}
	var lease model.Lease
	if err := json.Unmarshal([]byte(raw), &lease); err != nil {
		return nil, false
	}
	return &lease, true
}

// Set stores lease for (subject, capability) for the cache's short TTL.
func (c *LeaseCache) Set(subject, capability string, lease model.Lease) {
	raw, err := json.Marshal(lease)
	if err != nil {
		return
	}
	c.backend.Set(leaseKey(subject, capability), string(raw), leaseCacheTTL)
}

// Invalidate drops any cached entry for (subject, capability), used after a
// new lease is issued so the next lookup observes it immediately.
func (c *LeaseCache) Invalidate(subject, capability string) {
	c.backend.Delete(leaseKey(subject, capability))
}
