package cache

import (
	"testing"

	agentdcache "github.com/agentrt/agentd/internal/cache"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/stretchr/testify/assert"
)

func TestLeaseCacheSetGet(t *testing.T) {
	lc := NewLeaseCache(agentdcache.NewMemoryCache(0))

	lease := model.Lease{ID: "l-1", Subject: "local", Capability: "runtime:manage", TTLUntilMs: 1_000_000}
	lc.Set("local", "runtime:manage", lease)

	got, ok := lc.Get("local", "runtime:manage")
	assert.True(t, ok)
	assert.Equal(t, "l-1", got.ID)
}

func TestLeaseCacheMiss(t *testing.T) {
	lc := NewLeaseCache(agentdcache.NewMemoryCache(0))
	_, ok := lc.Get("local", "runtime:manage")
	assert.False(t, ok)
}

func TestLeaseCacheInvalidate(t *testing.T) {
	lc := NewLeaseCache(agentdcache.NewMemoryCache(0))
	lc.Set("local", "runtime:manage", model.Lease{ID: "l-1"})
	lc.Invalidate("local", "runtime:manage")

	_, ok := lc.Get("local", "runtime:manage")
	assert.False(t, ok, "invalidated entry must not be served")
}
