package policy

import (
	"context"
	"sync"
	"testing"

	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	mu    sync.Mutex
	kinds []string
}

func (s *recordingStore) AppendEvent(_ context.Context, env model.Envelope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, env.Kind)
	return int64(len(s.kinds)), nil
}

func (s *recordingStore) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type fakeLeases struct {
	granted map[string]int64 // capability -> ttl_until_ms
}

func (f *fakeLeases) FindValidLease(_ context.Context, subject, capability string, nowMs int64) (*model.Lease, error) {
	if subject != localSubject {
		return nil, nil
	}
	ttl, ok := f.granted[capability]
	if !ok || ttl <= nowMs {
		return nil, nil
	}
	return &model.Lease{Subject: subject, Capability: capability, TTLUntilMs: ttl}, nil
}

type fakeDenies struct {
	patterns []string
}

func (f *fakeDenies) ActiveDenyPatterns(int64) []string { return f.patterns }

func newTestEngine() (*Engine, *recordingStore) {
	rs := &recordingStore{}
	e := New(&fakeLeases{granted: map[string]int64{}}, nil, events.Emitter{Store: rs})
	return e, rs
}

func TestEvaluateAllowsUnscopedAction(t *testing.T) {
	e, rs := newTestEngine()
	d, err := e.Evaluate(context.Background(), "kernel.health", nil, 0)
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, 0, rs.count("policy.decision"), "allow must not emit an event")
}

func TestEvaluateDeniesUnknownAction(t *testing.T) {
	e, rs := newTestEngine()
	d, err := e.Evaluate(context.Background(), "nonexistent.action", nil, 0)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, 1, rs.count("policy.decision"))
}

func TestEvaluateDeniesCapabilityGatedActionWithoutLease(t *testing.T) {
	rs := &recordingStore{}
	e := New(&fakeLeases{granted: map[string]int64{}}, nil, events.Emitter{Store: rs})

	d, err := e.Evaluate(context.Background(), "fs.write", nil, 1_000)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "fs:write", d.RequireCapability)
	assert.Equal(t, 1, rs.count("policy.decision"))
}

func TestEvaluateAllowsCapabilityGatedActionWithValidLease(t *testing.T) {
	rs := &recordingStore{}
	e := New(&fakeLeases{granted: map[string]int64{"fs:write": 10_000}}, nil, events.Emitter{Store: rs})

	d, err := e.Evaluate(context.Background(), "fs.write", nil, 1_000)
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, 0, rs.count("policy.decision"), "allow via lease must not emit a denial event")
}

func TestEvaluateDeniesExpiredLease(t *testing.T) {
	rs := &recordingStore{}
	e := New(&fakeLeases{granted: map[string]int64{"fs:write": 500}}, nil, events.Emitter{Store: rs})

	d, err := e.Evaluate(context.Background(), "fs.write", nil, 1_000)
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestEvaluateCapsuleDenyPatternOverridesAllow(t *testing.T) {
	rs := &recordingStore{}
	e := New(&fakeLeases{granted: map[string]int64{}}, &fakeDenies{patterns: []string{"runtime.*"}}, events.Emitter{Store: rs})

	d, err := e.Evaluate(context.Background(), "runtime.status", nil, 0)
	require.NoError(t, err)
	assert.False(t, d.Allow, "a capsule deny pattern must override even an unscoped-allowed action")
	assert.Equal(t, 1, rs.count("policy.decision"))
}
