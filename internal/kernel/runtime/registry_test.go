package runtime

import (
	"context"
	"testing"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndSnapshot(t *testing.T) {
	r := NewRegistry(newTestEmitter())
	def := model.RuntimeDefinition{Descriptor: model.RuntimeDescriptor{ID: "rt-a", Adapter: "process"}}
	r.registerDescriptor(def)

	snap := r.snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "rt-a", snap[0].Definition.Descriptor.ID)
	assert.Equal(t, model.RuntimeOffline, snap[0].State)
}

func TestRegistryApplyStatusUpdatesExisting(t *testing.T) {
	r := NewRegistry(newTestEmitter())
	def := model.RuntimeDefinition{Descriptor: model.RuntimeDescriptor{ID: "rt-b", Adapter: "process"}}
	r.registerDescriptor(def)

	r.applyStatus(context.Background(), "rt-b", model.RuntimeReady, model.SeverityNone, "", model.RestartBudget{})

	status, ok := r.get("rt-b")
	require.True(t, ok)
	assert.Equal(t, model.RuntimeReady, status.State)
}

func TestRegistryRemoveDescriptor(t *testing.T) {
	r := NewRegistry(newTestEmitter())
	def := model.RuntimeDefinition{Descriptor: model.RuntimeDescriptor{ID: "rt-c", Adapter: "process"}}
	r.registerDescriptor(def)
	r.removeDescriptor("rt-c")

	_, ok := r.get("rt-c")
	assert.False(t, ok)
}

func TestRegistrySnapshotSortedByID(t *testing.T) {
	r := NewRegistry(newTestEmitter())
	r.registerDescriptor(model.RuntimeDefinition{Descriptor: model.RuntimeDescriptor{ID: "zebra"}})
	r.registerDescriptor(model.RuntimeDefinition{Descriptor: model.RuntimeDescriptor{ID: "alpha"}})

	snap := r.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Definition.Descriptor.ID)
	assert.Equal(t, "zebra", snap[1].Definition.Descriptor.ID)
}
