package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestartBudgetAllowsUpToMax(t *testing.T) {
	b := newRestartBudget(60, 2)
	now := time.Now()

	require.True(t, b.allow(now))
	b.record(now)
	require.True(t, b.allow(now))
	b.record(now)
	assert.False(t, b.allow(now), "third attempt within the window must be denied")
}

func TestRestartBudgetRollsWindow(t *testing.T) {
	b := newRestartBudget(60, 1)
	now := time.Now()

	require.True(t, b.allow(now))
	b.record(now)
	assert.False(t, b.allow(now))

	later := now.Add(61 * time.Second)
	assert.True(t, b.allow(later), "budget must reset once the window rolls")
}

func TestRestartBudgetSnapshot(t *testing.T) {
	b := newRestartBudget(300, 3)
	now := time.Now()
	b.record(now)

	snap := b.snapshot(now)
	assert.Equal(t, int64(300), snap.WindowSeconds)
	assert.Equal(t, 3, snap.MaxRestarts)
	assert.Equal(t, 1, snap.Used)
	assert.Equal(t, 2, snap.Remaining)
	require.NotNil(t, snap.ResetAt)
}

func TestNewRestartBudgetAppliesDefaults(t *testing.T) {
	b := newRestartBudget(0, 0)
	assert.Equal(t, int64(600), b.windowSeconds)
	assert.Equal(t, 3, b.maxRestarts)
}
