package clustersnap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotDescribesSingleNode(t *testing.T) {
	s := New("node-1")
	snap := s.Snapshot()

	require.Len(t, snap.Nodes, 1)
	node := snap.Nodes[0]
	assert.Equal(t, "node-1", node.ID)
	assert.NotEmpty(t, node.Hostname)
	assert.Equal(t, TTLSeconds, snap.TTLSeconds)
	assert.GreaterOrEqual(t, node.UptimeMs, int64(0))
	assert.Equal(t, node.StartedMs+node.UptimeMs, snap.GeneratedMs)
}

func TestSnapshotUptimeAdvances(t *testing.T) {
	s := New("node-1")
	first := s.Snapshot().Nodes[0].UptimeMs
	time.Sleep(5 * time.Millisecond)
	second := s.Snapshot().Nodes[0].UptimeMs
	assert.Greater(t, second, first)
}

func TestSnapshotStartedMsStableAcrossCalls(t *testing.T) {
	s := New("node-1")
	first := s.Snapshot().Nodes[0].StartedMs
	second := s.Snapshot().Nodes[0].StartedMs
	assert.Equal(t, first, second)
}
