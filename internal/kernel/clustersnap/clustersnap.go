// Package clustersnap implements the cluster snapshot read-model: an
// informational, single-node self-report used by the admin surface to
// answer "what is this node and how long has it been running". It is not
// distributed consensus or membership tracking — there is exactly one node,
// this process, and the snapshot only ever describes it.
package clustersnap

import (
	"os"
	"time"

	"github.com/agentrt/agentd/internal/version"
)

// TTLSeconds is how long a client may cache a snapshot before it's expected
// to be stale, advertised in the response so callers don't need to poll
// faster than the node's own state actually changes.
const TTLSeconds = 30

// Node describes this process as the sole member of its (trivial) cluster.
type Node struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	// StartedMs is when this node came up, in epoch milliseconds.
	StartedMs int64 `json:"started_ms"`
	// UptimeMs is time.Now()-StartedMs at snapshot time, in milliseconds.
	UptimeMs int64 `json:"uptime_ms"`
}

// Snapshot is the full read-model payload served at GET /state/cluster.
type Snapshot struct {
	Nodes       []Node `json:"nodes"`
	Generated   string `json:"generated"`
	GeneratedMs int64  `json:"generated_ms"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

// Snapshotter produces a Snapshot describing the local node. It is
// constructed once at process start so StartedMs is stable for the life of
// the daemon.
type Snapshotter struct {
	id        string
	hostname  string
	startedMs int64
}

// New constructs a Snapshotter for the local node, identified by id (a
// caller-supplied stable identifier, e.g. derived from state dir or a
// generated UUID) and the process's own hostname.
func New(id string) *Snapshotter {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return &Snapshotter{
		id:        id,
		hostname:  hostname,
		startedMs: time.Now().UnixMilli(),
	}
}

// Snapshot returns the current single-node cluster snapshot.
func (s *Snapshotter) Snapshot() Snapshot {
	now := time.Now()
	nowMs := now.UnixMilli()
	uptime := nowMs - s.startedMs
	if uptime < 0 {
		uptime = 0
	}
	return Snapshot{
		Nodes: []Node{{
			ID:        s.id,
			Hostname:  s.hostname,
			Version:   version.Version,
			Commit:    version.Commit,
			StartedMs: s.startedMs,
			UptimeMs:  uptime,
		}},
		Generated:   now.UTC().Format(time.RFC3339),
		GeneratedMs: nowMs,
		TTLSeconds:  TTLSeconds,
	}
}
