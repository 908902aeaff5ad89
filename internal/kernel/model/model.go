// Package model defines the persisted and wire shapes shared across the
// kernel: events, capsules, leases, actions, memory records, runtime
// descriptors and restart budgets.
package model

import "encoding/json"

// Envelope is an immutable event published on the bus and persisted as an
// Event Row. Once published it is never mutated.
type Envelope struct {
	Time    int64           `json:"time"` // unix epoch milliseconds
	Kind    string          `json:"kind"` // dotted topic, e.g. "policy.capsule.applied"
	Payload json.RawMessage `json:"payload"`
	Policy  json.RawMessage `json:"policy,omitempty"`
	CE      json.RawMessage `json:"ce,omitempty"`
}

// EventRow is a persisted Envelope with its auto-increment id and
// extracted correlation fields.
type EventRow struct {
	ID      int64  `json:"id"`
	Envelope
	CorrID string `json:"corr_id,omitempty"`
	Actor  string `json:"actor,omitempty"`
	Proj   string `json:"proj,omitempty"`
}

// PropagateMode controls how a capsule's hop budget is intended to fan out.
type PropagateMode string

const (
	PropagateNone     PropagateMode = "none"
	PropagateChildren PropagateMode = "children"
	PropagateSiblings PropagateMode = "siblings"
)

// Contract is a named bundle of deny patterns with an activation time,
// nested inside a GatingCapsule.
type Contract struct {
	ID        string   `json:"id"`
	Patterns  []string `json:"patterns"`
	ValidFrom int64    `json:"valid_from_ms"`
}

// GatingCapsule is the signed policy manifest admitted per request via the
// X-ARW-Capsule header. Signature covers the canonical JSON of every field
// below except Signature itself.
type GatingCapsule struct {
	ID              string        `json:"id"`
	Version         string        `json:"version"`
	IssuedAtMs      int64         `json:"issued_at_ms"`
	Issuer          string        `json:"issuer,omitempty"`
	HopTTL          *uint32       `json:"hop_ttl,omitempty"`
	Propagate       PropagateMode `json:"propagate,omitempty"`
	Denies          []string      `json:"denies"`
	Contracts       []Contract    `json:"contracts"`
	LeaseDurationMs *int64        `json:"lease_duration_ms,omitempty"`
	RenewWithinMs   *int64        `json:"renew_within_ms,omitempty"`
	Signature       string        `json:"signature,omitempty"` // base64
}

// CapsuleStatus classifies an adopted capsule's lifecycle position.
type CapsuleStatus string

const (
	StatusActive    CapsuleStatus = "active"
	StatusRenewDue  CapsuleStatus = "renew_due"
	StatusExpiring  CapsuleStatus = "expiring"
	StatusExpired   CapsuleStatus = "expired"
	StatusUnbounded CapsuleStatus = "unbounded"
)

// CapsuleEntry is the in-memory adopted-capsule record: the signed snapshot
// plus bookkeeping needed for refresh, throttle, and hop decay.
type CapsuleEntry struct {
	Snapshot      GatingCapsule `json:"snapshot"`
	Fingerprint   string        `json:"fingerprint"` // sha256 hex of signature-stripped canonical JSON
	AppliedMs     int64         `json:"applied_ms"`
	RemainingHops *uint32       `json:"remaining_hops,omitempty"`
	LeaseUntilMs  *int64        `json:"lease_until_ms,omitempty"`
	LastEventMs   int64         `json:"last_event_ms"`
}

// Lease grants a capability to a subject until TTLUntilMs.
type Lease struct {
	ID         string          `json:"id"` // uuid
	Subject    string          `json:"subject"`
	Capability string          `json:"capability"`
	Scope      string          `json:"scope,omitempty"`
	TTLUntilMs int64           `json:"ttl_until"`
	Budget     *float64        `json:"budget,omitempty"`
	PolicyCtx  json.RawMessage `json:"policy_ctx,omitempty"`
	Created    string          `json:"created"`
	Updated    string          `json:"updated"`
}

// Valid reports whether the lease covers subject/capability and has not
// expired as of nowMs.
func (l Lease) Valid(subject, capability string, nowMs int64) bool {
	return l.Subject == subject && l.Capability == capability && l.TTLUntilMs > nowMs
}

// ActionState is a position in the action state machine.
type ActionState string

const (
	ActionQueued    ActionState = "queued"
	ActionRunning   ActionState = "running"
	ActionCompleted ActionState = "completed"
	ActionFailed    ActionState = "failed"
	ActionDenied    ActionState = "denied"
)

// Action is a durable unit of work submitted to the Action Queue.
type Action struct {
	ID        string          `json:"id"` // uuid
	Kind      string          `json:"kind"`
	Input     json.RawMessage `json:"input"`
	PolicyCtx json.RawMessage `json:"policy_ctx,omitempty"`
	IdemKey   string          `json:"idem_key,omitempty"`
	State     ActionState     `json:"state"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Created   string          `json:"created"`
	Updated   string          `json:"updated"`
}

// MemoryRecord is a single memory candidate carried in a lane.
type MemoryRecord struct {
	ID      string          `json:"id"` // uuid
	Lane    string          `json:"lane"`
	Kind    string          `json:"kind,omitempty"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"value"`
	Tags    string          `json:"tags,omitempty"` // csv
	Hash    string          `json:"hash"`            // sha256(lane||kind||key||value)
	Embed   []float32       `json:"embed,omitempty"`
	Score   *float64        `json:"score,omitempty"`
	Prob    *float64        `json:"prob,omitempty"`
	Created string          `json:"created"`
	Updated string          `json:"updated"`
}

// MemoryLink is a directed, optionally weighted edge between two memory
// records, unique per (src, dst, rel).
type MemoryLink struct {
	SrcID  string   `json:"src_id"`
	DstID  string   `json:"dst_id"`
	Rel    string   `json:"rel"`
	Weight *float64 `json:"weight,omitempty"`
}

// EgressDecision is the outcome recorded for an attempted network egress.
type EgressDecision string

const (
	EgressAllow EgressDecision = "allow"
	EgressDeny  EgressDecision = "deny"
	EgressError EgressDecision = "error"
)

// EgressEntry is an append-only record of an egress decision.
type EgressEntry struct {
	Time     int64          `json:"time"`
	Decision EgressDecision `json:"decision"`
	Reason   string         `json:"reason,omitempty"`
	DestHost string         `json:"dest_host,omitempty"`
	DestPort int            `json:"dest_port,omitempty"`
	Protocol string         `json:"protocol,omitempty"`
	BytesIn  int64          `json:"bytes_in,omitempty"`
	BytesOut int64          `json:"bytes_out,omitempty"`
	CorrID   string         `json:"corr_id,omitempty"`
	Proj     string         `json:"proj,omitempty"`
	Posture  string         `json:"posture,omitempty"`
}

// RuntimeDescriptor identifies a managed child runtime and its capabilities.
type RuntimeDescriptor struct {
	ID          string            `json:"id"`
	Adapter     string            `json:"adapter"`
	Name        string            `json:"name,omitempty"`
	Profile     string            `json:"profile,omitempty"`
	Modalities  []string          `json:"modalities"` // text|audio|vision
	Accelerator string            `json:"accelerator,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// RuntimeDefinition wraps a descriptor with install-time metadata.
type RuntimeDefinition struct {
	Descriptor RuntimeDescriptor `json:"descriptor"`
	AdapterID  string            `json:"adapter_id"`
	AutoStart  bool              `json:"auto_start"`
	Preset     string            `json:"preset,omitempty"`
	Source     string            `json:"source,omitempty"` // manifest file path, for reload diffing
}

// RuntimeState is a managed runtime's current lifecycle position.
type RuntimeState string

const (
	RuntimeOffline  RuntimeState = "offline"
	RuntimeStarting RuntimeState = "starting"
	RuntimeReady    RuntimeState = "ready"
	RuntimeError    RuntimeState = "error"
)

// RestartBudget tracks a sliding-window restart allowance for one runtime.
type RestartBudget struct {
	WindowSeconds int64  `json:"window_seconds"`
	MaxRestarts   int    `json:"max_restarts"`
	Used          int    `json:"used"`
	Remaining     int    `json:"remaining"`
	ResetAt       *int64 `json:"reset_at,omitempty"`
}

// RuntimeSeverity classifies how urgently an errored runtime needs operator
// attention.
type RuntimeSeverity string

const (
	SeverityNone RuntimeSeverity = ""
	SeverityWarn RuntimeSeverity = "warn"
	SeverityCrit RuntimeSeverity = "critical"
)

// RuntimeStatus is the read-model snapshot of one managed runtime: its
// definition, current lifecycle state, and restart budget.
type RuntimeStatus struct {
	Definition    RuntimeDefinition `json:"definition"`
	State         RuntimeState      `json:"state"`
	Severity      RuntimeSeverity   `json:"severity,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	RestartBudget RestartBudget     `json:"restart_budget"`
	UpdatedMs     int64             `json:"updated_ms"`
}

// ConfigSnapshot is an immutable, addressable copy of resolved runtime
// configuration, identified by a uuid.
type ConfigSnapshot struct {
	ID      string          `json:"id"`
	Config  json.RawMessage `json:"config"`
	Created string          `json:"created"`
}
