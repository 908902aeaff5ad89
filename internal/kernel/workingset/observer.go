package workingset

import (
	"context"

	"github.com/agentrt/agentd/internal/kernel/events"
)

// Event kinds emitted during assembly, one per phase described in the
// working-set contract.
const (
	EventStarted     = "working_set.started"
	EventSeed        = "working_set.seed"
	EventQueryExpand = "working_set.query_expanded"
	EventExpanded    = "working_set.expanded"
	EventSelected    = "working_set.selected"
	EventCompleted   = "working_set.completed"
)

// Observer receives one notification per assembly-phase event. Implementors
// must not block the caller; Build treats observer notification as
// best-effort progress reporting, not a durability boundary.
type Observer interface {
	Emit(kind string, payload map[string]any)
}

// NullObserver discards every event; it is the default when the caller
// doesn't need progress streaming.
type NullObserver struct{}

// Emit implements Observer by doing nothing.
func (NullObserver) Emit(string, map[string]any) {}

// EmitterObserver publishes each phase event through the shared kernel
// Emitter, so assembly progress is durable and replayable on the bus like
// every other kernel event.
type EmitterObserver struct {
	Ctx     context.Context
	Emitter events.Emitter
}

// Emit appends and publishes kind/payload via the wrapped Emitter,
// discarding the error: a dropped progress notification must never fail an
// assembly that otherwise succeeded.
func (o EmitterObserver) Emit(kind string, payload map[string]any) {
	_, _ = o.Emitter.Emit(o.Ctx, kind, payload)
}
