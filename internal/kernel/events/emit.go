// Package events provides the one path every kernel component uses to
// produce an event: append it durably to the store, then fan it out on the
// bus under the id the store assigned. Components never call AppendEvent or
// Publish directly so a subscriber can never observe a replay gap between
// the two.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentrt/agentd/internal/kernel/bus"
	"github.com/agentrt/agentd/internal/kernel/correlation"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/kernel/store"
)

// Store is the subset of store.Store emit needs, so callers can substitute a
// test double without depending on SQLite.
type Store interface {
	AppendEvent(ctx context.Context, env model.Envelope) (int64, error)
}

// Emitter appends events to a Store and publishes them on a Bus, stamping
// corr_id/request_id from context when the payload doesn't already carry
// them.
type Emitter struct {
	Store Store
	Bus   *bus.Bus
}

// New constructs an Emitter over s and b.
func New(s *store.Store, b *bus.Bus) Emitter {
	return Emitter{Store: s, Bus: b}
}

// Emit appends an event of kind with payload, stamping corr_id/request_id
// from the request correlation frame in ctx if the payload omits them, then
// publishes it on the bus. It returns the assigned event id.
func (e Emitter) Emit(ctx context.Context, kind string, payload any) (int64, error) {
	raw, err := marshalStamped(ctx, payload)
	if err != nil {
		return 0, err
	}
	env := model.Envelope{Time: time.Now().UnixMilli(), Kind: kind, Payload: raw}

	id, err := e.Store.AppendEvent(ctx, env)
	if err != nil {
		return 0, err
	}

	if e.Bus == nil {
		return id, nil
	}
	requestID, corrID := correlation.FromContext(ctx)
	row := model.EventRow{ID: id, Envelope: env, CorrID: corrID, Actor: requestID}
	if err := e.Bus.Publish(ctx, row); err != nil {
		return id, err
	}
	return id, nil
}

// marshalStamped marshals payload to JSON, then injects corr_id/request_id
// fields from ctx if the marshaled object doesn't already define them.
func marshalStamped(ctx context.Context, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Not a JSON object (e.g. an array or scalar); leave as-is.
		return raw, nil
	}

	requestID, corrID := correlation.FromContext(ctx)
	if _, ok := fields["corr_id"]; !ok && corrID != "" {
		fields["corr_id"], _ = json.Marshal(corrID)
	}
	if _, ok := fields["request_id"]; !ok && requestID != "" {
		fields["request_id"], _ = json.Marshal(requestID)
	}
	return json.Marshal(fields)
}
