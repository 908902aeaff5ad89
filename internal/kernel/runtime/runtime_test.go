package runtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/model"
)

// fakeEventStore is a minimal events.Store that just assigns sequential ids,
// so tests can build a real events.Emitter without a SQLite-backed store.
type fakeEventStore struct {
	mu   sync.Mutex
	next int64
	rows []model.Envelope
}

func (f *fakeEventStore) AppendEvent(_ context.Context, env model.Envelope) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.rows = append(f.rows, env)
	return f.next, nil
}

func newTestEmitter() events.Emitter {
	return events.Emitter{Store: &fakeEventStore{}}
}

// stubAdapter is a deterministic, in-memory Adapter double: Launch always
// succeeds, and Health returns whatever healthFn currently returns, so a test
// can flip a runtime from Ready to Error mid-flight.
type stubAdapter struct {
	id       string
	launches int32
	shutdown int32

	mu       sync.Mutex
	healthFn func() (model.RuntimeState, error)
}

func newStubAdapter(id string) *stubAdapter {
	return &stubAdapter{id: id, healthFn: func() (model.RuntimeState, error) { return model.RuntimeReady, nil }}
}

func (a *stubAdapter) ID() string { return a.id }

func (a *stubAdapter) Metadata() Metadata {
	return Metadata{Modalities: []string{"text"}}
}

func (a *stubAdapter) Prepare(_ context.Context, pc PrepareContext) (PreparedRuntime, error) {
	return PreparedRuntime{RuntimeID: pc.Descriptor.ID}, nil
}

func (a *stubAdapter) Launch(_ context.Context, prepared PreparedRuntime) (Handle, error) {
	atomic.AddInt32(&a.launches, 1)
	return Handle{ID: prepared.RuntimeID}, nil
}

func (a *stubAdapter) Health(context.Context, Handle) (model.RuntimeState, error) {
	a.mu.Lock()
	fn := a.healthFn
	a.mu.Unlock()
	return fn()
}

func (a *stubAdapter) Shutdown(context.Context, Handle) error {
	atomic.AddInt32(&a.shutdown, 1)
	return nil
}

func (a *stubAdapter) setHealth(fn func() (model.RuntimeState, error)) {
	a.mu.Lock()
	a.healthFn = fn
	a.mu.Unlock()
}
