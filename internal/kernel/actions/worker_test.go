package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/kernel/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkerStore struct {
	mu      sync.Mutex
	queue   []*model.Action
	updated []struct {
		id     string
		output json.RawMessage
		errMsg *string
		state  model.ActionState
	}
}

func (f *fakeWorkerStore) DequeueOneQueued(context.Context) (*model.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, store.ErrNotFound
	}
	a := f.queue[0]
	f.queue = f.queue[1:]
	return a, nil
}

func (f *fakeWorkerStore) UpdateActionResult(_ context.Context, id string, output json.RawMessage, errMsg *string, state model.ActionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, struct {
		id     string
		output json.RawMessage
		errMsg *string
		state  model.ActionState
	}{id, output, errMsg, state})
	return nil
}

func (f *fakeWorkerStore) last() (string, model.ActionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.updated)
	if n == 0 {
		return "", ""
	}
	return f.updated[n-1].id, f.updated[n-1].state
}

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

type stubHost struct {
	network bool
	output  json.RawMessage
	err     error
}

func (h *stubHost) Execute(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return h.output, h.err
}
func (h *stubHost) DeclaresNetwork(string) bool { return h.network }

func TestWorkerCompletesSuccessfulAction(t *testing.T) {
	ws := &fakeWorkerStore{queue: []*model.Action{{ID: "a1", Kind: "fs.read", State: model.ActionQueued}}}
	rs := &recordingStore{}
	host := &stubHost{output: json.RawMessage(`{"ok":true}`)}
	w := NewWorker(ws, host, events.Emitter{Store: rs})
	w.IdleSleep = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	id, state := ws.last()
	assert.Equal(t, "a1", id)
	assert.Equal(t, model.ActionCompleted, state)
	assert.Equal(t, 1, rs.count("actions.completed"))
}

func TestWorkerFailsActionOnHostError(t *testing.T) {
	ws := &fakeWorkerStore{queue: []*model.Action{{ID: "a2", Kind: "fs.read", State: model.ActionQueued}}}
	rs := &recordingStore{}
	host := &stubHost{err: errors.New("tool exploded")}
	w := NewWorker(ws, host, events.Emitter{Store: rs})
	w.IdleSleep = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	id, state := ws.last()
	assert.Equal(t, "a2", id)
	assert.Equal(t, model.ActionFailed, state)
	assert.Equal(t, 1, rs.count("actions.failed"))
}

func TestWorkerDeniesNetworkActionWithoutEgressAllow(t *testing.T) {
	ws := &fakeWorkerStore{queue: []*model.Action{{ID: "a3", Kind: "net.http.fetch", State: model.ActionQueued}}}
	rs := &recordingStore{}
	host := &stubHost{network: true, output: json.RawMessage(`{}`)}
	w := NewWorker(ws, host, events.Emitter{Store: rs})
	w.IdleSleep = time.Millisecond
	w.Egress = denyAllEgress{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	id, state := ws.last()
	assert.Equal(t, "a3", id)
	assert.Equal(t, model.ActionFailed, state)
}

type denyAllEgress struct{}

func (denyAllEgress) Allow(context.Context, string) (bool, string, error) {
	return false, "posture blocks egress", nil
}

func TestWorkerStopsOnContextCancellation(t *testing.T) {
	ws := &fakeWorkerStore{}
	rs := &recordingStore{}
	w := NewWorker(ws, &stubHost{}, events.Emitter{Store: rs})
	w.IdleSleep = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
