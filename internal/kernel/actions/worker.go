package actions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/kernel/store"
	"github.com/agentrt/agentd/internal/log"
)

// ToolHost executes one action kind against an external collaborator — a
// child process, a model call, a filesystem or network operation, whatever
// "kind" names.
type ToolHost interface {
	Execute(ctx context.Context, kind string, input json.RawMessage) (json.RawMessage, error)
	// DeclaresNetwork reports whether kind performs network egress, so the
	// worker knows to consult Egress before running it.
	DeclaresNetwork(kind string) bool
}

// EgressGate decides whether a network-declaring tool call may proceed.
type EgressGate interface {
	Allow(ctx context.Context, kind string) (allowed bool, reason string, err error)
}

// WorkerStore is the subset of store.Store the worker loop needs.
type WorkerStore interface {
	DequeueOneQueued(ctx context.Context) (*model.Action, error)
	UpdateActionResult(ctx context.Context, id string, output json.RawMessage, errMsg *string, state model.ActionState) error
}

// Worker runs the background loop: dequeue one queued action at a time,
// execute it via Host, transition it to a terminal state, and emit the
// result. DequeueOneQueued's atomic claim ensures exactly one Worker
// instance can observe a given action in the running state even when
// several workers share a Store.
type Worker struct {
	Store     WorkerStore
	Host      ToolHost
	Egress    EgressGate // optional; nil disables egress gating entirely
	Emit      events.Emitter
	IdleSleep time.Duration
}

// NewWorker constructs a Worker with a sane default idle-poll interval.
func NewWorker(s WorkerStore, host ToolHost, emit events.Emitter) *Worker {
	return &Worker{Store: s, Host: host, Emit: emit, IdleSleep: 200 * time.Millisecond}
}

// Run loops until ctx is cancelled, executing at most one action per
// iteration and sleeping briefly whenever the queue is empty.
func (w *Worker) Run(ctx context.Context) error {
	sleep := w.IdleSleep
	if sleep <= 0 {
		sleep = 200 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		a, err := w.Store.DequeueOneQueued(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if waitErr := w.idle(ctx, sleep); waitErr != nil {
				return waitErr
			}
			continue
		case err != nil:
			log.L().Error().Err(err).Msg("actions: dequeue failed")
			if waitErr := w.idle(ctx, sleep); waitErr != nil {
				return waitErr
			}
			continue
		}

		w.execute(ctx, a)
	}
}

func (w *Worker) idle(ctx context.Context, sleep time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
		return nil
	}
}

// execute runs one claimed action through the egress check (if declared),
// the tool host, and a terminal state transition with its result event.
// Every transition publishes with corr_id recovered from the action's
// policy_ctx, per spec.
func (w *Worker) execute(ctx context.Context, a *model.Action) {
	ctx = withCorrIDFromPolicyCtx(ctx, a.PolicyCtx)

	if w.Host.DeclaresNetwork(a.Kind) && w.Egress != nil {
		allowed, reason, err := w.Egress.Allow(ctx, a.Kind)
		if err != nil {
			w.fail(ctx, a.ID, a.Kind, err.Error())
			return
		}
		if !allowed {
			w.fail(ctx, a.ID, a.Kind, "egress denied: "+reason)
			return
		}
	}

	output, err := w.Host.Execute(ctx, a.Kind, a.Input)
	if err != nil {
		w.fail(ctx, a.ID, a.Kind, err.Error())
		return
	}
	w.complete(ctx, a.ID, a.Kind, output)
}

func (w *Worker) complete(ctx context.Context, id, kind string, output json.RawMessage) {
	if err := w.Store.UpdateActionResult(ctx, id, output, nil, model.ActionCompleted); err != nil {
		log.L().Error().Err(err).Str("action_id", id).Msg("actions: failed to record completion")
		return
	}
	_, _ = w.Emit.Emit(ctx, "actions.completed", map[string]any{"id": id, "kind": kind})
}

func (w *Worker) fail(ctx context.Context, id, kind, reason string) {
	if err := w.Store.UpdateActionResult(ctx, id, nil, &reason, model.ActionFailed); err != nil {
		log.L().Error().Err(err).Str("action_id", id).Msg("actions: failed to record failure")
		return
	}
	_, _ = w.Emit.Emit(ctx, "actions.failed", map[string]any{"id": id, "kind": kind, "error": reason})
}

// withCorrIDFromPolicyCtx recovers a corr_id field from a policy_ctx blob
// and stamps it onto ctx, so events the worker emits for this action carry
// the same correlation id as the request that submitted it.
func withCorrIDFromPolicyCtx(ctx context.Context, policyCtx json.RawMessage) context.Context {
	if len(policyCtx) == 0 {
		return ctx
	}
	var fields struct {
		CorrID string `json:"corr_id"`
	}
	if err := json.Unmarshal(policyCtx, &fields); err != nil || fields.CorrID == "" {
		return ctx
	}
	return log.ContextWithCorrelationID(ctx, fields.CorrID)
}
