// Package actions implements the durable action queue: idempotent
// submission and a background worker loop that executes queued actions
// against an external tool host and transitions them through the action
// state machine.
package actions

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/kernel/store"
	"github.com/google/uuid"
)

// SubmitStore is the subset of store.Store the queue needs to submit work.
type SubmitStore interface {
	InsertAction(ctx context.Context, a model.Action) error
	FindActionByIdemKey(ctx context.Context, key string) (*model.Action, error)
}

// Queue accepts new actions for the worker loop to pick up.
type Queue struct {
	Store SubmitStore
}

// New constructs a Queue backed by s.
func New(s SubmitStore) *Queue {
	return &Queue{Store: s}
}

// Submit enqueues kind with input, returning the new action's id. If
// idemKey is non-empty and already maps to a previously submitted action,
// that action's id is returned instead and nothing new is inserted.
func (q *Queue) Submit(ctx context.Context, kind string, input, policyCtx json.RawMessage, idemKey string) (string, error) {
	if idemKey != "" {
		existing, err := q.Store.FindActionByIdemKey(ctx, idemKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if existing != nil {
			return existing.ID, nil
		}
	}

	a := model.Action{
		ID:        uuid.NewString(),
		Kind:      kind,
		Input:     input,
		PolicyCtx: policyCtx,
		IdemKey:   idemKey,
		State:     model.ActionQueued,
	}
	if err := q.Store.InsertAction(ctx, a); err != nil {
		return "", err
	}
	return a.ID, nil
}
