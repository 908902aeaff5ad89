package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

type submitRequest struct {
	Kind      string          `json:"kind"`
	Input     json.RawMessage `json:"input"`
	IdemKey   string          `json:"idem_key,omitempty"`
	PolicyCtx json.RawMessage `json:"policy_ctx,omitempty"`
}

// handleSubmitAction answers POST /actions: gates kind against the policy
// engine, then enqueues it for the worker loop. Policy is evaluated here,
// at submission, rather than at worker execution time, so a denied action
// never occupies a queue slot and its denial is visible to the caller
// synchronously instead of surfacing later as a failed action.
func (d Deps) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeKernelError(w, r, validationErr("malformed submit request: %v", err))
		return
	}
	if req.Kind == "" {
		writeKernelError(w, r, validationErr("kind is required"))
		return
	}

	decision, err := d.Policy.Evaluate(ctx, req.Kind, req.PolicyCtx, time.Now().UnixMilli())
	if err != nil {
		writeKernelError(w, r, err)
		return
	}
	if !decision.Allow {
		writeKernelError(w, r, kernelDenied(decision))
		return
	}

	id, err := d.Queue.Submit(ctx, req.Kind, req.Input, req.PolicyCtx, req.IdemKey)
	if err != nil {
		writeKernelError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{"id": id})
}
