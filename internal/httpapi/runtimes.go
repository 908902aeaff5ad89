package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentrt/agentd/internal/kernel/correlation"
	"github.com/agentrt/agentd/internal/kernel/runtime"
)

type restoreRequest struct {
	Restart *bool  `json:"restart,omitempty"`
	Preset  string `json:"preset,omitempty"`
}

// handleRestoreRuntime answers POST /orchestrator/runtimes/{id}/restore:
// S2/S3's restart-budget and lease-gated restore scenarios.
func (d Deps) handleRestoreRuntime(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req restoreRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeKernelError(w, r, validationErr("malformed restore request: %v", err))
			return
		}
	}
	restart := true
	if req.Restart != nil {
		restart = *req.Restart
	}

	decision, err := d.Policy.Evaluate(ctx, "runtime.restore", nil, time.Now().UnixMilli())
	if err != nil {
		writeKernelError(w, r, err)
		return
	}
	if !decision.Allow {
		writeKernelError(w, r, kernelDenied(decision))
		return
	}

	requestID, _ := correlation.FromContext(ctx)
	restoreErr := d.Supervisor.Restore(ctx, id, restart, requestID)

	status, _ := d.Supervisor.Status(id)
	switch {
	case restoreErr == nil:
		d.Audit.RuntimeRestore(principalID(r), id, "success", "")
		writeJSON(w, r, http.StatusAccepted, map[string]any{
			"ok":             true,
			"runtime_id":     id,
			"pending":        true,
			"restart_budget": status.RestartBudget,
		})
	case errors.Is(restoreErr, runtime.ErrRestartDenied):
		d.Audit.RuntimeRestore(principalID(r), id, "denied", "restart budget exhausted")
		writeJSON(w, r, http.StatusTooManyRequests, map[string]any{
			"ok":             false,
			"reason":         "Restart budget exhausted",
			"restart_budget": status.RestartBudget,
		})
	default:
		d.Audit.RuntimeRestore(principalID(r), id, "failure", restoreErr.Error())
		writeJSON(w, r, http.StatusInternalServerError, map[string]any{
			"ok":     false,
			"reason": restoreErr.Error(),
		})
	}
}

// handleShutdownRuntime answers POST /orchestrator/runtimes/{id}/shutdown.
func (d Deps) handleShutdownRuntime(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	decision, err := d.Policy.Evaluate(ctx, "runtime.shutdown", nil, time.Now().UnixMilli())
	if err != nil {
		writeKernelError(w, r, err)
		return
	}
	if !decision.Allow {
		writeKernelError(w, r, kernelDenied(decision))
		return
	}

	if _, ok := d.Supervisor.Status(id); !ok {
		writeJSON(w, r, http.StatusInternalServerError, map[string]any{"ok": false, "reason": "unknown runtime id"})
		return
	}

	if err := d.Supervisor.ShutdownRuntime(ctx, id); err != nil {
		d.Audit.RuntimeShutdown(principalID(r), id, "failure")
		writeJSON(w, r, http.StatusInternalServerError, map[string]any{"ok": false, "reason": err.Error()})
		return
	}

	d.Audit.RuntimeShutdown(principalID(r), id, "success")
	writeJSON(w, r, http.StatusAccepted, map[string]any{"ok": true, "runtime_id": id})
}

// handleRuntimeSupervisor answers GET /state/runtime_supervisor.
func (d Deps) handleRuntimeSupervisor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"runtimes": d.Supervisor.Snapshot()})
}

// handleCluster answers GET /state/cluster: the informational single-node
// self-report (SUPPLEMENTED FEATURES #2).
func (d Deps) handleCluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, d.Snapshotter.Snapshot())
}

// handleHealthz answers GET /healthz: an unscoped liveness probe, routed
// through the policy engine like every other action so "kernel.health"
// participates in the same capability table as privileged actions (it just
// happens to require none).
func (d Deps) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := d.Policy.Evaluate(r.Context(), "kernel.health", nil, time.Now().UnixMilli()); err != nil {
		writeKernelError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true, "node": d.Snapshotter.Snapshot()})
}
