package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentrt/agentd/internal/kernel/capsule"
)

// handleListCapsules answers GET /state/policy/capsules: the current
// adopted-capsule snapshot, per spec.md §6.
func (d Deps) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	nowMs := time.Now().UnixMilli()
	views := d.Guard.Snapshot(nowMs)
	if views == nil {
		views = []capsule.CapsuleView{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"items":        views,
		"count":        len(views),
		"generated":    time.UnixMilli(nowMs).UTC().Format(time.RFC3339),
		"generated_ms": nowMs,
	})
}

type teardownRequest struct {
	IDs    []string `json:"ids,omitempty"`
	All    bool     `json:"all,omitempty"`
	Reason string   `json:"reason,omitempty"`
	DryRun bool     `json:"dry_run,omitempty"`
}

// handleTeardownCapsules answers POST /admin/policy/capsules/teardown: the
// emergency-revocation path, gated on capsule:admin per the action/
// capability table.
func (d Deps) handleTeardownCapsules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req teardownRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeKernelError(w, r, validationErr("malformed teardown request: %v", err))
			return
		}
	}
	if !req.All && len(req.IDs) == 0 {
		writeKernelError(w, r, validationErr("teardown requires ids or all:true"))
		return
	}

	decision, err := d.Policy.Evaluate(ctx, "capsule.teardown", nil, time.Now().UnixMilli())
	if err != nil {
		writeKernelError(w, r, err)
		return
	}
	if !decision.Allow {
		writeKernelError(w, r, kernelDenied(decision))
		return
	}

	result := d.Guard.Teardown(ctx, capsule.TeardownSelection{All: req.All, IDs: req.IDs}, req.Reason, req.DryRun)
	d.Audit.CapsuleTeardown(principalID(r), result.Reason, idsOf(result.Removed), result.DryRun)

	writeJSON(w, r, http.StatusOK, map[string]any{
		"removed":   result.Removed,
		"not_found": result.NotFound,
		"remaining": result.Remaining,
		"dry_run":   result.DryRun,
	})
}

func idsOf(views []capsule.CapsuleView) []string {
	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	return ids
}
