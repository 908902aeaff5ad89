package httpapi

import "net/http"

// handleRPUReload answers POST /admin/rpu/reload: re-reads the trust store
// file from disk, picking up newly added or rotated issuer keys without a
// process restart.
func (d Deps) handleRPUReload(w http.ResponseWriter, r *http.Request) {
	if err := d.Trust.LoadFile(d.Config.TrustStorePath); err != nil {
		writeKernelError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true, "path": d.Config.TrustStorePath})
}
