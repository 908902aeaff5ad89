package httpapi

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net/http"
	"strconv"

	"github.com/agentrt/agentd/internal/kernel/actions"
	"github.com/agentrt/agentd/internal/kernel/model"
)

const defaultActionListLimit = 200

// handleListActions answers GET /state/actions?kind_prefix=&state=, per
// S5's idempotent-submit scenario. The response carries an ETag derived
// from the sanitized listing's content, honoring If-None-Match so a poller
// that already has the current page gets a cheap 304.
func (d Deps) handleListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kindPrefix := q.Get("kind_prefix")
	state := model.ActionState(q.Get("state"))

	rows, err := d.Store.ListActions(r.Context(), kindPrefix, state, defaultActionListLimit)
	if err != nil {
		writeKernelError(w, r, err)
		return
	}

	items := make([]actions.View, 0, len(rows))
	for _, a := range rows {
		items = append(items, actions.Sanitize(a))
	}

	body, err := json.Marshal(items)
	if err != nil {
		writeKernelError(w, r, err)
		return
	}
	version := crc32.ChecksumIEEE(body)
	etag := fmt.Sprintf(`"%s"`, strconv.FormatUint(uint64(version), 16))

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"version": version,
		"items":   items,
	})
}
