package httpapi

import (
	"net/http"
	"strconv"

	"github.com/agentrt/agentd/internal/kernel/episodes"
)

const episodeEventWindow = 2000

// handleEpisodes answers GET /state/episodes: rollups by corr_id over the
// recent event window, optionally filtered by kind_prefix, actor,
// errors_only, and since_ms.
func (d Deps) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	rows, err := d.Store.RecentEvents(r.Context(), episodeEventWindow, 0)
	if err != nil {
		writeKernelError(w, r, err)
		return
	}

	rollups := episodes.Build(rows)

	q := r.URL.Query()
	filter := episodes.Filter{
		KindPrefix: q.Get("kind_prefix"),
		Actor:      q.Get("actor"),
		ErrorsOnly: q.Get("errors_only") == "true",
	}
	if since := q.Get("since_ms"); since != "" {
		if v, err := strconv.ParseInt(since, 10, 64); err == nil {
			filter.SinceMs = v
		}
	}
	rollups = episodes.Apply(rollups, filter)

	writeJSON(w, r, http.StatusOK, map[string]any{"items": rollups, "count": len(rollups)})
}
