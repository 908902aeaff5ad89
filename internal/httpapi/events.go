package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/agentrt/agentd/internal/kernel/model"
)

// handleEvents answers GET /events: the SSE stream, honoring an optional
// ?prefix= topic filter and a Last-Event-ID header/query value to resume
// from the bus's bounded replay window (§5's backpressure contract).
func (d Deps) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeKernelError(w, r, kernelNotImplemented("streaming not supported by this response writer"))
		return
	}

	prefix := r.URL.Query().Get("prefix")
	sinceID := parseLastEventID(r)

	sub := d.Bus.Subscribe(prefix, sinceID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case row, open := <-sub.C():
			if !open {
				return
			}
			writeSSERow(w, row)
			flusher.Flush()
		}
	}
}

func writeSSERow(w http.ResponseWriter, row model.EventRow) {
	payload, err := rowToJSON(row)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", row.ID, row.Kind, payload)
}

// parseLastEventID prefers the standard SSE reconnection header, falling
// back to a ?last_event_id= query param for clients that can't set custom
// headers (e.g. a plain EventSource reconnect only resends the header).
func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
