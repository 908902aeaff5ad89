// Package episodes groups the kernel event log into per-correlation-id
// rollups: one "episode" per corr_id, summarizing how many events it
// produced, whether any were failures, and its time span. Used to answer
// "what happened for this request" without re-reading the full event log.
package episodes

import (
	"strings"

	"github.com/agentrt/agentd/internal/kernel/model"
)

// Rollup summarizes every event sharing one corr_id.
type Rollup struct {
	ID        string   `json:"id"`
	Count     int      `json:"count"`
	Errors    int      `json:"errors"`
	FirstKind string   `json:"first_kind,omitempty"`
	LastKind  string   `json:"last_kind,omitempty"`
	Kinds     []string `json:"kinds,omitempty"`
	Actors    []string `json:"actors,omitempty"`
	StartMs   int64    `json:"start_ms"`
	LastMs    int64    `json:"last_ms"`
	DurationMs int64   `json:"duration_ms"`
}

func isErrorKind(kind string) bool {
	return strings.Contains(kind, ".failed") || strings.Contains(kind, ".error") || strings.HasSuffix(kind, ".denied")
}

// Build groups rows (assumed already in ascending id/time order) into one
// Rollup per non-empty corr_id, preserving first-seen order across rollups.
func Build(rows []model.EventRow) []Rollup {
	order := make([]string, 0)
	byID := make(map[string]*Rollup)

	for _, row := range rows {
		if row.CorrID == "" {
			continue
		}
		r, ok := byID[row.CorrID]
		if !ok {
			r = &Rollup{ID: row.CorrID, StartMs: row.Time}
			byID[row.CorrID] = r
			order = append(order, row.CorrID)
		}
		if r.FirstKind == "" {
			r.FirstKind = row.Kind
		}
		r.LastKind = row.Kind
		r.Count++
		if isErrorKind(row.Kind) {
			r.Errors++
		}
		r.Kinds = appendUnique(r.Kinds, row.Kind)
		if row.Actor != "" {
			r.Actors = appendUnique(r.Actors, row.Actor)
		}
		if row.Time > r.LastMs {
			r.LastMs = row.Time
		}
		if r.StartMs == 0 || row.Time < r.StartMs {
			r.StartMs = row.Time
		}
	}

	out := make([]Rollup, 0, len(order))
	for _, id := range order {
		r := byID[id]
		r.DurationMs = r.LastMs - r.StartMs
		out = append(out, *r)
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// Filter is a set of optional query constraints over a Rollup slice.
type Filter struct {
	KindPrefix string
	Actor      string
	ErrorsOnly bool
	SinceMs    int64
}

// Apply returns the subset of rollups matching f, preserving order.
func Apply(rollups []Rollup, f Filter) []Rollup {
	out := make([]Rollup, 0, len(rollups))
	for _, r := range rollups {
		if f.KindPrefix != "" && !matchesKindPrefix(r, f.KindPrefix) {
			continue
		}
		if f.Actor != "" && !matchesActor(r, f.Actor) {
			continue
		}
		if f.ErrorsOnly && r.Errors == 0 {
			continue
		}
		if f.SinceMs > 0 && r.LastMs < f.SinceMs {
			continue
		}
		out = append(out, r)
	}
	return out
}

func matchesKindPrefix(r Rollup, prefix string) bool {
	for _, k := range r.Kinds {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func matchesActor(r Rollup, actor string) bool {
	for _, a := range r.Actors {
		if strings.EqualFold(a, actor) {
			return true
		}
	}
	return false
}
