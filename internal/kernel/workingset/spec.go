// Package workingset assembles a bounded, ranked working set of memory
// records for one agent turn: a hybrid lexical/vector/recency/utility
// retrieval over lanes, optional query and link expansion, world-belief
// ingestion, and a diversity- or confidence-scored selection pass under a
// slot budget.
package workingset

import (
	"sort"
	"strings"

	"github.com/agentrt/agentd/internal/config"
)

const (
	// DefaultWorldLane is the lane synthesized candidates are filed under
	// when world-belief ingestion produces them.
	DefaultWorldLane = "world"

	minLimit, maxLimit           = 1, 256
	maxExpandPerSeed             = 16
	minExpandQueryTopK           = 1
	maxExpandQueryTopK           = 32
	scorerMMRD                   = "mmrd"
	scorerConfidence             = "confidence"
	scorerGreedyAlias            = "greedy"
)

// Spec is the normalized set of parameters governing one assembly. Zero
// values are filled from cfg by Normalize.
type Spec struct {
	Query           string
	Embed           []float32
	Lanes           []string
	Limit           int
	ExpandPerSeed   int
	DiversityLambda float32
	MinScore        float32
	Project         string
	LaneBonus       float32
	Scorer          string
	ExpandQuery     bool
	ExpandQueryTopK int
	SlotBudgets     map[string]int
}

// Normalize trims, clamps, and defaults every field in place, filling
// unset lanes/limit/scorer/etc. from cfg.
func (s *Spec) Normalize(cfg *config.Config) {
	s.Lanes = normalizeLanes(s.Lanes)
	if len(s.Lanes) == 0 {
		s.Lanes = append([]string(nil), cfg.ContextLanesDefault...)
	}

	if s.Limit == 0 {
		s.Limit = cfg.ContextK
	}
	s.Limit = clampInt(s.Limit, minLimit, maxLimit)

	if s.ExpandPerSeed > maxExpandPerSeed {
		s.ExpandPerSeed = maxExpandPerSeed
	}
	if s.ExpandPerSeed < 0 {
		s.ExpandPerSeed = 0
	}

	if s.DiversityLambda == 0 {
		s.DiversityLambda = float32(cfg.ContextDiversityLambda)
	}
	s.DiversityLambda = clampFloat(s.DiversityLambda, 0, 1)

	if s.MinScore == 0 {
		s.MinScore = float32(cfg.ContextMinScore)
	}
	s.MinScore = clampFloat(s.MinScore, 0, 1)

	if s.LaneBonus == 0 {
		s.LaneBonus = 0.05
	}
	s.LaneBonus = clampFloat(s.LaneBonus, 0, 1)

	scorer := strings.ToLower(strings.TrimSpace(s.Scorer))
	if scorer == "" {
		scorer = strings.ToLower(strings.TrimSpace(cfg.ContextScorer))
	}
	if scorer == "" {
		scorer = scorerMMRD
	}
	s.Scorer = scorer

	if s.ExpandQueryTopK == 0 {
		s.ExpandQueryTopK = cfg.ContextExpandQueryTopK
	}
	if s.ExpandQueryTopK == 0 {
		s.ExpandQueryTopK = 4
	}
	s.ExpandQueryTopK = clampInt(s.ExpandQueryTopK, minExpandQueryTopK, maxExpandQueryTopK)

	if !s.ExpandQuery {
		s.ExpandQuery = cfg.ContextExpandQuery
	}
	if len(s.SlotBudgets) == 0 {
		s.SlotBudgets = cfg.ContextSlotBudgets
	}
	s.normalizeSlotBudgets()
}

func (s *Spec) normalizeSlotBudgets() {
	if len(s.SlotBudgets) == 0 {
		return
	}
	normalized := make(map[string]int, len(s.SlotBudgets))
	cap := s.Limit
	if cap < 1 {
		cap = 1
	}
	for slot, limit := range s.SlotBudgets {
		slot = strings.ToLower(strings.TrimSpace(slot))
		if slot == "" {
			continue
		}
		if limit > cap {
			limit = cap
		}
		if limit <= 0 {
			continue
		}
		normalized[slot] = limit
	}
	s.SlotBudgets = normalized
}

// SlotLimit returns the budget for slot, falling back to a wildcard "*"
// entry, or ok=false when slot budgeting is not in effect.
func (s *Spec) SlotLimit(slot string) (limit int, ok bool) {
	if len(s.SlotBudgets) == 0 {
		return 0, false
	}
	key := strings.ToLower(strings.TrimSpace(slot))
	if v, found := s.SlotBudgets[key]; found {
		return v, true
	}
	if v, found := s.SlotBudgets["*"]; found {
		return v, true
	}
	return 0, false
}

// Snapshot renders the normalized spec as a JSON-able map for diagnostics
// and started/completed event payloads.
func (s *Spec) Snapshot() map[string]any {
	m := map[string]any{
		"query_provided":     s.Query != "",
		"lanes":              s.Lanes,
		"limit":              s.Limit,
		"expand_per_seed":    s.ExpandPerSeed,
		"diversity_lambda":   s.DiversityLambda,
		"min_score":          s.MinScore,
		"project":            nullableString(s.Project),
		"lane_bonus":         s.LaneBonus,
		"scorer":             s.Scorer,
		"expand_query":       s.ExpandQuery,
		"expand_query_top_k": s.ExpandQueryTopK,
	}
	if len(s.SlotBudgets) > 0 {
		m["slot_budgets"] = s.SlotBudgets
	}
	return m
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func normalizeLanes(lanes []string) []string {
	out := make([]string, 0, len(lanes))
	for _, l := range lanes {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return dedupSorted(out)
}

func dedupSorted(in []string) []string {
	out := in[:0]
	var prev string
	first := true
	for _, v := range in {
		if first || v != prev {
			out = append(out, v)
			prev = v
			first = false
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float32) float32 {
	if !isFinite(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isFinite(v float32) bool {
	return v == v && v < float32(1e38) && v > float32(-1e38)
}
