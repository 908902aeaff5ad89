package workingset

// Summary is the scalar rollup of one assembly: how many candidates were
// seen, how many were kept, and the score spread among the kept items.
type Summary struct {
	TargetLimit     int            `json:"target_limit"`
	LanesRequested  int            `json:"lanes_requested"`
	Selected        int            `json:"selected"`
	AvgCScore       float32        `json:"avg_cscore"`
	MaxCScore       float32        `json:"max_cscore"`
	MinCScore       float32        `json:"min_cscore"`
	ThresholdHits   int            `json:"threshold_hits"`
	TotalCandidates int            `json:"total_candidates"`
	LaneCounts      map[string]int `json:"lane_counts"`
	SlotCounts      map[string]int `json:"slot_counts,omitempty"`
	SlotBudgets     map[string]int `json:"slot_budgets,omitempty"`
	MinScore        float32        `json:"min_score"`
	Scorer          string         `json:"scorer"`
}

func summarizeSelection(spec *Spec, selected []*candidate, laneCounts, slotCounts map[string]int, hasAbove bool, totalCandidates int, scorerName string) Summary {
	var avg, max float32
	min := float32(0)
	if len(selected) > 0 {
		min = float32(1 << 30)
	}
	hits := 0
	for _, c := range selected {
		avg += c.cscore
		if c.cscore > max {
			max = c.cscore
		}
		if c.cscore < min {
			min = c.cscore
		}
		if c.cscore >= spec.MinScore {
			hits++
		}
	}
	if len(selected) > 0 {
		avg /= float32(len(selected))
	} else {
		min = 0
	}
	if !hasAbove {
		hits = 0
	}
	return Summary{
		TargetLimit:     spec.Limit,
		LanesRequested:  len(spec.Lanes),
		Selected:        len(selected),
		AvgCScore:       avg,
		MaxCScore:       max,
		MinCScore:       min,
		ThresholdHits:   hits,
		TotalCandidates: totalCandidates,
		LaneCounts:      laneCounts,
		SlotCounts:      slotCounts,
		SlotBudgets:     spec.SlotBudgets,
		MinScore:        spec.MinScore,
		Scorer:          scorerName,
	}
}
