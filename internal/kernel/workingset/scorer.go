package workingset

import "math"

// scorer ranks one candidate against the running selection. requireThreshold
// forces any candidate under spec.MinScore to -inf once at least one
// candidate has cleared it.
type scorer interface {
	name() string
	score(c *candidate, sel *selectionState) float32
}

// selectionState is the mutable context a scorer reads to rank a candidate:
// the set already chosen, how many of each lane are represented, and
// whether min-score filtering is active this round.
type selectionState struct {
	spec             *Spec
	selected         []*candidate
	laneCounts       map[string]int
	requireThreshold bool
}

func resolveScorer(name string) scorer {
	switch name {
	case scorerConfidence, scorerGreedyAlias:
		return confidenceScorer{}
	default:
		return mmrdScorer{}
	}
}

type mmrdScorer struct{}

func (mmrdScorer) name() string { return scorerMMRD }

func (mmrdScorer) score(c *candidate, sel *selectionState) float32 {
	if sel.requireThreshold && c.cscore < sel.spec.MinScore {
		return float32(math.Inf(-1))
	}
	bonus := laneBonus(sel.laneCounts, c.lane, sel.spec.LaneBonus)
	return mmrScore(c, sel.selected, sel.spec.DiversityLambda, bonus)
}

type confidenceScorer struct{}

func (confidenceScorer) name() string { return scorerConfidence }

func (confidenceScorer) score(c *candidate, sel *selectionState) float32 {
	if sel.requireThreshold && c.cscore < sel.spec.MinScore {
		return float32(math.Inf(-1))
	}
	bonus := laneBonus(sel.laneCounts, c.lane, sel.spec.LaneBonus)
	return c.cscore + bonus
}

// laneBonus rewards a candidate once for being the first of its lane in the
// selection; any lane already represented gets none.
func laneBonus(counts map[string]int, lane string, bonus float32) float32 {
	if lane == "" {
		return 0
	}
	if counts[lane] == 0 {
		return bonus
	}
	return 0
}

// mmrScore is the marginal-relevance score: with nothing selected yet it is
// just the (bonused) base score; otherwise it trades base score off against
// the candidate's maximum similarity to anything already chosen.
func mmrScore(c *candidate, selected []*candidate, lambda, bonus float32) float32 {
	lambda = clampFloat(lambda, 0, 1)
	base := c.cscore + bonus
	if len(selected) == 0 {
		return base
	}
	var maxSim float32
	for _, s := range selected {
		if sim := candidateSimilarity(c, s); sim > maxSim {
			maxSim = sim
		}
	}
	return lambda*base - (1-lambda)*maxSim
}
