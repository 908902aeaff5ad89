package workingset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(id, lane string, cscore float32) *candidate {
	return &candidate{id: id, lane: lane, cscore: cscore, slotKey: "unslotted", value: map[string]any{"id": id}}
}

func TestSelectCandidatesHaltsAtLimit(t *testing.T) {
	spec := &Spec{Limit: 2, DiversityLambda: 0.72, LaneBonus: 0.05, MinScore: 0}
	cands := []*candidate{cand("a", "semantic", 0.9), cand("b", "semantic", 0.8), cand("c", "semantic", 0.7)}

	selected, _, _ := selectCandidates(cands, spec, false, resolveScorer("confidence"), NullObserver{})

	require.Len(t, selected, 2)
	assert.Equal(t, "a", selected[0].id)
	assert.Equal(t, "b", selected[1].id)
}

func TestSelectCandidatesBreaksScoreTiesByInsertionOrder(t *testing.T) {
	spec := &Spec{Limit: 3, LaneBonus: 0}
	cands := []*candidate{cand("first", "semantic", 0.5), cand("second", "semantic", 0.5), cand("third", "semantic", 0.5)}

	selected, _, _ := selectCandidates(cands, spec, false, resolveScorer("confidence"), NullObserver{})

	require.Len(t, selected, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{selected[0].id, selected[1].id, selected[2].id})
}

func TestSelectCandidatesRequiresThresholdWhenAnyCandidateClearsIt(t *testing.T) {
	spec := &Spec{Limit: 5, MinScore: 0.5, LaneBonus: 0}
	cands := []*candidate{cand("above", "semantic", 0.9), cand("below", "semantic", 0.2)}

	selected, _, _ := selectCandidates(cands, spec, true, resolveScorer("confidence"), NullObserver{})

	require.Len(t, selected, 1)
	assert.Equal(t, "above", selected[0].id)
}

func TestSelectCandidatesFallsBackToBestAvailableWhenNoneClearThreshold(t *testing.T) {
	spec := &Spec{Limit: 5, MinScore: 0.9, LaneBonus: 0}
	cands := []*candidate{cand("a", "semantic", 0.4), cand("b", "semantic", 0.3)}

	selected, _, _ := selectCandidates(cands, spec, false, resolveScorer("confidence"), NullObserver{})

	require.Len(t, selected, 2, "has_above=false means no threshold filtering is applied")
}

func TestSelectCandidatesEnforcesSlotBudgets(t *testing.T) {
	spec := &Spec{Limit: 5, LaneBonus: 0, SlotBudgets: map[string]int{"fact": 1}}
	a := cand("a", "semantic", 0.9)
	a.slotKey = "fact"
	b := cand("b", "semantic", 0.8)
	b.slotKey = "fact"
	c := cand("c", "semantic", 0.7)
	c.slotKey = "other"

	selected, _, slotCounts := selectCandidates([]*candidate{a, b, c}, spec, false, resolveScorer("confidence"), NullObserver{})

	ids := []string{}
	for _, s := range selected {
		ids = append(ids, s.id)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids, "second fact-slot candidate is dropped once the budget is full")
	assert.Equal(t, 1, slotCounts["fact"])
}

func TestSelectCandidatesLaneBonusAppliesOnceFirstLaneOccurrence(t *testing.T) {
	spec := &Spec{Limit: 2, LaneBonus: 0.2}
	cands := []*candidate{cand("sem1", "semantic", 0.5), cand("proc1", "procedural", 0.45), cand("sem2", "semantic", 0.5)}

	selected, laneCounts, _ := selectCandidates(cands, spec, false, resolveScorer("confidence"), NullObserver{})

	require.Len(t, selected, 2)
	assert.Equal(t, "sem1", selected[0].id, "first semantic pick gets the unrepresented-lane bonus")
	assert.Equal(t, "proc1", selected[1].id, "procedural's bonus (0.45+0.2=0.65) now outranks the second semantic pick (0.5)")
	assert.Equal(t, 1, laneCounts["semantic"])
	assert.Equal(t, 1, laneCounts["procedural"])
}
