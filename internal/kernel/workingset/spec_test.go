package workingset

import (
	"testing"

	"github.com/agentrt/agentd/internal/config"
	"github.com/stretchr/testify/assert"
)

func testConfig() *config.Config {
	return &config.Config{
		ContextK:               18,
		ContextLanesDefault:    []string{"semantic", "procedural", "episodic"},
		ContextMinScore:        0.1,
		ContextDiversityLambda: 0.72,
		ContextExpandQuery:     false,
		ContextExpandQueryTopK: 4,
		ContextScorer:          "mmrd",
	}
}

func TestNormalizeFillsDefaultsFromConfig(t *testing.T) {
	s := Spec{}
	s.Normalize(testConfig())

	assert.Equal(t, []string{"episodic", "procedural", "semantic"}, s.Lanes)
	assert.Equal(t, 18, s.Limit)
	assert.InDelta(t, 0.72, s.DiversityLambda, 1e-6)
	assert.InDelta(t, 0.1, s.MinScore, 1e-6)
	assert.InDelta(t, 0.05, s.LaneBonus, 1e-6)
	assert.Equal(t, "mmrd", s.Scorer)
	assert.Equal(t, 4, s.ExpandQueryTopK)
}

func TestNormalizeClampsOutOfRangeValues(t *testing.T) {
	s := Spec{Limit: 5000, ExpandPerSeed: 99, DiversityLambda: 4, MinScore: -1, LaneBonus: 9}
	s.Normalize(testConfig())

	assert.Equal(t, maxLimit, s.Limit)
	assert.Equal(t, maxExpandPerSeed, s.ExpandPerSeed)
	assert.InDelta(t, 1.0, s.DiversityLambda, 1e-6)
	assert.InDelta(t, 0.0, s.MinScore, 1e-6, "an explicit out-of-range min_score clamps, it doesn't fall back to the default")
	assert.InDelta(t, 1.0, s.LaneBonus, 1e-6)
}

func TestNormalizeDedupsAndSortsExplicitLanes(t *testing.T) {
	s := Spec{Lanes: []string{"episodic", " semantic ", "episodic", ""}}
	s.Normalize(testConfig())
	assert.Equal(t, []string{"episodic", "semantic"}, s.Lanes)
}

func TestNormalizeSlotBudgetsLowercasesAndCapsToLimit(t *testing.T) {
	s := Spec{Limit: 3, SlotBudgets: map[string]int{" Instructions ": 99, "evidence": 0, "": 5}}
	s.Normalize(testConfig())
	assert.Equal(t, map[string]int{"instructions": 3}, s.SlotBudgets)
}

func TestSlotLimitFallsBackToWildcard(t *testing.T) {
	s := Spec{SlotBudgets: map[string]int{"*": 2}}
	limit, ok := s.SlotLimit("anything")
	assert.True(t, ok)
	assert.Equal(t, 2, limit)

	var empty Spec
	_, ok = empty.SlotLimit("anything")
	assert.False(t, ok)
}
