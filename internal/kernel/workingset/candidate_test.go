package workingset

import (
	"testing"
	"time"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/kernel/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{1, 0}), 1e-6)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, float32(0), cosine([]float32{1, 2}, []float32{1, 2, 3}), "mismatched dimensions score 0")
	assert.Equal(t, float32(0), cosine(nil, nil))
}

func TestJaccardSimilarity(t *testing.T) {
	assert.InDelta(t, 0.5, jaccard([]string{"a", "b"}, []string{"a", "c"}), 1e-6)
	assert.Equal(t, float32(0), jaccard(nil, []string{"a"}))
}

func TestRecencyScoreSteps(t *testing.T) {
	now := time.Now()
	assert.Equal(t, float32(1.0), recencyScore(now.Add(-10*time.Minute).Format(time.RFC3339)))
	assert.Equal(t, float32(0.8), recencyScore(now.Add(-12*time.Hour).Format(time.RFC3339)))
	assert.Equal(t, float32(0.6), recencyScore(now.Add(-3*24*time.Hour).Format(time.RFC3339)))
	assert.Equal(t, float32(0.4), recencyScore(now.Add(-10*24*time.Hour).Format(time.RFC3339)))
	assert.Equal(t, float32(0.2), recencyScore(now.Add(-60*24*time.Hour).Format(time.RFC3339)))
	assert.Equal(t, float32(0.2), recencyScore(""), "unparseable/absent timestamp defaults to the lowest tier")
}

func TestProjectAffinityTags(t *testing.T) {
	assert.Equal(t, float32(1.0), projectAffinityTags("anything", ""), "blank filter never penalizes")
	assert.Equal(t, float32(0.9), projectAffinityTags("alpha,beta", "beta"))
	assert.Equal(t, float32(0.75), projectAffinityTags("alpha", "gamma"))
}

func TestBuildSeedCandidateComputesHybridCScore(t *testing.T) {
	now := time.Now().Format(time.RFC3339)
	rec := model.MemoryRecord{
		ID: "m1", Lane: "semantic", Updated: now,
		Embed: []float32{1, 0},
	}
	score := 0.8
	rec.Score = &score
	res := store.MemoryHybridResult{Record: rec, BM25: 1.5}

	c, seed := buildSeedCandidate(res, "semantic", []float32{1, 0}, "")

	require.NotNil(t, c)
	// sim=1.0, fts_hit=1.0, recency=1.0, util=0.8:
	// 0.5*1 + 0.2*1 + 0.2*1 + 0.1*0.8 = 0.98
	assert.InDelta(t, 0.98, c.cscore, 1e-4)
	assert.Equal(t, "semantic", c.lane)
	assert.Equal(t, c.cscore, seed.cscore)
	assert.Equal(t, "seed", c.value["source"])
}

func TestBuildWorldCandidateRequiresNonEmptyID(t *testing.T) {
	assert.Nil(t, buildWorldCandidate(Belief{ID: "  "}, ""))
}

func TestBuildWorldCandidateFloorsAtMinimum(t *testing.T) {
	c := buildWorldCandidate(Belief{ID: "b1"}, "")
	require.NotNil(t, c)
	assert.GreaterOrEqual(t, c.cscore, float32(0.05))
	assert.Equal(t, DefaultWorldLane, c.lane)
	assert.Equal(t, "world:b1", c.id)
}

func TestBuildExpansionCandidateRejectsSelfLink(t *testing.T) {
	seed := seedInfo{id: "m1", cscore: 0.5, lane: "semantic"}
	rec := model.MemoryRecord{ID: "m1"}
	link := model.MemoryLink{SrcID: "m1", DstID: "m1"}
	assert.Nil(t, buildExpansionCandidate(rec, seed, link, ""))
}

func TestCandidateSimilarityPrefersEmbedThenKeyThenTags(t *testing.T) {
	a := &candidate{embed: []float32{1, 0}, key: "k1", tags: []string{"x"}}
	b := &candidate{embed: []float32{1, 0}, key: "k2", tags: []string{"y"}}
	assert.InDelta(t, 1.0, candidateSimilarity(a, b), 1e-6, "embed cosine wins when both present")

	c := &candidate{key: "k1", tags: []string{"x"}}
	d := &candidate{key: "k1", tags: []string{"y"}}
	assert.Equal(t, float32(1.0), candidateSimilarity(c, d), "exact key match wins absent embeddings")

	e := &candidate{tags: []string{"x", "y"}}
	f := &candidate{tags: []string{"y", "z"}}
	assert.InDelta(t, float32(1.0/3.0), candidateSimilarity(e, f), 1e-6, "falls back to tag Jaccard")
}
