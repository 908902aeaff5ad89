package workingset

import (
	"context"
	"testing"
	"time"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/kernel/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkingSetStore struct {
	byLane map[string][]store.MemoryHybridResult
	links  map[string][]model.MemoryLink
	byID   map[string]model.MemoryRecord
}

func (f *fakeWorkingSetStore) SelectMemoryHybrid(_ context.Context, _ string, lane string, k int) ([]store.MemoryHybridResult, error) {
	hits := f.byLane[lane]
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *fakeWorkingSetStore) MemoryLinksFrom(_ context.Context, srcID string, limit int) ([]model.MemoryLink, error) {
	links := f.links[srcID]
	if len(links) > limit {
		links = links[:limit]
	}
	return links, nil
}

func (f *fakeWorkingSetStore) GetMemory(_ context.Context, id string) (*model.MemoryRecord, error) {
	rec, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

type recordingObserver struct {
	kinds []string
}

func (o *recordingObserver) Emit(kind string, _ map[string]any) {
	o.kinds = append(o.kinds, kind)
}

func (o *recordingObserver) count(kind string) int {
	n := 0
	for _, k := range o.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestBuildSelectsTopSeedsWithinLimit(t *testing.T) {
	now := time.Now().Format(time.RFC3339)
	fs := &fakeWorkingSetStore{byLane: map[string][]store.MemoryHybridResult{
		"semantic": {
			{Record: model.MemoryRecord{ID: "s1", Lane: "semantic", Updated: now}, BM25: 2},
			{Record: model.MemoryRecord{ID: "s2", Lane: "semantic", Updated: now}, BM25: 1},
		},
	}}
	obs := &recordingObserver{}
	b := NewBuilder(fs, testConfig(), obs)

	ws, err := b.Build(context.Background(), Spec{Query: "q", Lanes: []string{"semantic"}, Limit: 1}, nil)

	require.NoError(t, err)
	require.Len(t, ws.Items, 1)
	assert.Equal(t, "s1", ws.Items[0]["id"])
	assert.Equal(t, 1, obs.count(EventStarted))
	assert.Equal(t, 1, obs.count(EventCompleted))
	assert.GreaterOrEqual(t, obs.count(EventSeed), 2)
	assert.Equal(t, 1, obs.count(EventSelected))
}

func TestBuildExpandsLinksForSeeds(t *testing.T) {
	now := time.Now().Format(time.RFC3339)
	weight := 0.9
	fs := &fakeWorkingSetStore{
		byLane: map[string][]store.MemoryHybridResult{
			"semantic": {{Record: model.MemoryRecord{ID: "seed1", Lane: "semantic", Updated: now}, BM25: 1}},
		},
		links: map[string][]model.MemoryLink{
			"seed1": {{SrcID: "seed1", DstID: "linked1", Rel: "relates_to", Weight: &weight}},
		},
		byID: map[string]model.MemoryRecord{
			"linked1": {ID: "linked1", Lane: "semantic", Updated: now},
		},
	}
	b := NewBuilder(fs, testConfig(), nil)

	ws, err := b.Build(context.Background(), Spec{Lanes: []string{"semantic"}, Limit: 10, ExpandPerSeed: 3}, nil)

	require.NoError(t, err)
	assert.Len(t, ws.Expanded, 1)
	assert.Equal(t, "linked1", ws.Expanded[0]["id"])
}

func TestBuildIngestsWorldBeliefs(t *testing.T) {
	fs := &fakeWorkingSetStore{byLane: map[string][]store.MemoryHybridResult{}}
	b := NewBuilder(fs, testConfig(), nil)

	beliefs := []Belief{{ID: "b1", Kind: "observation", Confidence: 0.8}}
	ws, err := b.Build(context.Background(), Spec{Lanes: []string{"semantic"}, Limit: 10}, beliefs)

	require.NoError(t, err)
	require.Len(t, ws.Items, 1)
	assert.Equal(t, "world:b1", ws.Items[0]["id"])
	assert.Equal(t, DefaultWorldLane, ws.Items[0]["lane"])
}

func TestBuildDiagnosticsReportCandidateCounts(t *testing.T) {
	now := time.Now().Format(time.RFC3339)
	fs := &fakeWorkingSetStore{byLane: map[string][]store.MemoryHybridResult{
		"semantic": {{Record: model.MemoryRecord{ID: "s1", Lane: "semantic", Updated: now}, BM25: 1}},
	}}
	b := NewBuilder(fs, testConfig(), nil)

	ws, err := b.Build(context.Background(), Spec{Lanes: []string{"semantic"}, Limit: 10}, nil)

	require.NoError(t, err)
	counts, ok := ws.Diagnostics["counts"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, counts["candidates"])
	assert.Equal(t, 1, ws.Summary.Selected)
}
