package workingset

import (
	"context"
	"sort"

	"github.com/agentrt/agentd/internal/config"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/kernel/store"
)

// Store is the subset of store.Store the builder needs: lexical retrieval
// and link/record lookups. Vector, recency, and utility scoring are
// composed on top of these by the candidate builders.
type Store interface {
	SelectMemoryHybrid(ctx context.Context, query string, lane string, k int) ([]store.MemoryHybridResult, error)
	MemoryLinksFrom(ctx context.Context, srcID string, limit int) ([]model.MemoryLink, error)
	GetMemory(ctx context.Context, id string) (*model.MemoryRecord, error)
}

// WorkingSet is the result of one assembly: the selected items in rank
// order, plus the raw seed/expansion pools and diagnostics that fed the
// selection.
type WorkingSet struct {
	Items       []map[string]any `json:"items"`
	Seeds       []map[string]any `json:"seeds"`
	Expanded    []map[string]any `json:"expanded"`
	Diagnostics map[string]any  `json:"diagnostics"`
	Summary     Summary          `json:"summary"`
}

// Builder assembles working sets against a Store, using cfg for unset spec
// defaults and notifying observer of phase progress.
type Builder struct {
	Store    Store
	Config   *config.Config
	Observer Observer
}

// NewBuilder constructs a Builder. A nil observer is treated as NullObserver.
func NewBuilder(s Store, cfg *config.Config, observer Observer) *Builder {
	if observer == nil {
		observer = NullObserver{}
	}
	return &Builder{Store: s, Config: cfg, Observer: observer}
}

// Build runs the full retrieve → query-expand → link-expand → world-belief →
// select pipeline for spec, with beliefs ingested as additional candidates.
func (b *Builder) Build(ctx context.Context, spec Spec, beliefs []Belief) (WorkingSet, error) {
	defer timePhase("total")()
	spec.Normalize(b.Config)
	sc := resolveScorer(spec.Scorer)

	b.Observer.Emit(EventStarted, map[string]any{
		"spec":   spec.Snapshot(),
		"scorer": sc.name(),
	})

	lanes := spec.Lanes
	if len(lanes) == 0 {
		lanes = []string{""}
	}

	candidates := map[string]*candidate{}
	var seedsRaw, expandedRaw []map[string]any
	var seedInfos []seedInfo

	// Phase 1: retrieve.
	retrieveDone := timePhase("retrieve")
	fetchK := spec.Limit*3 + spec.ExpandPerSeed
	if fetchK < 10 {
		fetchK = 10
	}
	for _, lane := range lanes {
		hits, err := b.Store.SelectMemoryHybrid(ctx, spec.Query, lane, fetchK)
		if err != nil {
			retrieveDone()
			return WorkingSet{}, err
		}
		for _, hit := range hits {
			laneOverride := lane
			if laneOverride == "" {
				laneOverride = hit.Record.Lane
			}
			c, seed := buildSeedCandidate(hit, laneOverride, spec.Embed, spec.Project)
			b.Observer.Emit(EventSeed, map[string]any{"item": c.value, "lane": nullableString(c.lane)})
			seedsRaw = append(seedsRaw, c.value)
			seedInfos = append(seedInfos, *seed)
			insertCandidate(candidates, c)
			candidatesTotal.WithLabelValues("seed").Inc()
		}
	}
	retrieveDone()

	// Phase 2: query expansion (optional).
	if spec.ExpandQuery {
		expandQueryDone := timePhase("expand_query")
		b.pseudoRelevanceExpand(ctx, &spec, lanes, seedInfos, candidates, &expandedRaw)
		expandQueryDone()
	}

	// Phase 3: link expansion.
	if spec.ExpandPerSeed > 0 {
		expandLinksDone := timePhase("expand_links")
		b.expandLinks(ctx, &spec, seedInfos, candidates, &expandedRaw)
		expandLinksDone()
	}

	// Phase 4: world-belief ingestion.
	worldDone := timePhase("world_beliefs")
	b.ingestWorldBeliefs(&spec, beliefs, candidates, &expandedRaw)
	worldDone()

	candidateTotal := len(candidates)
	hasAbove := false
	all := make([]*candidate, 0, candidateTotal)
	for _, c := range candidates {
		all = append(all, c)
		if c.cscore >= spec.MinScore {
			hasAbove = true
		}
	}
	// Deterministic insertion order: map iteration order is random, so sort
	// by id before handing candidates to the selector, whose own tie-break
	// is by this slice's index.
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })

	if !hasAbove && candidateTotal > 0 {
		fallbackTotal.Inc()
	}

	// Phase 5: select.
	selectDone := timePhase("select")
	selected, laneCounts, slotCounts := selectCandidates(all, &spec, hasAbove, sc, b.Observer)
	selectDone()
	for _, c := range selected {
		selectedTotal.WithLabelValues(sc.name(), c.laneLabel()).Inc()
	}

	items := make([]map[string]any, 0, len(selected))
	for _, c := range selected {
		items = append(items, c.value)
	}
	summary := summarizeSelection(&spec, selected, laneCounts, slotCounts, hasAbove, candidateTotal, sc.name())

	diagnostics := map[string]any{
		"params": spec.Snapshot(),
		"counts": map[string]any{
			"seeds":     len(seedsRaw),
			"expanded":  len(expandedRaw),
			"selected":  len(selected),
			"candidates": candidateTotal,
		},
		"lanes":                       laneCounts,
		"had_candidates_above_threshold": hasAbove,
		"summary":                     summary,
		"scorer":                      sc.name(),
	}
	if len(slotCounts) > 0 || len(spec.SlotBudgets) > 0 {
		slots := map[string]any{}
		if len(slotCounts) > 0 {
			slots["counts"] = slotCounts
		}
		if len(spec.SlotBudgets) > 0 {
			slots["budgets"] = spec.SlotBudgets
		}
		diagnostics["slots"] = slots
	}

	// Phase 6: emit completed.
	b.Observer.Emit(EventCompleted, map[string]any{
		"items":       items,
		"seeds":       seedsRaw,
		"expanded":    expandedRaw,
		"summary":     summary,
		"diagnostics": diagnostics,
	})

	return WorkingSet{
		Items:       items,
		Seeds:       seedsRaw,
		Expanded:    expandedRaw,
		Diagnostics: diagnostics,
		Summary:     summary,
	}, nil
}

// expandLinks fetches up to spec.ExpandPerSeed outgoing links per seed and
// scores each distinct, not-yet-a-candidate destination.
func (b *Builder) expandLinks(ctx context.Context, spec *Spec, seedInfos []seedInfo, candidates map[string]*candidate, expandedRaw *[]map[string]any) {
	seenDst := map[string]struct{}{}
	type pending struct {
		dstID string
		seed  seedInfo
		link  model.MemoryLink
	}
	var queue []pending

	for _, seed := range seedInfos {
		links, err := b.Store.MemoryLinksFrom(ctx, seed.id, spec.ExpandPerSeed)
		if err != nil {
			continue
		}
		for _, link := range links {
			if link.DstID == "" || link.DstID == seed.id {
				continue
			}
			if _, ok := candidates[link.DstID]; ok {
				continue
			}
			if _, ok := seenDst[link.DstID]; ok {
				continue
			}
			seenDst[link.DstID] = struct{}{}
			queue = append(queue, pending{dstID: link.DstID, seed: seed, link: link})
		}
	}

	for _, p := range queue {
		rec, err := b.Store.GetMemory(ctx, p.dstID)
		if err != nil || rec == nil {
			continue
		}
		c := buildExpansionCandidate(*rec, p.seed, p.link, spec.Project)
		if c == nil {
			continue
		}
		b.Observer.Emit(EventExpanded, map[string]any{"item": c.value, "lane": nullableString(c.lane)})
		*expandedRaw = append(*expandedRaw, c.value)
		insertCandidate(candidates, c)
		candidatesTotal.WithLabelValues("link_expansion").Inc()
	}
}

// ingestWorldBeliefs converts every belief into a world-lane candidate.
func (b *Builder) ingestWorldBeliefs(spec *Spec, beliefs []Belief, candidates map[string]*candidate, expandedRaw *[]map[string]any) {
	for _, belief := range beliefs {
		c := buildWorldCandidate(belief, spec.Project)
		if c == nil {
			continue
		}
		b.Observer.Emit(EventExpanded, map[string]any{"item": c.value, "lane": c.lane, "source": "world"})
		*expandedRaw = append(*expandedRaw, c.value)
		insertCandidate(candidates, c)
		candidatesTotal.WithLabelValues("world_belief").Inc()
	}
}

// pseudoRelevanceExpand weight-averages the embeddings of the top-scoring
// seeds (weight = max(cscore, 0.05)) into a global centroid, plus a
// per-lane centroid when a lane is represented. It then re-runs the lexical
// query in each lane and uses the centroid only to score the hits that are
// not already candidates; the centroid is not used as a search vector.
func (b *Builder) pseudoRelevanceExpand(ctx context.Context, spec *Spec, lanes []string, seedInfos []seedInfo, candidates map[string]*candidate, expandedRaw *[]map[string]any) {
	seedPool := len(seedInfos)
	var withEmbed []seedInfo
	for _, s := range seedInfos {
		if len(s.embed) > 0 {
			withEmbed = append(withEmbed, s)
		}
	}
	if len(withEmbed) == 0 {
		return
	}
	sort.Slice(withEmbed, func(i, j int) bool { return withEmbed[i].cscore > withEmbed[j].cscore })

	topK := spec.ExpandQueryTopK
	if topK > len(withEmbed) {
		topK = len(withEmbed)
	}
	dims := len(withEmbed[0].embed)
	if dims == 0 {
		return
	}

	avg := make([]float32, dims)
	var weightSum float32
	laneSums := map[string][]float32{}
	laneWeights := map[string]float32{}
	laneSeedIDs := map[string][]string{}

	for _, seed := range withEmbed[:topK] {
		if len(seed.embed) != dims {
			continue
		}
		weight := seed.cscore
		if weight < 0.05 {
			weight = 0.05
		}
		for i, v := range seed.embed {
			avg[i] += v * weight
		}
		weightSum += weight
		if seed.lane != "" {
			if _, ok := laneSums[seed.lane]; !ok {
				laneSums[seed.lane] = make([]float32, dims)
			}
			for i, v := range seed.embed {
				laneSums[seed.lane][i] += v * weight
			}
			laneWeights[seed.lane] += weight
			laneSeedIDs[seed.lane] = append(laneSeedIDs[seed.lane], seed.id)
		}
	}
	if weightSum == 0 {
		return
	}
	for i := range avg {
		avg[i] /= weightSum
	}
	laneVectors := map[string][]float32{}
	for lane, sum := range laneSums {
		w := laneWeights[lane]
		if w <= 0 {
			continue
		}
		vec := make([]float32, dims)
		for i, v := range sum {
			vec[i] = v / w
		}
		laneVectors[lane] = vec
	}

	var seedIDsFallback []string
	for _, s := range withEmbed[:topK] {
		seedIDsFallback = append(seedIDsFallback, s.id)
	}

	fetchK := spec.Limit*2 + spec.ExpandPerSeed
	if fetchK < 12 {
		fetchK = 12
	}

	for _, lane := range lanes {
		centroid := laneVectors[lane]
		if centroid == nil {
			centroid = avg
		}
		hits, err := b.Store.SelectMemoryHybrid(ctx, spec.Query, lane, fetchK)
		if err != nil {
			continue
		}
		seedsUsed := laneSeedIDs[lane]
		if seedsUsed == nil {
			seedsUsed = seedIDsFallback
		}
		for _, hit := range hits {
			if _, ok := candidates[hit.Record.ID]; ok {
				continue
			}
			laneOverride := lane
			if laneOverride == "" {
				laneOverride = hit.Record.Lane
			}
			c, ok := buildQueryExpansionCandidate(hit, laneOverride, spec.Project, seedsUsed, seedPool, centroid)
			if !ok {
				continue
			}
			b.Observer.Emit(EventQueryExpand, map[string]any{
				"item":       c.value,
				"lane":       nullableString(c.lane),
				"seeds_used": seedsUsed,
			})
			*expandedRaw = append(*expandedRaw, c.value)
			insertCandidate(candidates, c)
			candidatesTotal.WithLabelValues("query_expansion").Inc()
		}
	}
}
