package workingset

import (
	"container/heap"
	"math"
)

// heapEntry is one pending scoring of a candidate at a given storage index,
// stamped with the selection epoch it was computed against. An entry whose
// epoch has fallen behind the current epoch by the time it's popped is
// stale and must be rescored before it can be trusted.
type heapEntry struct {
	score float32
	idx   int
	epoch uint64
}

type candidateHeap []heapEntry

func (h candidateHeap) Len() int { return len(h) }

// Less orders by score descending; ties break by lower index first, so
// that among equal scores the earliest-inserted candidate wins the pop —
// this is what makes selection order deterministic.
func (h candidateHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].idx < h[j].idx
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) { *h = append(*h, x.(heapEntry)) }

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// selectCandidates runs the epoch-versioned lazy-rescoring selection loop:
// every candidate is pushed once, then popped in score order; a pop whose
// epoch is stale gets rescored against the current selection and re-pushed
// rather than trusted, so the heap never needs an eager re-score pass after
// every pick. Selecting an item bumps the epoch, invalidating every other
// entry's similarity-to-selected term.
func selectCandidates(candidates []*candidate, spec *Spec, hasAbove bool, sc scorer, observer Observer) (selected []*candidate, laneCounts, slotCounts map[string]int) {
	storage := make([]*candidate, len(candidates))
	copy(storage, candidates)

	laneCounts = map[string]int{}
	slotCounts = map[string]int{}
	useSlots := len(spec.SlotBudgets) > 0

	sel := &selectionState{spec: spec, laneCounts: laneCounts, requireThreshold: hasAbove}

	versions := make([]uint64, len(storage))
	var epoch uint64

	h := &candidateHeap{}
	heap.Init(h)
	for idx, c := range storage {
		if c == nil {
			continue
		}
		score := sc.score(c, sel)
		versions[idx] = epoch
		heap.Push(h, heapEntry{score: score, idx: idx, epoch: epoch})
	}

	for len(selected) < spec.Limit {
		if h.Len() == 0 {
			break
		}
		entry := heap.Pop(h).(heapEntry)
		if entry.idx >= len(storage) {
			continue
		}
		if versions[entry.idx] != entry.epoch {
			continue
		}
		c := storage[entry.idx]
		if c == nil {
			continue
		}
		if entry.epoch != epoch {
			score := sc.score(c, sel)
			versions[entry.idx] = epoch
			heap.Push(h, heapEntry{score: score, idx: entry.idx, epoch: epoch})
			continue
		}
		if isNegInf(entry.score) {
			storage[entry.idx] = nil
			continue
		}

		var slotKey string
		if useSlots {
			slotKey = c.slotKey
			if limit, ok := spec.SlotLimit(slotKey); ok && slotCounts[slotKey] >= limit {
				storage[entry.idx] = nil
				continue
			}
		}

		storage[entry.idx] = nil
		if useSlots {
			slotCounts[slotKey]++
		}
		laneCounts[c.laneLabel()]++
		if observer != nil {
			observer.Emit(EventSelected, map[string]any{
				"rank":   len(selected),
				"item":   c.value,
				"score":  c.cscore,
				"scorer": sc.name(),
			})
		}
		sel.selected = append(sel.selected, c)
		selected = append(selected, c)
		epoch++
	}
	return selected, laneCounts, slotCounts
}

func isNegInf(v float32) bool {
	return math.IsInf(float64(v), -1)
}
