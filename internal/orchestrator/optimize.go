package orchestrator

import (
	"container/heap"
	"sort"
)

// OptimizeExecutionOrder orders recommendations so that dependencies come
// first, always picking the ready recommendation with the highest relevance
// and then the lowest expected time. Recommendations left in a cycle are
// appended in the same order instead of being dropped.
func (o *Orchestrator) OptimizeExecutionOrder(recs []ToolRecommendation) []ToolRecommendation {
	return OptimizeExecutionOrder(recs)
}

// OptimizeExecutionOrder is the stateless form of Orchestrator.OptimizeExecutionOrder.
func OptimizeExecutionOrder(recs []ToolRecommendation) []ToolRecommendation {
	if len(recs) == 0 {
		return []ToolRecommendation{}
	}
	byName := make(map[string][]int, len(recs))
	for i, rec := range recs {
		byName[rec.ToolName] = append(byName[rec.ToolName], i)
	}

	indegree := make([]int, len(recs))
	dependents := make([][]int, len(recs))
	for i, rec := range recs {
		seen := map[string]struct{}{}
		for _, dep := range rec.Dependencies {
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			for _, j := range byName[dep] {
				indegree[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
	}

	ready := &recHeap{recs: recs}
	for i := range recs {
		if indegree[i] == 0 {
			ready.idx = append(ready.idx, i)
		}
	}
	heap.Init(ready)

	out := make([]ToolRecommendation, 0, len(recs))
	emitted := make([]bool, len(recs))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		emitted[i] = true
		out = append(out, recs[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}

	var leftovers []int
	for i := range recs {
		if !emitted[i] {
			leftovers = append(leftovers, i)
		}
	}
	sort.SliceStable(leftovers, func(a, b int) bool {
		return ranksBefore(recs[leftovers[a]], recs[leftovers[b]])
	})
	for _, i := range leftovers {
		out = append(out, recs[i])
	}
	return out
}

func ranksBefore(a, b ToolRecommendation) bool {
	if a.RelevanceScore != b.RelevanceScore {
		return a.RelevanceScore > b.RelevanceScore
	}
	if a.ExpectedExecutionTime != b.ExpectedExecutionTime {
		return a.ExpectedExecutionTime < b.ExpectedExecutionTime
	}
	return a.ToolName < b.ToolName
}

// recHeap is a ready queue keyed by (-relevance, expected time).
type recHeap struct {
	recs []ToolRecommendation
	idx  []int
}

func (h *recHeap) Len() int           { return len(h.idx) }
func (h *recHeap) Less(i, j int) bool { return ranksBefore(h.recs[h.idx[i]], h.recs[h.idx[j]]) }
func (h *recHeap) Swap(i, j int)      { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }
func (h *recHeap) Push(x any)         { h.idx = append(h.idx, x.(int)) }
func (h *recHeap) Pop() any {
	old := h.idx
	n := len(old)
	x := old[n-1]
	h.idx = old[:n-1]
	return x
}
