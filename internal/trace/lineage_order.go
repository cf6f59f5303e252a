package trace

import (
	"container/heap"
	"slices"
	"strings"
)

// SortRunsParentsFirst reorders runs in place so every run follows its parent
// when the parent is in the slice. Among runs that are ready at the same
// time the earliest (start, then end time), lowest execution order and lowest
// id goes first. Runs caught in a parent cycle are appended last in the same
// order.
func SortRunsParentsFirst(runs []*Run) {
	if len(runs) < 2 {
		return
	}

	g := newLineageGraph(runs)
	ready := &lineageHeap{g: g}
	for i, n := range g.waiting {
		if n == 0 {
			ready.idx = append(ready.idx, i)
		}
	}
	heap.Init(ready)

	out := make([]*Run, 0, len(runs))
	emitted := make([]bool, len(runs))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		emitted[i] = true
		out = append(out, runs[i])
		for _, child := range g.children[i] {
			if g.waiting[child]--; g.waiting[child] == 0 {
				heap.Push(ready, child)
			}
		}
	}

	var cyclic []int
	for i := range runs {
		if !emitted[i] {
			cyclic = append(cyclic, i)
		}
	}
	slices.SortFunc(cyclic, g.compare)
	for _, i := range cyclic {
		out = append(out, runs[i])
	}
	copy(runs, out)
}

type lineageGraph struct {
	runs     []*Run
	ids      []string
	children [][]int
	// waiting counts unemitted parents present in the slice (0 or 1).
	waiting []int
}

func newLineageGraph(runs []*Run) *lineageGraph {
	g := &lineageGraph{
		runs:     runs,
		ids:      make([]string, len(runs)),
		children: make([][]int, len(runs)),
		waiting:  make([]int, len(runs)),
	}
	first := make(map[string]int, len(runs))
	for i, r := range runs {
		if r == nil {
			continue
		}
		g.ids[i] = strings.TrimSpace(r.ID)
		if _, seen := first[g.ids[i]]; !seen && g.ids[i] != "" {
			first[g.ids[i]] = i
		}
	}
	for i, r := range runs {
		if r == nil {
			continue
		}
		parent, ok := first[strings.TrimSpace(r.ParentRunID)]
		if !ok || parent == i {
			continue
		}
		g.children[parent] = append(g.children[parent], i)
		g.waiting[i]++
	}
	return g
}

func (g *lineageGraph) compare(a, b int) int {
	ra, rb := g.runs[a], g.runs[b]
	if c := ra.OrderTime().Compare(rb.OrderTime()); c != 0 {
		return c
	}
	if ra != nil && rb != nil && ra.ExecutionOrder != rb.ExecutionOrder {
		return ra.ExecutionOrder - rb.ExecutionOrder
	}
	if c := strings.Compare(g.ids[a], g.ids[b]); c != 0 {
		return c
	}
	return a - b
}

type lineageHeap struct {
	g   *lineageGraph
	idx []int
}

func (h *lineageHeap) Len() int           { return len(h.idx) }
func (h *lineageHeap) Less(i, j int) bool { return h.g.compare(h.idx[i], h.idx[j]) < 0 }
func (h *lineageHeap) Swap(i, j int)      { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }
func (h *lineageHeap) Push(x any)         { h.idx = append(h.idx, x.(int)) }
func (h *lineageHeap) Pop() any {
	last := h.idx[len(h.idx)-1]
	h.idx = h.idx[:len(h.idx)-1]
	return last
}
