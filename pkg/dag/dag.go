package dag

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/samber/lo"
	"github.com/yourbasic/graph"
)

type UnknownDependencyError struct {
	Asset      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("asset '%s' depends on unknown asset '%s'", e.Asset, e.Dependency)
}

type CyclicDependencyError struct {
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Members) == 1 {
		return fmt.Sprintf("asset '%s' depends on itself", e.Members[0])
	}

	return "dependency cycle between assets: " + strings.Join(e.Members, ", ")
}

type DuplicateAssetError struct {
	Name string
}

func (e *DuplicateAssetError) Error() string {
	return fmt.Sprintf("asset name '%s' is declared more than once", e.Name)
}

// Graph holds the assets of a run in declaration order. Every asset is addressed by its integer handle,
// which is its position in that order; edges point from an asset to the assets that depend on it.
type Graph struct {
	assets     []*pipeline.Asset
	handles    map[string]int
	upstream   [][]int
	downstream [][]int
}

// New validates the dependency lists of the assets and builds the graph. Unknown dependencies, duplicate
// names and cycles, self-dependencies included, are rejected.
func New(assets []*pipeline.Asset) (*Graph, error) {
	g := &Graph{
		assets:     assets,
		handles:    make(map[string]int, len(assets)),
		upstream:   make([][]int, len(assets)),
		downstream: make([][]int, len(assets)),
	}

	for i, asset := range assets {
		if _, ok := g.handles[asset.Name]; ok {
			return nil, &DuplicateAssetError{Name: asset.Name}
		}
		g.handles[asset.Name] = i
	}

	for i, asset := range assets {
		for _, dep := range lo.Uniq(asset.UpstreamNames()) {
			h, ok := g.handles[dep]
			if !ok {
				return nil, &UnknownDependencyError{Asset: asset.Name, Dependency: dep}
			}
			if h == i {
				return nil, &CyclicDependencyError{Members: []string{asset.Name}}
			}

			g.upstream[i] = append(g.upstream[i], h)
			g.downstream[h] = append(g.downstream[h], i)
		}
	}

	if err := g.ensureNoCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// ensureNoCycles treats every strongly connected component with more than one member as a cycle.
func (g *Graph) ensureNoCycles() error {
	sg := graph.New(len(g.assets))
	for from, deps := range g.downstream {
		for _, to := range deps {
			sg.Add(from, to)
		}
	}

	var first []int
	for _, component := range graph.StrongComponents(sg) {
		if len(component) < 2 {
			continue
		}

		sort.Ints(component)
		if first == nil || component[0] < first[0] {
			first = component
		}
	}

	if first == nil {
		return nil
	}

	return &CyclicDependencyError{Members: lo.Map(first, func(h int, _ int) string { return g.assets[h].Name })}
}

func (g *Graph) Len() int {
	return len(g.assets)
}

func (g *Graph) Asset(h int) *pipeline.Asset {
	return g.assets[h]
}

func (g *Graph) Handle(name string) (int, bool) {
	h, ok := g.handles[name]
	return h, ok
}

// Upstream returns the handles of the direct dependencies of h.
func (g *Graph) Upstream(h int) []int {
	return g.upstream[h]
}

// Downstream returns the handles of the assets that directly depend on h.
func (g *Graph) Downstream(h int) []int {
	return g.downstream[h]
}

// Descendants returns every asset reachable from h, sorted by handle.
func (g *Graph) Descendants(h int) []int {
	seen := make(map[int]bool)
	stack := append([]int{}, g.downstream[h]...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] {
			continue
		}
		seen[next] = true
		stack = append(stack, g.downstream[next]...)
	}

	result := lo.Keys(seen)
	sort.Ints(result)
	return result
}

// ResolveOrder returns a topological order of the handles. Among the assets that are ready at the same
// time, the one declared first comes first.
func (g *Graph) ResolveOrder() []int {
	inDegree := make([]int, len(g.assets))
	for i := range g.assets {
		inDegree[i] = len(g.upstream[i])
	}

	ready := &intHeap{}
	for i, d := range inDegree {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, len(g.assets))
	for ready.Len() > 0 {
		h := heap.Pop(ready).(int) //nolint:forcetypeassert
		order = append(order, h)
		for _, d := range g.downstream[h] {
			inDegree[d]--
			if inDegree[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}

	return order
}

func (g *Graph) ResolveOrderNames() []string {
	return lo.Map(g.ResolveOrder(), func(h int, _ int) string { return g.assets[h].Name })
}

// ResolveOrder builds the graph and returns the asset names in execution order.
func ResolveOrder(assets []*pipeline.Asset) ([]string, error) {
	g, err := New(assets)
	if err != nil {
		return nil, err
	}

	return g.ResolveOrderNames(), nil
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *intHeap) Push(x any) {
	*h = append(*h, x.(int)) //nolint:forcetypeassert
}

func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
