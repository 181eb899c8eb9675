// Package dag implements Aurora's dependency graph (spec §4.5, C5): cycle
// detection, layered topological order, and transitive-closure selection.
//
// Per spec §9 "Cyclic data", the graph is represented as an integer-indexed
// node table and edge table derived from declaration order, not as a graph
// of objects with backpointers — this keeps cycle detection and the DOT
// serialization trivial.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stevedores-org/aurora/internal/aerrors"
)

// Graph is the DAG over beam names.
type Graph struct {
	names []string       // node id -> beam name, in declaration order
	index map[string]int // beam name -> node id
	edges [][]int        // node id -> dependency node ids (dep -> beam edges stored as beam's deps list)
}

// Build constructs a Graph from beams in declaration order, where deps(name)
// gives each beam's depends_on list. Validation order matches spec §4.5:
// unknown dependency targets are rejected before cycle detection runs.
func Build(order []string, deps func(name string) []string) (*Graph, error) {
	g := &Graph{
		index: make(map[string]int, len(order)),
	}
	for i, name := range order {
		g.names = append(g.names, name)
		g.index[name] = i
	}
	g.edges = make([][]int, len(order))

	for _, name := range order {
		from := g.index[name]
		for _, dep := range deps(name) {
			to, ok := g.index[dep]
			if !ok {
				return nil, &aerrors.UnknownDependency{From: name, To: dep}
			}
			g.edges[from] = append(g.edges[from], to)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		names := make([]string, len(cycle))
		for i, id := range cycle {
			names[i] = g.names[id]
		}
		return nil, &aerrors.CyclicDependency{Cycle: names}
	}

	return g, nil
}

// findCycle returns the first cycle met by a depth-first search started in
// declaration order (as node ids, first id repeated at the end) or nil if
// the graph is acyclic. The returned cycle is not necessarily the shortest
// cycle in the graph.
func (g *Graph) findCycle() []int {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.names))
	var path []int
	var cycle []int

	var visit func(n int) bool
	visit = func(n int) bool {
		color[n] = gray
		path = append(path, n)
		for _, dep := range g.edges[n] {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				// Found the back-edge; extract the cycle from path.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append([]int{}, path[start:]...)
				cycle = append(cycle, dep)
				return true
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return false
	}

	// Declaration order makes cycle reporting deterministic.
	for n := range g.names {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}

// Ancestors returns every beam transitively depended on by name, per spec
// §4.5 (used to build the target set: {target} ∪ ancestors(target)).
func (g *Graph) Ancestors(name string) ([]string, error) {
	start, ok := g.index[name]
	if !ok {
		return nil, fmt.Errorf("unknown beam %q", name)
	}

	seen := make(map[int]bool)
	var walk func(n int)
	walk = func(n int) {
		for _, dep := range g.edges[n] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(start)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, g.names[n])
	}
	sort.Strings(out)
	return out, nil
}

// Layers returns the full layered topological order: layer 0 holds beams
// with no pending deps, layer k+1 holds beams whose deps are all within
// layers <= k. Within a layer, order follows declaration order.
func (g *Graph) Layers() [][]string {
	layerOf := make([]int, len(g.names))
	computed := make([]bool, len(g.names))

	var layerFor func(n int) int
	layerFor = func(n int) int {
		if computed[n] {
			return layerOf[n]
		}
		max := -1
		for _, dep := range g.edges[n] {
			if l := layerFor(dep); l > max {
				max = l
			}
		}
		layerOf[n] = max + 1
		computed[n] = true
		return layerOf[n]
	}

	maxLayer := 0
	for n := range g.names {
		if l := layerFor(n); l > maxLayer {
			maxLayer = l
		}
	}

	layers := make([][]string, maxLayer+1)
	for n, name := range g.names {
		l := layerOf[n]
		layers[l] = append(layers[l], name)
	}
	return layers
}

// Subgraph restricts Layers() to a target set, preserving relative
// declaration order within each layer and dropping empty layers.
func (g *Graph) Subgraph(target map[string]bool) [][]string {
	var out [][]string
	for _, layer := range g.Layers() {
		var filtered []string
		for _, name := range layer {
			if target[name] {
				filtered = append(filtered, name)
			}
		}
		if len(filtered) > 0 {
			out = append(out, filtered)
		}
	}
	return out
}

// DOT renders the graph in Graphviz dot format, for the `graph --format dot`
// CLI surface (spec §6).
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph aurora {\n")
	for from, name := range g.names {
		b.WriteString(fmt.Sprintf("  %q;\n", name))
		for _, to := range g.edges[from] {
			b.WriteString(fmt.Sprintf("  %q -> %q;\n", g.names[to], name))
		}
	}
	b.WriteString("}\n")
	return b.String()
}
