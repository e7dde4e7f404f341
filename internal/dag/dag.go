// Package dag holds the directed acyclic graph of project items: an edge from A to B means B
// consumes what A produces and runs after it.
package dag

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// CycleError is returned when the connections of a project form a cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cycle detected: " + strings.Join(e.Path, " -> ")
}

// Graph is a directed graph of named nodes.
type Graph struct {
	nodes   map[string]bool
	edges   map[string][]string // predecessor -> successors
	parents map[string][]string // successor -> predecessors
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[string]bool),
		edges:   make(map[string][]string),
		parents: make(map[string][]string),
	}
}

// AddNode adds a node. Adding a node twice is a no-op.
func (g *Graph) AddNode(id string) {
	g.nodes[id] = true
}

// HasNode reports whether id is in the graph.
func (g *Graph) HasNode(id string) bool {
	return g.nodes[id]
}

// AddEdge adds an edge from parent to child. Both nodes must exist.
func (g *Graph) AddEdge(parentID, childID string) error {
	if !g.nodes[parentID] {
		return fmt.Errorf("node %q does not exist", parentID)
	}
	if !g.nodes[childID] {
		return fmt.Errorf("node %q does not exist", childID)
	}
	if parentID == childID {
		return fmt.Errorf("self-loop detected: %s", parentID)
	}
	if !slices.Contains(g.edges[parentID], childID) {
		g.edges[parentID] = append(g.edges[parentID], childID)
		g.parents[childID] = append(g.parents[childID], parentID)
	}
	return nil
}

// Nodes returns all nodes, sorted.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Predecessors returns the direct predecessors of id, sorted.
func (g *Graph) Predecessors(id string) []string {
	return sorted(g.parents[id])
}

// Successors returns the direct successors of id, sorted.
func (g *Graph) Successors(id string) []string {
	return sorted(g.edges[id])
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, children := range g.edges {
		n += len(children)
	}
	return n
}

// FindCycle returns a cycle as a closed path, or nil when the graph is acyclic.
func (g *Graph) FindCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)
		for _, child := range g.Successors(id) {
			if onStack[child] {
				start := slices.Index(stack, child)
				cycle = append(slices.Clone(stack[start:]), child)
				return true
			}
			if !visited[child] && dfs(child) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		onStack[id] = false
		return false
	}

	for _, id := range g.Nodes() {
		if !visited[id] && dfs(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalSort returns the nodes with every predecessor before its successors. Ties are
// broken by name.
func (g *Graph) TopologicalSort() ([]string, error) {
	if cycle := g.FindCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}
	visited := make(map[string]bool)
	var out []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, p := range g.Predecessors(id) {
			visit(p)
		}
		out = append(out, id)
	}
	for _, id := range g.Nodes() {
		visit(id)
	}
	return out, nil
}

// Levels groups the nodes by depth: roots first, every node one level below its deepest
// predecessor. Nodes in one level do not depend on each other.
func (g *Graph) Levels() ([][]string, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	depth := make(map[string]int, len(order))
	var levels [][]string
	for _, id := range order {
		d := 0
		for _, p := range g.Predecessors(id) {
			d = max(d, depth[p]+1)
		}
		depth[id] = d
		if d == len(levels) {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
	}
	for _, level := range levels {
		slices.Sort(level)
	}
	return levels, nil
}

// Downstream returns every node reachable from ids, excluding ids themselves, sorted.
func (g *Graph) Downstream(ids ...string) []string {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, child := range g.edges[id] {
			if !seen[child] {
				seen[child] = true
				walk(child)
			}
		}
	}
	for _, id := range ids {
		walk(id)
	}
	for _, id := range ids {
		delete(seen, id)
	}
	return keys(seen)
}

// Upstream returns every node from which id is reachable, sorted.
func (g *Graph) Upstream(id string) []string {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, p := range g.parents[id] {
			if !seen[p] {
				seen[p] = true
				walk(p)
			}
		}
	}
	walk(id)
	return keys(seen)
}

// Roots returns the nodes without predecessors, sorted.
func (g *Graph) Roots() []string {
	var out []string
	for _, id := range g.Nodes() {
		if len(g.parents[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Subgraph returns the graph induced by ids. Unknown ids are ignored.
func (g *Graph) Subgraph(ids []string) *Graph {
	sub := NewGraph()
	for _, id := range ids {
		if g.nodes[id] {
			sub.AddNode(id)
		}
	}
	for _, id := range ids {
		for _, child := range g.edges[id] {
			if sub.nodes[child] && sub.nodes[id] {
				_ = sub.AddEdge(id, child)
			}
		}
	}
	return sub
}

func sorted(in []string) []string {
	out := slices.Clone(in)
	sort.Strings(out)
	return out
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
