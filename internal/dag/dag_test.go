package dag

import (
	"errors"
	"slices"
	"testing"
)

// newProjectGraph builds DC -> Import -> Store -> Export, Store2 -> Merge -> Store.
func newProjectGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	for _, id := range []string{"DC", "Import", "Store", "Export", "Store2", "Merge"} {
		g.AddNode(id)
	}
	for _, e := range [][2]string{{"DC", "Import"}, {"Import", "Store"}, {"Store", "Export"}, {"Store2", "Merge"}, {"Merge", "Store"}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("failed to add edge %v: %v", e, err)
		}
	}
	return g
}

func TestGraph_AddEdge(t *testing.T) {
	g := NewGraph()
	g.AddNode("a")
	g.AddNode("b")

	if err := g.AddEdge("a", "missing"); err == nil {
		t.Error("expected error for a missing node")
	}
	if err := g.AddEdge("a", "a"); err == nil {
		t.Error("expected error for a self-loop")
	}
	for range 2 {
		if err := g.AddEdge("a", "b"); err != nil {
			t.Fatalf("failed to add edge: %v", err)
		}
	}
	if g.EdgeCount() != 1 {
		t.Errorf("expected duplicate edges to collapse, got %d edges", g.EdgeCount())
	}
	if got := g.Predecessors("b"); !slices.Equal(got, []string{"a"}) {
		t.Errorf("unexpected predecessors %v", got)
	}
}

func TestGraph_TopologicalSort(t *testing.T) {
	order, err := newProjectGraph(t).TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, e := range [][2]string{{"DC", "Import"}, {"Import", "Store"}, {"Merge", "Store"}, {"Store", "Export"}} {
		if pos[e[0]] > pos[e[1]] {
			t.Errorf("%s must come before %s in %v", e[0], e[1], order)
		}
	}
}

func TestGraph_Cycle(t *testing.T) {
	g := newProjectGraph(t)
	if err := g.AddEdge("Export", "DC"); err != nil {
		t.Fatalf("failed to add edge: %v", err)
	}

	_, err := g.TopologicalSort()
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected a CycleError, got %v", err)
	}
	if cycleErr.Path[0] != cycleErr.Path[len(cycleErr.Path)-1] {
		t.Errorf("cycle path should be closed: %v", cycleErr.Path)
	}
}

func TestGraph_DownstreamAndUpstream(t *testing.T) {
	g := newProjectGraph(t)

	if got := g.Downstream("Import"); !slices.Equal(got, []string{"Export", "Store"}) {
		t.Errorf("unexpected downstream %v", got)
	}
	if got := g.Downstream("Import", "Store"); !slices.Equal(got, []string{"Export"}) {
		t.Errorf("unexpected downstream %v", got)
	}
	if got := g.Upstream("Store"); !slices.Equal(got, []string{"DC", "Import", "Merge", "Store2"}) {
		t.Errorf("unexpected upstream %v", got)
	}
	if got := g.Roots(); !slices.Equal(got, []string{"DC", "Store2"}) {
		t.Errorf("unexpected roots %v", got)
	}
}

func TestGraph_Subgraph(t *testing.T) {
	sub := newProjectGraph(t).Subgraph([]string{"Import", "Store", "Export", "unknown"})

	if got := sub.Nodes(); !slices.Equal(got, []string{"Export", "Import", "Store"}) {
		t.Errorf("unexpected nodes %v", got)
	}
	if sub.EdgeCount() != 2 {
		t.Errorf("expected 2 edges, got %d", sub.EdgeCount())
	}
	if sub.HasNode("DC") {
		t.Error("subgraph must not contain DC")
	}
}

func TestGraph_Levels(t *testing.T) {
	g := newProjectGraph(t)

	levels, err := g.Levels()
	if err != nil {
		t.Fatalf("Levels() error = %v", err)
	}
	want := [][]string{{"DC", "Store2"}, {"Import", "Merge"}, {"Store"}, {"Export"}}
	if len(levels) != len(want) {
		t.Fatalf("Levels() = %v, want %v", levels, want)
	}
	for i := range want {
		if !slices.Equal(levels[i], want[i]) {
			t.Errorf("level %d = %v, want %v", i, levels[i], want[i])
		}
	}
}
