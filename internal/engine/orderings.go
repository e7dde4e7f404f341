package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/leapstack-labs/leapflow/internal/project"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// writerTypes are the item types that write into the databases downstream of them.
var writerTypes = map[string]bool{
	core.ItemTypeImporter: true,
	core.ItemTypeMerger:   true,
	core.ItemTypeExporter: true,
}

// UnorderedWritersError is returned in strict mode when several items write into one target
// and some of their connections carry no write_index.
type UnorderedWritersError struct {
	Target  string
	Writers []string
}

func (e *UnorderedWritersError) Error() string {
	return fmt.Sprintf("connections from %s into %s have no write_index", strings.Join(e.Writers, ", "), e.Target)
}

// orderings maps target item and writer item to the writer's ordering.
type orderings map[string]map[string]*core.Ordering

func (o orderings) of(target, writer string) *core.Ordering {
	return o[target][writer]
}

type writer struct {
	name  string
	index *int
}

// planOrderings derives the write order of every target that items in the run write into.
// Writers are ordered by write_index; equal indices may write in either order. Writers without
// an index come after the indexed ones, by name, unless strict rejects them.
func planOrderings(runID string, p *project.Project, inRun map[string]bool, strict bool) (orderings, error) {
	byTarget := map[string][]writer{}
	for _, c := range p.Connections {
		src := c.Source()
		if !inRun[src] || !writerTypes[p.Items[src].Type] {
			continue
		}
		byTarget[c.Destination()] = append(byTarget[c.Destination()], writer{name: src, index: c.Options.WriteIndex})
	}

	out := orderings{}
	targets := make([]string, 0, len(byTarget))
	for t := range byTarget {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	for _, target := range targets {
		ranked, err := rank(target, byTarget[target], strict)
		if err != nil {
			return nil, err
		}
		out[target] = map[string]*core.Ordering{}
		for _, w := range ranked {
			o := &core.Ordering{ID: orderingID(runID, target, w.name), Current: w.rank}
			for _, other := range ranked {
				if other.rank < w.rank {
					o.Precursors = append(o.Precursors, orderingID(runID, target, other.name))
				}
			}
			out[target][w.name] = o
		}
	}
	return out, nil
}

type rankedWriter struct {
	name string
	rank int
}

func rank(target string, writers []writer, strict bool) ([]rankedWriter, error) {
	var indexed, unindexed []writer
	for _, w := range writers {
		if w.index != nil {
			indexed = append(indexed, w)
		} else {
			unindexed = append(unindexed, w)
		}
	}
	if strict && len(writers) > 1 && len(unindexed) > 0 {
		names := make([]string, 0, len(unindexed))
		for _, w := range unindexed {
			names = append(names, w.name)
		}
		sort.Strings(names)
		return nil, &UnorderedWritersError{Target: target, Writers: names}
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		if *indexed[i].index != *indexed[j].index {
			return *indexed[i].index < *indexed[j].index
		}
		return indexed[i].name < indexed[j].name
	})
	sort.Slice(unindexed, func(i, j int) bool { return unindexed[i].name < unindexed[j].name })

	out := make([]rankedWriter, 0, len(writers))
	next := 1
	for _, w := range indexed {
		out = append(out, rankedWriter{name: w.name, rank: *w.index})
		if *w.index >= next {
			next = *w.index + 1
		}
	}
	for _, w := range unindexed {
		out = append(out, rankedWriter{name: w.name, rank: next})
		next++
	}
	return out, nil
}

func orderingID(runID, target, writer string) string {
	return runID + "/" + target + "/" + writer
}
