package commands

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapflow/internal/cli/output"
	"github.com/leapstack-labs/leapflow/internal/dag"
	"github.com/leapstack-labs/leapflow/internal/project"
	"github.com/spf13/cobra"
)

// NewDAGCommand creates the dag command.
func NewDAGCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dag",
		Short: "Show the item graph",
		Long: `Display the graph of project items.

Items are grouped by level: items in one level do not depend on each
other and run concurrently. Connections into data stores show their
write index when one is set.

Output adapts to environment:
  - Terminal: Styled output with colors
  - Piped/Scripted: Markdown format (agent-friendly)`,
		Example: `  # Show the graph
  leapflow dag

  # Output as JSON
  leapflow dag --output json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDAG(cmd)
		},
	}

	return cmd
}

// DAGNode is one item in the dag output.
type DAGNode struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	DependsOn []string `json:"depends_on,omitempty"`
	UsedBy    []string `json:"used_by,omitempty"`
}

// DAGLevel is one level of the dag output.
type DAGLevel struct {
	Level int       `json:"level"`
	Items []DAGNode `json:"items"`
}

// DAGOutput is the dag output.
type DAGOutput struct {
	Levels     []DAGLevel `json:"levels"`
	TotalItems int        `json:"total_items"`
	TotalEdges int        `json:"total_edges"`
}

func runDAG(cmd *cobra.Command) error {
	cc := NewCommandContextWithoutEngine(cmd)
	p, err := loadProject(cc.Cfg)
	if err != nil {
		return err
	}
	graph, err := p.Graph()
	if err != nil {
		return err
	}
	levels, err := graph.Levels()
	if err != nil {
		return fmt.Errorf("failed to order items: %w", err)
	}

	r := cc.Renderer
	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(dagOutput(p, graph, levels))
	case output.ModeMarkdown:
		dagMarkdown(r, p, graph, levels)
	default:
		dagText(r, p, graph, levels)
	}
	return nil
}

func dagOutput(p *project.Project, graph *dag.Graph, levels [][]string) DAGOutput {
	out := DAGOutput{Levels: make([]DAGLevel, 0, len(levels)), TotalItems: len(graph.Nodes()), TotalEdges: graph.EdgeCount()}
	for i, level := range levels {
		dl := DAGLevel{Level: i, Items: make([]DAGNode, 0, len(level))}
		for _, name := range level {
			dl.Items = append(dl.Items, DAGNode{
				Name:      name,
				Type:      p.Items[name].Type,
				DependsOn: labelled(p, name, graph.Predecessors(name)),
				UsedBy:    graph.Successors(name),
			})
		}
		out.Levels = append(out.Levels, dl)
	}
	return out
}

// labelled annotates the predecessors of name with the write index of their connection.
func labelled(p *project.Project, name string, preds []string) []string {
	index := map[string]int{}
	for _, c := range p.ConnectionsInto(name) {
		if c.Options.WriteIndex != nil {
			index[c.Source()] = *c.Options.WriteIndex
		}
	}
	out := make([]string, 0, len(preds))
	for _, pred := range preds {
		if i, ok := index[pred]; ok {
			pred = fmt.Sprintf("%s (write index %d)", pred, i)
		}
		out = append(out, pred)
	}
	return out
}

func dagText(r *output.Renderer, p *project.Project, graph *dag.Graph, levels [][]string) {
	styles := r.Styles()
	r.Header(1, "Item Graph")

	for i, level := range levels {
		r.Println(styles.Header2.Render(fmt.Sprintf("Level %d:", i)))
		for _, name := range level {
			r.Printf("  %s %s\n", styles.Item.Render(name), styles.Muted.Render("("+p.Items[name].Type+")"))
			if deps := labelled(p, name, graph.Predecessors(name)); len(deps) > 0 {
				r.Printf("    %s %s\n", styles.Muted.Render("after:"), strings.Join(deps, ", "))
			}
			if children := graph.Successors(name); len(children) > 0 {
				r.Printf("    %s %s\n", styles.Muted.Render("feeds:"), strings.Join(children, ", "))
			}
		}
		r.Println("")
	}
	r.Muted(fmt.Sprintf("Total: %d items, %d connections", len(graph.Nodes()), graph.EdgeCount()))
}

func dagMarkdown(r *output.Renderer, p *project.Project, graph *dag.Graph, levels [][]string) {
	r.Println(output.FormatHeader(1, "Item Graph"))
	r.Println("")

	for i, level := range levels {
		name := fmt.Sprintf("Level %d", i)
		if i == 0 {
			name = "Level 0 (Sources)"
		}
		r.Println(output.FormatHeader(2, name))
		for _, item := range level {
			r.Printf("- %s (%s)\n", item, p.Items[item].Type)
			if deps := labelled(p, item, graph.Predecessors(item)); len(deps) > 0 {
				r.Printf("  - after: %s\n", strings.Join(deps, ", "))
			}
			if children := graph.Successors(item); len(children) > 0 {
				r.Printf("  - feeds: %s\n", strings.Join(children, ", "))
			}
		}
		r.Println("")
	}

	r.Println(output.FormatHeader(2, "Summary"))
	r.Println(output.FormatKeyValue("Total Items", fmt.Sprintf("%d", len(graph.Nodes()))))
	r.Println(output.FormatKeyValue("Total Connections", fmt.Sprintf("%d", graph.EdgeCount())))
}
