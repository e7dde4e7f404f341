package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/leapstack-labs/leapflow/internal/cli/output"
	"github.com/leapstack-labs/leapflow/internal/project"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/spf13/cobra"
)

// NewItemsCommand creates the items command.
func NewItemsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "items",
		Aliases: []string{"list", "ls"},
		Short:   "List project items",
		Long: `List the project's items with their type, specification and the state
they finished in during the latest run.`,
		Example: `  # List items
  leapflow items

  # List items as JSON
  leapflow items -o json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runItems(cmd)
		},
	}
	return cmd
}

// ItemInfo is one row of the items output.
type ItemInfo struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Description   string `json:"description,omitempty"`
	Specification string `json:"specification,omitempty"`
	LastState     string `json:"last_state,omitempty"`
}

func runItems(cmd *cobra.Command) error {
	cc := NewCommandContextWithoutEngine(cmd)
	p, err := loadProject(cc.Cfg)
	if err != nil {
		return err
	}

	last := lastStates(cc, p)
	infos := make([]ItemInfo, 0, len(p.Items))
	for _, name := range p.ItemNames() {
		item := p.Items[name]
		spec, _ := item.Settings["specification"].(string)
		infos = append(infos, ItemInfo{
			Name:          name,
			Type:          item.Type,
			Description:   item.Description,
			Specification: spec,
			LastState:     string(last[name]),
		})
	}

	r := cc.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(infos)
	}
	rows := make([][]any, 0, len(infos))
	for _, i := range infos {
		rows = append(rows, []any{i.Name, i.Type, i.Specification, i.LastState, i.Description})
	}
	r.Header(1, fmt.Sprintf("Items (%d)", len(infos)))
	r.Table([]string{"Name", "Type", "Specification", "Last State", "Description"}, rows)
	return nil
}

// lastStates returns the states items finished in during the latest run, if any was recorded.
func lastStates(cc *CommandContext, p *project.Project) map[string]core.FinishState {
	out := map[string]core.FinishState{}
	if _, err := os.Stat(cc.Cfg.StatePath); err != nil {
		return out
	}
	store, err := openStateStore(cc.Cfg.StatePath, cc.Logger)
	if err != nil {
		cc.Logger.Debug("no run history", slog.Any("error", err))
		return out
	}
	defer func() { _ = store.Close() }()

	run, err := store.GetLatestRun(p.Dir)
	if err != nil || run == nil {
		return out
	}
	runs, err := store.GetItemRunsForRun(run.ID)
	if err != nil {
		return out
	}
	for _, ir := range runs {
		out[ir.ItemName] = ir.State
	}
	return out
}
