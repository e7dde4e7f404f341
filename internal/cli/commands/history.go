package commands

import (
	"fmt"
	"time"

	"github.com/leapstack-labs/leapflow/internal/cli/output"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/spf13/cobra"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs",
		Long: `List the latest runs of the project, or the items of one run.

Run history is kept in the state database (state_path).`,
		Example: `  # Latest ten runs
  leapflow history

  # Items of one run
  leapflow history 1f0c2d7e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runHistoryRun(cmd, args[0])
			}
			return runHistory(cmd, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to show")
	return cmd
}

// RunInfo is one run in the history output.
type RunInfo struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func runHistory(cmd *cobra.Command, limit int) error {
	cc := NewCommandContextWithoutEngine(cmd)
	p, err := loadProject(cc.Cfg)
	if err != nil {
		return err
	}
	store, err := openStateStore(cc.Cfg.StatePath, cc.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(p.Dir, limit)
	if err != nil {
		return err
	}
	infos := make([]RunInfo, 0, len(runs))
	for _, run := range runs {
		infos = append(infos, RunInfo{ID: run.ID, Status: string(run.Status), StartedAt: run.StartedAt, CompletedAt: run.CompletedAt, Error: run.Error})
	}

	r := cc.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(infos)
	}
	if len(infos) == 0 {
		r.Muted("No runs recorded")
		return nil
	}
	rows := make([][]any, 0, len(infos))
	for _, i := range infos {
		rows = append(rows, []any{i.ID, i.Status, i.StartedAt.Local().Format(time.DateTime), elapsed(i.StartedAt, i.CompletedAt), i.Error})
	}
	r.Header(1, "Runs")
	r.Table([]string{"Run", "Status", "Started", "Duration", "Error"}, rows)
	return nil
}

func runHistoryRun(cmd *cobra.Command, id string) error {
	cc := NewCommandContextWithoutEngine(cmd)
	store, err := openStateStore(cc.Cfg.StatePath, cc.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	run, err := store.GetRun(id)
	if err != nil {
		return err
	}
	items, err := store.GetItemRunsForRun(id)
	if err != nil {
		return err
	}

	r := cc.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(struct {
			Run   *core.Run       `json:"run"`
			Items []*core.ItemRun `json:"items"`
		}{run, items})
	}
	r.Header(1, "Run "+run.ID)
	r.Println(output.FormatKeyValue("Status", string(run.Status)))
	r.Println(output.FormatKeyValue("Started", run.StartedAt.Local().Format(time.DateTime)))
	if run.Error != "" {
		r.Println(output.FormatKeyValue("Error", run.Error))
	}
	r.Println("")
	rows := make([][]any, 0, len(items))
	for _, ir := range items {
		rows = append(rows, []any{ir.ItemName, ir.ItemType, string(ir.State), elapsed(ir.StartedAt, ir.CompletedAt), ir.Error})
	}
	r.Table([]string{"Item", "Type", "State", "Duration", "Error"}, rows)
	return nil
}

func elapsed(start time.Time, end *time.Time) string {
	if end == nil {
		return ""
	}
	return fmt.Sprint(end.Sub(start).Round(time.Millisecond))
}
