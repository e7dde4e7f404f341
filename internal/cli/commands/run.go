package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/leapstack-labs/leapflow/internal/cli/output"
	"github.com/leapstack-labs/leapflow/internal/engine"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/spf13/cobra"
)

// RunOptions holds options for the run command.
type RunOptions struct {
	Select     []string
	Downstream bool
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the project items",
		Long: `Execute the project's items in dependency order.

By default every item runs. Use --select to run specific items; items
upstream of the selection still provide their resources but do not execute.
Use --downstream to also run everything that depends on the selected items.

Items downstream of a failed item are excluded. Interrupting the command
stops all running items. The command exits non-zero when any item failed.`,
		Example: `  # Run the whole project
  leapflow run

  # Run one importer and everything after it
  leapflow run --select "Import units" --downstream

  # Machine-readable summary
  leapflow run -o json`,
		Aliases: []string{"execute"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Select, "select", "s", nil, "Comma-separated list of items to run")
	cmd.Flags().BoolVar(&opts.Downstream, "downstream", false, "Include downstream items when using --select")

	return cmd
}

// RunItemOutput is one item in the run summary.
type RunItemOutput struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	State    string  `json:"state"`
	Duration float64 `json:"duration_seconds,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// RunOutput is the run summary.
type RunOutput struct {
	RunID    string          `json:"run_id"`
	Status   string          `json:"status"`
	Duration float64         `json:"duration_seconds"`
	Items    []RunItemOutput `json:"items"`
}

func runRun(cmd *cobra.Command, opts *RunOptions) error {
	cc, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cc.Engine.Stop()
		case <-done:
		}
	}()

	out, err := executeRun(ctx, cc, engine.RunOptions{Items: trimAll(opts.Select), Downstream: opts.Downstream})
	if err != nil {
		return err
	}
	renderRun(cc.Renderer, out)
	if out.Status != string(core.RunStatusCompleted) {
		return fmt.Errorf("run %s", out.Status)
	}
	return nil
}

// executeRun runs the engine and collects the summary.
func executeRun(ctx context.Context, cc *CommandContext, opts engine.RunOptions) (*RunOutput, error) {
	start := time.Now()
	result, err := cc.Engine.Run(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("run failed: %w", err)
	}

	out := &RunOutput{RunID: result.RunID, Status: string(core.RunStatusCompleted), Duration: time.Since(start).Seconds()}
	if run, err := cc.Store.GetRun(result.RunID); err == nil {
		out.Status = string(run.Status)
	}
	itemRuns := map[string]*core.ItemRun{}
	if runs, err := cc.Store.GetItemRunsForRun(result.RunID); err == nil {
		for _, ir := range runs {
			itemRuns[ir.ItemName] = ir
		}
	}
	for _, name := range result.Order {
		item := RunItemOutput{Name: name, State: string(result.States[name])}
		if it, ok := cc.Engine.Item(name); ok {
			item.Type = it.ItemType()
		}
		if ir, ok := itemRuns[name]; ok {
			item.Error = ir.Error
			if ir.CompletedAt != nil {
				item.Duration = ir.CompletedAt.Sub(ir.StartedAt).Seconds()
			}
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func renderRun(r *output.Renderer, out *RunOutput) {
	switch r.EffectiveMode() {
	case output.ModeJSON:
		_ = r.JSON(out)
	case output.ModeMarkdown:
		r.Println(output.FormatHeader(1, "Run "+out.RunID))
		r.Println("")
		rows := make([][]any, 0, len(out.Items))
		for _, it := range out.Items {
			rows = append(rows, []any{it.Name, it.Type, it.State, formatSeconds(it.Duration)})
		}
		r.Table([]string{"Item", "Type", "State", "Duration"}, rows)
		r.Println("")
		r.Println(output.FormatKeyValue("Status", out.Status))
		r.Println(output.FormatKeyValue("Duration", formatSeconds(out.Duration)))
	default:
		r.Println("")
		for _, it := range out.Items {
			r.StatusLine(it.Name, statusOf(core.FinishState(it.State)), formatSeconds(it.Duration))
		}
		r.Println("")
		msg := fmt.Sprintf("Run %s %s in %s", out.RunID, out.Status, formatSeconds(out.Duration))
		if out.Status == string(core.RunStatusCompleted) {
			r.Success(msg)
		} else {
			r.Error(msg)
		}
	}
}

func statusOf(s core.FinishState) output.Status {
	switch s {
	case core.FinishSuccess:
		return output.StatusSuccess
	case core.FinishFailure:
		return output.StatusError
	default:
		return output.StatusSkipped
	}
}

func formatSeconds(s float64) string {
	if s == 0 {
		return ""
	}
	return (time.Duration(s * float64(time.Second))).Round(time.Millisecond).String()
}

func trimAll(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}
