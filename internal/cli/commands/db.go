package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leapstack-labs/leapflow/internal/cli/output"
	"github.com/leapstack-labs/leapflow/internal/export"
	"github.com/leapstack-labs/leapflow/internal/project"
	"github.com/leapstack-labs/leapflow/internal/servermgr"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
	"github.com/spf13/cobra"
)

// NewDBCommand creates the db command group.
func NewDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect databases",
		Long: `Inspect the database of a data store item, or any database URL.

Databases are read through the server manager, so a database that a run
is writing into is read consistently.`,
	}
	cmd.AddCommand(newDBShowCommand())
	cmd.AddCommand(newDBCommitsCommand())
	return cmd
}

func newDBShowCommand() *cobra.Command {
	var kind string
	var class string

	cmd := &cobra.Command{
		Use:   "show <store|url>",
		Short: "Show the contents of a database",
		Example: `  # Record counts of a data store
  leapflow db show Store

  # All entities of one class
  leapflow db show Store --kind entities --class unit

  # A database outside the project
  leapflow db show sqlite:///tmp/results.sqlite`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], func(ctx context.Context, cc *CommandContext, s *servermgr.Session) error {
				data, err := s.ExportData(ctx)
				if err != nil {
					return err
				}
				if kind == "" {
					return renderCounts(cc.Renderer, s.URL(), data)
				}
				return renderRecords(cc.Renderer, data, core.Kind(kind), class)
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "List the records of one kind ("+kindNames()+")")
	cmd.Flags().StringVar(&class, "class", "", "Restrict --kind to one entity class")
	_ = cmd.RegisterFlagCompletionFunc("kind", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return strings.Split(kindNames(), "|"), cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func newDBCommitsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "commits <store|url>",
		Short: "Show the commit history of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], func(ctx context.Context, cc *CommandContext, s *servermgr.Session) error {
				commits, err := s.Commits(ctx)
				if err != nil {
					return err
				}
				r := cc.Renderer
				if r.EffectiveMode() == output.ModeJSON {
					return r.JSON(commits)
				}
				rows := make([][]any, 0, len(commits))
				for _, c := range commits {
					rows = append(rows, []any{c.ID, c.CreatedAt.Local().Format(time.DateTime), c.Message})
				}
				r.Header(1, "Commits of "+dburl.Redact(s.URL()))
				r.Table([]string{"ID", "Date", "Message"}, rows)
				return nil
			})
		},
	}
}

// withSession opens target through a server manager and hands the session to fn.
func withSession(cmd *cobra.Command, target string, fn func(context.Context, *CommandContext, *servermgr.Session) error) error {
	cc := NewCommandContextWithoutEngine(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	url, err := resolveDatabase(cc, target)
	if err != nil {
		return err
	}

	addr := cc.Cfg.ServerManager
	if addr == "" {
		m := servermgr.NewManager(servermgr.WithLogger(cc.Logger))
		if addr, err = m.Start(""); err != nil {
			return fmt.Errorf("failed to start server manager: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = m.Shutdown(sctx)
		}()
	}

	s, err := servermgr.NewClient(addr, cc.Logger).Open(ctx, url, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(ctx); err != nil {
			cc.Logger.Warn("failed to close database", slog.Any("error", err))
		}
	}()
	return fn(ctx, cc, s)
}

// resolveDatabase turns a data store name into its URL. Anything else must be a URL.
func resolveDatabase(cc *CommandContext, target string) (string, error) {
	if _, err := dburl.Parse(target); err == nil {
		return target, nil
	}
	p, err := loadProject(cc.Cfg)
	if err != nil {
		return "", fmt.Errorf("%q is not a database URL: %w", target, err)
	}
	item, ok := p.Items[target]
	if !ok {
		return "", fmt.Errorf("no item named %q", target)
	}
	if item.Type != core.ItemTypeDataStore {
		return "", fmt.Errorf("%s is a %s, not a %s", target, item.Type, core.ItemTypeDataStore)
	}
	built, err := p.Build(target, project.Env{Slog: cc.Logger})
	if err != nil {
		return "", err
	}
	dbs := core.FilterByType(built.OutputResourcesForward(), core.ResourceDatabase)
	if len(dbs) == 0 {
		return "", fmt.Errorf("%s has no database URL", target)
	}
	return dbs[0].URL, nil
}

func renderCounts(r *output.Renderer, url string, data *core.Data) error {
	counts := make(map[core.Kind]int, len(core.Kinds))
	for _, k := range core.Kinds {
		counts[k] = data.Count(k)
	}
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(counts)
	}
	rows := make([][]any, 0, len(core.Kinds))
	for _, k := range core.Kinds {
		rows = append(rows, []any{string(k), counts[k]})
	}
	r.Header(1, dburl.Redact(url))
	r.Table([]string{"Kind", "Records"}, rows)
	return nil
}

func renderRecords(r *output.Renderer, data *core.Data, kind core.Kind, class string) error {
	spec := &export.Specification{
		Name:         "show",
		OutputFormat: export.FormatJSON,
		Tables:       []export.Table{{Name: string(kind), Kind: kind, Class: class, Header: true}},
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid --kind: %w", err)
	}
	table := export.Tables(data, spec)[0]
	if r.EffectiveMode() == output.ModeJSON {
		records := make([]map[string]any, 0, len(table.Rows))
		for _, row := range table.Rows {
			rec := make(map[string]any, len(table.Header))
			for i, h := range table.Header {
				if i < len(row) {
					rec[h] = row[i]
				}
			}
			records = append(records, rec)
		}
		return r.JSON(records)
	}
	r.Header(1, fmt.Sprintf("%s (%d)", kind, len(table.Rows)))
	r.Table(table.Header, table.Rows)
	return nil
}

func kindNames() string {
	names := make([]string, 0, len(core.Kinds))
	for _, k := range core.Kinds {
		names = append(names, string(k))
	}
	return strings.Join(names, "|")
}
