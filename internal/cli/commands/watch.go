package commands

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/leapstack-labs/leapflow/internal/engine"
	"github.com/leapstack-labs/leapflow/internal/project"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/spf13/cobra"
)

// debounceDelay is how long watch waits for changes to settle before running.
const debounceDelay = 100 * time.Millisecond

// NewWatchCommand creates the watch command.
func NewWatchCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the project whenever its files change",
		Long: `Run the project, then watch the project file, the specification files and
the files referenced by data connections, and run again when any of them
changes. The project is reloaded before every run.

Press Ctrl-C to stop.`,
		Example: `  # Re-run everything on change
  leapflow watch

  # Re-run one importer and what follows it
  leapflow watch --select "Import units" --downstream`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Select, "select", "s", nil, "Comma-separated list of items to run")
	cmd.Flags().BoolVar(&opts.Downstream, "downstream", false, "Include downstream items when using --select")

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, opts *RunOptions) error {
	cc := NewCommandContextWithoutEngine(cmd)
	if err := cc.Cfg.ValidateProject(); err != nil {
		return err
	}
	store, err := openStateStore(cc.Cfg.StatePath, cc.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	cc.Store = store

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	trigger := make(chan struct{}, 1)
	trigger <- struct{}{}
	var debounceTimer *time.Timer
	runOpts := engine.RunOptions{Items: trimAll(opts.Select), Downstream: opts.Downstream}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-trigger:
			paths := cc.watchOnce(ctx, runOpts)
			for _, p := range paths {
				if err := watcher.Add(p); err != nil {
					cc.Logger.Debug("failed to watch", slog.String("path", p), slog.Any("error", err))
				}
			}
			cc.Renderer.Muted("Watching for changes...")

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || ignored(cc.Cfg.ProjectDir, cc.Cfg.StatePath, event.Name) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			name := event.Name
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				cc.Logger.Debug("file changed, running", slog.String("file", name))
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cc.Logger.Error("watcher error", slog.Any("error", err))
		}
	}
}

// watchOnce reloads the project, runs it and returns the paths to watch. Errors are reported
// and watching continues.
func (cc *CommandContext) watchOnce(ctx context.Context, opts engine.RunOptions) []string {
	paths := []string{filepath.Dir(project.FilePath(cc.Cfg.ProjectDir))}
	p, err := project.Load(cc.Cfg.ProjectDir)
	if err != nil {
		cc.Renderer.Error(err.Error())
		return paths
	}
	paths = append(paths, watchedPaths(p)...)

	eng, err := cc.newEngine(p)
	if err != nil {
		cc.Renderer.Error(err.Error())
		return paths
	}
	defer cc.closeEngine(eng)
	cc.Engine = eng

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-runCtx.Done()
		if ctx.Err() != nil {
			eng.Stop()
		}
	}()

	for _, name := range eng.Graph().Nodes() {
		if item, ok := eng.Item(name); ok && item.ItemType() == core.ItemTypeDataConnection {
			for _, r := range core.FilterByType(item.OutputResourcesForward(), core.ResourceFile) {
				paths = append(paths, filepath.Dir(r.Path))
			}
		}
	}

	out, err := executeRun(runCtx, cc, opts)
	if err != nil {
		cc.Renderer.Error(err.Error())
		return paths
	}
	renderRun(cc.Renderer, out)
	return paths
}

// watchedPaths returns the specification directories of p.
func watchedPaths(p *project.Project) []string {
	var out []string
	root := filepath.Join(p.Dir, project.ConfigDir, project.SpecsDir)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	return out
}

// ignored reports events for files a run writes itself.
func ignored(projectDir, statePath, name string) bool {
	if strings.HasPrefix(name, statePath) {
		return true
	}
	items := filepath.Join(projectDir, project.ConfigDir, project.ItemsDir) + string(filepath.Separator)
	return strings.HasPrefix(name, items)
}
