package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/leapstack-labs/leapflow/internal/cli/config"
	"github.com/leapstack-labs/leapflow/internal/cli/output"
	intconfig "github.com/leapstack-labs/leapflow/internal/config"
	"github.com/leapstack-labs/leapflow/internal/engine"
	"github.com/leapstack-labs/leapflow/internal/logs"
	"github.com/leapstack-labs/leapflow/internal/project"
	"github.com/leapstack-labs/leapflow/internal/state"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds how long cleanup waits for the embedded server manager.
const shutdownTimeout = 10 * time.Second

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Project  *project.Project
	Store    *state.SQLiteStore
	Engine   *engine.Engine
	Renderer *output.Renderer
}

// NewCommandContext loads the project, opens the run history and builds the engine.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cc := NewCommandContextWithoutEngine(cmd)

	p, err := loadProject(cc.Cfg)
	if err != nil {
		return nil, nil, err
	}
	cc.Project = p

	store, err := openStateStore(cc.Cfg.StatePath, cc.Logger)
	if err != nil {
		return nil, nil, err
	}
	cc.Store = store

	eng, err := cc.newEngine(p)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	cc.Engine = eng

	cleanup := func() {
		cc.closeEngine(eng)
		_ = store.Close()
	}
	return cc, cleanup, nil
}

// NewCommandContextWithoutEngine creates a CommandContext without project or engine.
func NewCommandContextWithoutEngine(cmd *cobra.Command) *CommandContext {
	cfg := getConfig()
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(cmd.Context()),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat)),
	}
}

// newEngine builds an engine for p from the configuration. Close it when done.
func (cc *CommandContext) newEngine(p *project.Project) (*engine.Engine, error) {
	color := cc.Renderer.EffectiveMode() == output.ModeText && cc.Renderer.IsTTY()
	return engine.New(engine.Config{
		Project:          p,
		ManagerAddr:      cc.Cfg.ServerManager,
		GAMSDir:          cc.Cfg.GAMSPath,
		StrictWriteOrder: cc.Cfg.StrictWriteOrder,
		Store:            cc.Store,
		Loggers:          logs.NewConsoleSinks(cc.messageWriter(), color),
		Logger:           cc.Logger,
	})
}

// closeEngine stops the embedded server manager of eng.
func (cc *CommandContext) closeEngine(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		cc.Logger.Warn("failed to stop server manager", slog.Any("error", err))
	}
}

// messageWriter is where item messages go. JSON output keeps stdout for the document.
func (cc *CommandContext) messageWriter() io.Writer {
	if cc.Renderer.EffectiveMode() == output.ModeJSON {
		return cc.Renderer.ErrWriter()
	}
	return cc.Renderer.Writer()
}

// getConfig returns the current configuration.
// It uses config.GetCurrentConfig() if available, otherwise falls back to environment variables.
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}
	dir, _ := os.Getwd()
	return &config.Config{
		ProjectDir:   getEnvOrDefault(config.EnvPrefix+"PROJECT_DIR", dir),
		StatePath:    getEnvOrDefault(config.EnvPrefix+"STATE_PATH", ":memory:"),
		LogLevel:     getEnvOrDefault(config.EnvPrefix+"LOG_LEVEL", intconfig.DefaultLogLevel),
		OutputFormat: getEnvOrDefault(config.EnvPrefix+"OUTPUT", intconfig.DefaultOutput),
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func loadProject(cfg *config.Config) (*project.Project, error) {
	if err := cfg.ValidateProject(); err != nil {
		return nil, err
	}
	p, err := project.Load(cfg.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return p, nil
}

func openStateStore(path string, logger *slog.Logger) (*state.SQLiteStore, error) {
	store := state.NewSQLiteStore(logger)
	if err := store.Open(path); err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
