// Package items holds the plumbing shared by the executable project items.
package items

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/leapstack-labs/leapflow/internal/logs"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Data directory layout below an item's data directory.
const (
	LogsDir   = "logs"
	OutputDir = "output"
)

// Base implements the parts of core.ExecutableItem every item shares.
// Embed it by value and construct it with NewBase.
type Base struct {
	name    string
	dataDir string
	logger  core.Logger
	slog    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Settings are what every item is constructed with.
type Settings struct {
	Name    string
	DataDir string
	// Logger receives user-visible messages. Nil routes them to Slog.
	Logger core.Logger
	Slog   *slog.Logger
}

// NewBase creates the shared state of an item.
func NewBase(s Settings) Base {
	slogger := s.Slog
	if slogger == nil {
		slogger = slog.New(slog.DiscardHandler)
	}
	logger := s.Logger
	if logger == nil {
		logger = logs.NewSlogSink(slogger, s.Name)
	}
	return Base{
		name:    s.Name,
		dataDir: s.DataDir,
		logger:  logger,
		slog:    slogger.With(slog.String("item", s.Name)),
	}
}

// Name returns the item name.
func (b *Base) Name() string { return b.name }

// DataDir returns the item's data directory.
func (b *Base) DataDir() string { return b.dataDir }

// Logger returns the user-visible message sink.
func (b *Base) Logger() core.Logger { return b.logger }

// Slog returns the diagnostic logger.
func (b *Base) Slog() *slog.Logger { return b.slog }

// Begin derives the context of one execution. StopExecution cancels it until the returned
// function is called.
func (b *Base) Begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	return ctx, func() {
		b.mu.Lock()
		b.cancel = nil
		b.mu.Unlock()
		cancel()
	}
}

// StopExecution cancels the running execution, if any.
func (b *Base) StopExecution() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

// ReportErrors writes errs to a time-stamped error log of kind in the item's logs directory
// and announces it. A failure to write the log is reported as a warning only.
func (b *Base) ReportErrors(kind string, errs []string) {
	if len(errs) == 0 {
		return
	}
	path, err := logs.WriteErrorLog(filepath.Join(b.dataDir, LogsDir), kind, errs)
	if err != nil {
		b.logger.MsgWarning("Could not write " + kind + " error log: " + err.Error())
		return
	}
	b.logger.MsgError(fmt.Sprintf("%d %s error(s) logged to %s", len(errs), kind, logs.Anchor(path)))
}
