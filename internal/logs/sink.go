package logs

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// SlogSink forwards item messages to a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

var _ core.Logger = (*SlogSink)(nil)

// NewSlogSink returns a sink writing to logger with the item name attached.
func NewSlogSink(logger *slog.Logger, item string) *SlogSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SlogSink{logger: logger.With(slog.String("item", item))}
}

// Msg logs an informational message.
func (s *SlogSink) Msg(msg string) { s.logger.Info(PlainText(msg)) }

// MsgWarning logs a warning.
func (s *SlogSink) MsgWarning(msg string) { s.logger.Warn(PlainText(msg)) }

// MsgError logs an error.
func (s *SlogSink) MsgError(msg string) { s.logger.Error(PlainText(msg)) }

// MsgSuccess logs a success message.
func (s *SlogSink) MsgSuccess(msg string) { s.logger.Info(PlainText(msg), slog.Bool("success", true)) }

var (
	itemStyle    = lipgloss.NewStyle().Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// ConsoleSink prints item messages for people, one line each.
type ConsoleSink struct {
	mu    *sync.Mutex
	w     io.Writer
	item  string
	color bool
}

var _ core.Logger = (*ConsoleSink)(nil)

// NewConsoleSinks returns a factory of console sinks sharing w. Lines from different items
// never interleave.
func NewConsoleSinks(w io.Writer, color bool) func(item string) core.Logger {
	mu := &sync.Mutex{}
	return func(item string) core.Logger {
		return &ConsoleSink{mu: mu, w: w, item: item, color: color}
	}
}

func (s *ConsoleSink) print(style *lipgloss.Style, msg string) {
	prefix := "[" + s.item + "]"
	msg = PlainText(msg)
	if s.color {
		prefix = itemStyle.Render(prefix)
		if style != nil {
			msg = style.Render(msg)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintln(s.w, prefix, msg)
}

// Msg prints an informational message.
func (s *ConsoleSink) Msg(msg string) { s.print(nil, msg) }

// MsgWarning prints a warning.
func (s *ConsoleSink) MsgWarning(msg string) { s.print(&warningStyle, msg) }

// MsgError prints an error.
func (s *ConsoleSink) MsgError(msg string) { s.print(&errorStyle, msg) }

// MsgSuccess prints a success message.
func (s *ConsoleSink) MsgSuccess(msg string) { s.print(&successStyle, msg) }
