package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	intconfig "github.com/leapstack-labs/leapflow/internal/config"
	"github.com/leapstack-labs/leapflow/internal/project"
)

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !slices.Contains(intconfig.OutputModes, c.OutputFormat) {
		return fmt.Errorf("invalid output %q: expected one of %s", c.OutputFormat, strings.Join(intconfig.OutputModes, ", "))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ValidateProject checks that the project directory holds a project.
func (c *Config) ValidateProject() error {
	if _, err := os.Stat(project.FilePath(c.ProjectDir)); os.IsNotExist(err) {
		return fmt.Errorf("no project found in %s\nHint: run inside a project directory or use --project-dir", c.ProjectDir)
	}
	return nil
}

// ParseLogLevel parses a log_level setting.
func ParseLogLevel(level string) (slog.Level, error) {
	if !slices.Contains(intconfig.LogLevels, strings.ToLower(level)) {
		return 0, fmt.Errorf("invalid log_level %q: expected one of %s", level, strings.Join(intconfig.LogLevels, ", "))
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	return l, nil
}
