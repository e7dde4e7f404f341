// Package config provides configuration management for the leapflow CLI.
package config

import sharedcfg "github.com/leapstack-labs/leapflow/internal/config"

// Config holds all CLI configuration options.
type Config struct {
	ProjectDir string `koanf:"project_dir"`
	StatePath  string `koanf:"state_path"`
	// GAMSPath is the GAMS installation directory holding gdxdump.
	GAMSPath string `koanf:"gams_path"`
	// ServerManager is the address of a running server manager. Empty embeds one per command.
	ServerManager    string `koanf:"server_manager"`
	StrictWriteOrder bool   `koanf:"strict_write_order"`
	LogLevel         string `koanf:"log_level"`
	Verbose          bool   `koanf:"verbose"`
	OutputFormat     string `koanf:"output"`
}

// Default configuration values - uses shared defaults from internal/config
const (
	DefaultStateFile = sharedcfg.DefaultStateFile
	DefaultLogLevel  = sharedcfg.DefaultLogLevel
	DefaultOutput    = sharedcfg.DefaultOutput // Auto-detect: TTY=text, non-TTY=markdown
)
