// Package config holds the configuration defaults shared by the CLI and the packages it drives.
package config

// Config file names, searched in this order.
const (
	ConfigFileName    = "leapflow.yaml"
	ConfigFileNameAlt = "leapflow.yml"
)

// Default configuration values.
const (
	// DefaultStateFile is relative to the project directory.
	DefaultStateFile = ".spinetoolbox/leapflow/state.db"
	DefaultLogLevel  = "warn"
	DefaultOutput    = "auto"
)

// OutputModes lists the accepted values of the output setting.
var OutputModes = []string{"auto", "text", "markdown", "json"}

// LogLevels lists the accepted values of the log_level setting.
var LogLevels = []string{"debug", "info", "warn", "error"}
