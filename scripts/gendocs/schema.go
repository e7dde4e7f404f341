package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/leapstack-labs/leapflow/internal/config"
)

// ConfigField represents a configuration key of leapflow.yaml.
type ConfigField struct {
	Name        string
	Type        string
	Default     string
	Flag        string
	Description string
}

// configSchema mirrors internal/cli/config.Config.
func configSchema() []ConfigField {
	return []ConfigField{
		{Name: "project_dir", Type: "string", Default: "directory holding leapflow.yaml", Flag: "--project-dir", Description: "Project directory"},
		{Name: "state_path", Type: "string", Default: config.DefaultStateFile, Flag: "--state", Description: "Run history database, relative to the project directory"},
		{Name: "gams_path", Type: "string", Flag: "--gams-path", Description: "Directory holding the GAMS executable used by GDX readers"},
		{Name: "server_manager", Type: "string", Flag: "--server-manager", Description: "Address of an external database server manager"},
		{Name: "strict_write_order", Type: "bool", Default: "false", Flag: "--strict-write-order", Description: "Fail runs in which several writers into one database lack a write index"},
		{Name: "log_level", Type: "string", Default: config.DefaultLogLevel, Flag: "--log-level", Description: "Log level: " + strings.Join(config.LogLevels, ", ")},
		{Name: "verbose", Type: "bool", Default: "false", Flag: "--verbose", Description: "Enable debug logging"},
		{Name: "output", Type: "string", Default: config.DefaultOutput, Flag: "--output", Description: "Output format: " + strings.Join(config.OutputModes, ", ")},
	}
}

// generateSchemaDocs writes the configuration reference.
func generateSchemaDocs(outDir string) error {
	log.Printf("Generating configuration docs to %s", outDir)
	if err := os.MkdirAll(outDir, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := generateConfigurationDoc(outDir); err != nil {
		return fmt.Errorf("failed to generate configuration.md: %w", err)
	}
	log.Printf("  Generated configuration.md")
	return nil
}

func generateConfigurationDoc(outDir string) error {
	w := NewMarkdownWriter()

	w.Frontmatter("Configuration", "leapflow configuration reference")
	w.GeneratedMarker()

	w.Header(1, "Configuration")
	w.Paragraph(fmt.Sprintf("leapflow reads %s (or %s) from the project root. The project root is the nearest directory holding a config file or a %s file.",
		InlineCode(config.ConfigFileName), InlineCode(config.ConfigFileNameAlt), InlineCode(".spinetoolbox/project.json")))

	w.Header(2, "Settings")
	var rows [][]string
	for _, f := range configSchema() {
		def := "-"
		if f.Default != "" {
			def = InlineCode(f.Default)
		}
		rows = append(rows, []string{InlineCode(f.Name), f.Type, def, InlineCode(f.Flag), f.Description})
	}
	w.Table([]string{"Key", "Type", "Default", "Flag", "Description"}, rows)

	w.Header(2, "Precedence")
	w.BulletList([]string{
		"Command-line flags",
		"Environment variables prefixed with " + InlineCode("LEAPFLOW_"),
		"The config file",
		"Built-in defaults",
	})
	w.Paragraph(fmt.Sprintf("A %s flag is resolved against the working directory. A state path from the config file or the environment is resolved against the project root, except for %s.",
		InlineCode("--state"), InlineCode(":memory:")))

	w.Header(2, "Example")
	w.CodeBlock("yaml", `# leapflow.yaml
state_path: .spinetoolbox/leapflow/state.db
gams_path: ${GAMS_HOME}
strict_write_order: true
log_level: info
output: markdown`)

	w.Header(2, "Environment Variables")
	w.Paragraph("Use `${VAR_NAME}` in " + InlineCode("gams_path") + " to reference environment variables.")

	return os.WriteFile(filepath.Join(outDir, "configuration.md"), w.Bytes(), 0600)
}
