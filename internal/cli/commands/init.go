package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/leapstack-labs/leapflow/internal/cli/output"
	intconfig "github.com/leapstack-labs/leapflow/internal/config"
	"github.com/leapstack-labs/leapflow/internal/project"
	"github.com/spf13/cobra"
)

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	var force bool
	var example bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize a new project",
		Long: `Initialize a new project with an empty project file and a leapflow.yaml.

This creates:
  - .spinetoolbox/project.json with no items
  - leapflow.yaml configuration file
  - .gitignore excluding run history and item outputs

Use --example to create a small working project: a data connection with a
CSV file, an importer writing it into a SQLite data store, and an exporter
dumping the store to JSON.`,
		Example: `  # Initialize in current directory
  leapflow init

  # Initialize a working example in a new directory
  leapflow init my-project --example`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			r := NewCommandContextWithoutEngine(cmd).Renderer
			return runInit(r, dir, example, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	cmd.Flags().BoolVar(&example, "example", false, "Create a working example project")

	return cmd
}

func runInit(r *output.Renderer, dir string, example, force bool) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if _, err := os.Stat(project.FilePath(dir)); err == nil && !force {
		return fmt.Errorf("%s already exists. Use --force to overwrite", filepath.Join(project.ConfigDir, project.FileName))
	}

	template := "minimal"
	if example {
		template = "example"
	}
	files, err := copyTemplate(template, dir, force)
	if err != nil {
		return fmt.Errorf("failed to initialize project: %w", err)
	}
	for _, f := range files {
		r.StatusLine(f, output.StatusSuccess, "")
	}

	r.Println("")
	r.Success("Project initialized!")
	r.Println("")
	r.Println("Next steps:")
	if example {
		r.Println("  1. Run 'leapflow run' to import and export the unit list")
		r.Println("  2. Run 'leapflow db show Store' to inspect the database")
	} else {
		r.Printf("  1. Add items to %s\n", filepath.Join(project.ConfigDir, project.FileName))
		r.Printf("  2. Adjust %s\n", intconfig.ConfigFileName)
		r.Println("  3. Run 'leapflow run' to execute the project")
	}
	return nil
}
