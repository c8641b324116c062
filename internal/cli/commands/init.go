package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Create a starter exploration project",
		Long: `Create a starter project with a configuration file, a model and sample data.

This creates:
  - leapexplore.yaml configuration file
  - model.yaml with one source, its fields and a view
  - data/ directory holding the sample orders table as CSV`,
		Example: `  # Initialize in the current directory
  leapexplore init

  # Initialize in a new directory
  leapexplore init shop

  # Overwrite existing files
  leapexplore init --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(cmd, dir, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")

	return cmd
}

func runInit(cmd *cobra.Command, dir string, force bool) error {
	if dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(dir, "leapexplore.yaml")
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("leapexplore.yaml already exists. Use --force to overwrite")
	}

	files, err := copyTemplate("starter", dir, force)
	if err != nil {
		return fmt.Errorf("failed to initialize project: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, f := range files {
		_, _ = fmt.Fprintf(out, "  created %s\n", f)
	}
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Project initialized. Next steps:")
	_, _ = fmt.Fprintln(out, "  leapexplore model      Check the model")
	_, _ = fmt.Fprintln(out, "  leapexplore explore    Start exploring")
	_, _ = fmt.Fprintln(out, "  leapexplore serve      Serve sessions over HTTP")
	return nil
}
