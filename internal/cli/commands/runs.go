package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/leapstack-labs/leapexplore/internal/runlog"
	"github.com/spf13/cobra"
)

// RunsOptions holds options for the runs command.
type RunsOptions struct {
	Session string
	Limit   int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand() *cobra.Command {
	opts := &RunsOptions{}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded query runs",
		Long: `List queries run by past sessions, newest first.

Runs are recorded only when a run log is configured (run_log in the config
file, or --run-log).`,
		Example: `  leapexplore runs --limit 20
  leapexplore runs --session 3f0c... -o json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRuns(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Session, "session", "", "Only show runs of this session")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "Maximum runs to show")

	return cmd
}

func runRuns(cmd *cobra.Command, opts *RunsOptions) error {
	cfg, logger, err := commandConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.RunLog == "" {
		return errors.New("no run log configured (set run_log or pass --run-log)")
	}
	if _, err := os.Stat(cfg.RunLog); os.IsNotExist(err) {
		return fmt.Errorf("run log not found at %s", cfg.RunLog)
	}

	store, err := runlog.Open(cmd.Context(), cfg.RunLog, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.List(cmd.Context(), runlog.ListOptions{Session: opts.Session, Limit: opts.Limit})
	if err != nil {
		return err
	}
	return renderRuns(cmd.OutOrStdout(), runs, cfg.Output)
}
