package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/leapstack-labs/leapexplore/internal/location"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// QueryOptions holds options for the query command.
type QueryOptions struct {
	Input string
	Limit int
}

// NewQueryCommand creates the query command.
func NewQueryCommand() *cobra.Command {
	opts := &QueryOptions{}

	cmd := &cobra.Command{
		Use:   "query [SQL]",
		Short: "Run a single query",
		Long: `Run one query against the model and print its result.

Tables the query reads are fetched from the table store on first use. The
query is read from the arguments, from --input, or from standard input when
it is not a terminal. Without any of these the interactive explorer starts.`,
		Example: `  # Run SQL directly
  leapexplore query "SELECT category, count(*) FROM orders GROUP BY 1"

  # Read SQL from a file and print CSV
  leapexplore query -i report.sql -o csv

  # Pipe SQL in
  echo "SELECT * FROM orders" | leapexplore query --limit 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "Read SQL from file")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum rows to return (overrides the query and config limits)")

	return cmd
}

func runQuery(cmd *cobra.Command, args []string, opts *QueryOptions) error {
	var text string

	switch {
	case len(args) > 0:
		text = strings.Join(args, " ")
	case opts.Input != "":
		content, err := os.ReadFile(opts.Input)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		text = string(content)
	case !isTerminal(cmd.InOrStdin()):
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		text = string(content)
	default:
		return runExplore(cmd, &ExploreOptions{})
	}

	rt, cleanup, err := NewRuntime(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	if cmd.Flags().Changed("limit") {
		rt.RowLimit = &opts.Limit
	}

	ctx := cmd.Context()
	m, err := rt.LoadModel(ctx)
	if err != nil {
		return err
	}
	loc, err := location.NewMemory("")
	if err != nil {
		return err
	}
	ctrl, err := rt.NewSession(uuid.NewString(), "", m, loc)
	if err != nil {
		return err
	}
	defer func() { _ = ctrl.Close() }()
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	st, err := ctrl.SubmitQuery(ctx, strings.TrimSuffix(strings.TrimSpace(text), ";"))
	if err != nil {
		return err
	}
	return renderResult(cmd.OutOrStdout(), st.Result, rt.Cfg.Output)
}

// isTerminal reports whether r is an interactive terminal.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
