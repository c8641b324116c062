package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/leapstack-labs/leapexplore/internal/cli/config"
	"github.com/leapstack-labs/leapexplore/internal/server"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve exploration sessions over HTTP",
		Long: `Start an HTTP server exposing exploration sessions.

Every browser gets its own session per source, identified by a cookie. The
URL of /explore/{source} is the session location: opening a shared URL
restores its query, and every response carries the location to show next.

Endpoints:
- GET  /explore/{source}            hydrate from the URL and return the state
- POST /explore/{source}/query      submit and run a query
- POST /explore/{source}/edit       replace the query without running it
- POST /explore/{source}/undo|redo  walk the history
- GET  /explore/{source}/updates    state changes as server-sent events
- GET  /explore/{source}/top-values field value summaries
- GET  /api/model                   the served model
- GET  /metrics                     Prometheus metrics`,
		Example: `  # Serve on the default port
  leapexplore serve

  # Serve on a custom port without reloading on model changes
  leapexplore serve --port 3000 --watch=false`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}

	cmd.Flags().Int("port", config.DefaultPort, "Port to serve on")
	cmd.Flags().Bool("watch", true, "Reload the model when its file changes")

	return cmd
}

// runServe serves until interrupted. The port and watch flags reach the
// server through the loaded config.
func runServe(cmd *cobra.Command) error {
	rt, cleanup, err := NewRuntime(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	cfg := rt.Cfg

	if _, err := os.Stat(cfg.Model); os.IsNotExist(err) {
		return fmt.Errorf("model file does not exist: %s", cfg.Model)
	}

	port := cfg.Server.Port
	secret := cfg.Server.SessionSecret
	if secret == "" {
		secret = uuid.NewString()
		rt.Logger.Warn("no session secret configured, sessions will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, server.Config{
		Port:               port,
		SessionSecret:      secret,
		Watch:              cfg.Server.Watch,
		SessionIdleTimeout: cfg.Server.SessionIdleTimeout,
		MaxSessions:        cfg.Server.MaxSessions,
		Models:             rt.Models,
		NewSession:         rt.NewSession,
		Logger:             rt.Logger,
	})
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://localhost:%d\n", cfg.Model, port)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")

	return srv.Serve(ctx)
}
