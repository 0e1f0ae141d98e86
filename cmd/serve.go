package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sourcemap-collector/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the event worker pool",
		Long: `Serves the REST API, accepts observed network events on POST /v1/events
and runs them through detection and ingestion until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(_ *env, app *server.App) error {
				return app.Run(ctx)
			})
		},
	}
}
