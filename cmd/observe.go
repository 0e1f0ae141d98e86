package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/server"
)

func newObserveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "observe <page-url>...",
		Short: "Visits pages in headless Chrome and collects what they load",
		Long: `Loads each page with chromedp, feeds every finished script, stylesheet
and document response through detection and ingestion, and waits for the
captures to be stored before moving on.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			for _, pageURL := range args {
				err := withApp(ctx, func(e *env, app *server.App) error {
					count, err := app.Observe(ctx, pageURL)
					if err != nil {
						return err
					}
					e.logger.Info("page observed", zap.String("url", pageURL), zap.Int("events", count))
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d events\n", pageURL, count)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}
