package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sourcemap-collector/internal/server"
)

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Runs one retention pass against the stored settings",
		Long: `Deletes artifacts older than the retention window when the total stored
size is above the cleanup threshold, and prints the pass report as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(_ *env, app *server.App) error {
				settings, err := app.Store.GetSettings(cmd.Context())
				if err != nil {
					return fmt.Errorf("load settings: %w", err)
				}
				report, err := app.Cleaner.MaybeCleanup(cmd.Context(), settings)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			})
		},
	}
}
