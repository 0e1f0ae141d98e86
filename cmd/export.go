package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/export"
	"github.com/JakeFAU/sourcemap-collector/internal/server"
)

func newExportCmd() *cobra.Command {
	var (
		out        string
		latestOnly bool
		recipients []string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Writes every stored artifact to a zip bundle",
		Long: `Bundles source maps, original files, embedded sources and expanded CRX
packages into a zip archive. With --recipient the archive is encrypted with
age for the given X25519 public keys.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(e *env, app *server.App) (err error) {
				var w io.Writer = cmd.OutOrStdout()
				if out != "" && out != "-" {
					f, createErr := os.Create(out)
					if createErr != nil {
						return fmt.Errorf("create %s: %w", out, createErr)
					}
					defer func() {
						err = errors.Join(err, f.Close())
					}()
					w = f
				}
				summary, err := app.Exporter.Write(cmd.Context(), w, export.Options{
					LatestOnly: latestOnly,
					Recipients: recipients,
				})
				if err != nil {
					return err
				}
				e.logger.Info("export complete",
					zap.String("out", out),
					zap.Int("files", summary.Files),
					zap.Bool("encrypted", summary.Encrypted),
				)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().BoolVar(&latestOnly, "latest", false, "only export the latest version of each source")
	cmd.Flags().StringSliceVar(&recipients, "recipient", nil, "age X25519 public key to encrypt for (repeatable)")
	return cmd
}
