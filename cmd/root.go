// Package cmd defines and implements the CLI commands for the mapcollector executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/config"
	"github.com/JakeFAU/sourcemap-collector/internal/logging"
	"github.com/JakeFAU/sourcemap-collector/internal/server"
)

var cfgFile string

// envKeyType is the key for storing the command environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand receives after the root pre-run hook.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// buildApp is the application factory. It's a variable so tests can swap it.
var buildApp = server.Build

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapcollector",
		Short: "Collects JavaScript and CSS source maps and browser extension packages.",
		Long: `mapcollector watches the network traffic of visited pages, detects source
maps referenced by scripts and stylesheets, and keeps a versioned history of
every map, its original file and its embedded sources. Chrome Web Store and
Edge Add-ons pages are captured as CRX packages.`,
		SilenceUsage: true,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars use the MAPCOLLECTOR_ prefix)")

	cmd.AddCommand(
		newServeCmd(),
		newObserveCmd(),
		newCleanupCmd(),
		newExportCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// withApp builds the application, runs fn and always closes the application.
func withApp(ctx context.Context, fn func(*env, *server.App) error) (err error) {
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	app, err := buildApp(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			e.logger.Warn("close application failed", zap.Error(cerr))
		}
	}()
	return fn(e, app)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
