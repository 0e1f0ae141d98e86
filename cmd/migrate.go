package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/config"
	"github.com/JakeFAU/sourcemap-collector/internal/storage/migrations"
	sqlitestore "github.com/JakeFAU/sourcemap-collector/internal/storage/sqlite"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies pending schema migrations to the configured engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			db, engine, closeDB, err := openMigrationDB(cmd.Context(), e.cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := migrations.Up(db, engine); err != nil {
				return err
			}
			version, dirty, err := migrations.Version(db, engine)
			if err != nil {
				return err
			}
			e.logger.Info("schema up to date",
				zap.String("engine", string(engine)),
				zap.Uint("version", version),
				zap.Bool("dirty", dirty),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", engine, version)
			return nil
		},
	}
}

func openMigrationDB(ctx context.Context, cfg config.Config) (*sql.DB, migrations.Engine, func(), error) {
	switch cfg.Storage.Engine {
	case config.EngineSQLite:
		db, err := sqlitestore.OpenConnection(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, "", nil, err
		}
		return db, migrations.SQLite, func() { _ = db.Close() }, nil
	case config.EnginePostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, "", nil, fmt.Errorf("connect postgres: %w", err)
		}
		db := stdlib.OpenDBFromPool(pool)
		return db, migrations.Postgres, func() {
			_ = db.Close()
			pool.Close()
		}, nil
	default:
		return nil, "", nil, fmt.Errorf("storage engine %q has no schema", cfg.Storage.Engine)
	}
}
