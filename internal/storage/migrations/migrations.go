// Package migrations embeds and applies the relational schema for the sqlite
// and postgres engines.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// Engine names a schema dialect.
type Engine string

// Supported dialects.
const (
	SQLite   Engine = "sqlite3"
	Postgres Engine = "pgx5"
)

// Up applies every pending migration for engine to db. The caller owns db.
func Up(db *sql.DB, engine Engine) error {
	m, err := newMigrate(db, engine)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s up: %w", engine, err)
	}
	return nil
}

// Version reports the applied schema version and whether it is dirty.
func Version(db *sql.DB, engine Engine) (uint, bool, error) {
	m, err := newMigrate(db, engine)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrate %s version: %w", engine, err)
	}
	return version, dirty, nil
}

// newMigrate does not close the returned instance, since closing it would
// close db as well.
func newMigrate(db *sql.DB, engine Engine) (*migrate.Migrate, error) {
	source, err := iofs.New(files, dir(engine))
	if err != nil {
		return nil, fmt.Errorf("open %s migrations: %w", engine, err)
	}
	var m *migrate.Migrate
	switch engine {
	case SQLite:
		driver, derr := sqlite3.WithInstance(db, &sqlite3.Config{})
		if derr != nil {
			_ = source.Close()
			return nil, fmt.Errorf("sqlite migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", source, string(engine), driver)
	case Postgres:
		driver, derr := migratepgx.WithInstance(db, &migratepgx.Config{})
		if derr != nil {
			_ = source.Close()
			return nil, fmt.Errorf("postgres migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", source, string(engine), driver)
	default:
		_ = source.Close()
		return nil, fmt.Errorf("unknown migration engine %q", engine)
	}
	if err != nil {
		_ = source.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func dir(engine Engine) string {
	if engine == Postgres {
		return "postgres"
	}
	return "sqlite"
}
