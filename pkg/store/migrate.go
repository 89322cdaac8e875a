package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate
	"github.com/rs/zerolog"

	"github.com/bbblb/bbblb/pkg/store/migrations"
)

// ErrMigrationsUnsupported is returned when versioned migrations are
// requested for a backend that manages its schema automatically.
var ErrMigrationsUnsupported = errors.New("versioned migrations require a postgres database")

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}

func openMigrationDB(ctx context.Context, config *Config) (*sql.DB, error) {
	if config.Type != DatabaseTypePostgres {
		return nil, ErrMigrationsUnsupported
	}
	db, err := sql.Open("pgx", config.Postgres.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// RunMigrations applies all pending schema migrations. golang-migrate takes a
// PostgreSQL advisory lock, so concurrent replicas cannot run migrations at
// the same time.
func RunMigrations(ctx context.Context, config *Config, log zerolog.Logger) error {
	db, err := openMigrationDB(ctx, config)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	log.Info().Msg("applying schema migrations")
	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Info().Msg("schema is up to date")
	case err != nil:
		return fmt.Errorf("migration failed: %w", err)
	default:
		log.Info().Msg("migrations applied")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		log.Warn().Uint("version", version).Msg("schema is dirty, manual intervention may be required")
	} else if err == nil {
		log.Info().Uint("version", version).Msg("schema version")
	}
	return nil
}

// ResetDatabase drops everything and replays all migrations from scratch.
func ResetDatabase(ctx context.Context, config *Config, log zerolog.Logger) error {
	db, err := openMigrationDB(ctx, config)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	log.Warn().Msg("dropping database schema")
	if err := m.Drop(); err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}

	// The metadata table is gone after Drop, start over.
	m, err = newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Info().Msg("schema recreated")
	return nil
}

// MigrationVersion reports the current schema version of a postgres database
// and whether it is marked dirty.
func MigrationVersion(ctx context.Context, config *Config) (uint, bool, error) {
	db, err := openMigrationDB(ctx, config)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()

	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, dirty, nil
}
