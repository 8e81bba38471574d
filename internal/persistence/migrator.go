package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
)

// Migrator applies the SQL files in migrationsDir
// ({version}_{name}.up.sql / .down.sql) to the database.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	log           zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, log: log}
}

// open builds a migrate instance over the shared pool. Instances are not
// closed: Close on the postgres driver closes the *sql.DB as well.
func (m *Migrator) open() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(m.db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrate driver: %w", err)
	}
	mig, err := migrate.NewWithDatabaseInstance("file://"+m.migrationsDir, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return mig, nil
}

// Up applies all pending up-migrations in order.
func (m *Migrator) Up() error {
	mig, err := m.open()
	if err != nil {
		return err
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	m.logVersion(mig)
	return nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down() error {
	mig, err := m.open()
	if err != nil {
		return err
	}

	if err := mig.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	m.logVersion(mig)
	return nil
}

// Version returns the applied schema version.
func (m *Migrator) Version() (uint, bool, error) {
	mig, err := m.open()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := mig.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (m *Migrator) logVersion(mig *migrate.Migrate) {
	version, dirty, err := mig.Version()
	if err != nil {
		m.log.Info().Msg("schema has no applied migrations")
		return
	}
	m.log.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema version")
}
