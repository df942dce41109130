// Package migration manages the saga snapshot schema.
//
// Two paths are available. MigrationRunner applies programmatic GORM
// migrations tracked in a schema_migrations table; the database component
// uses it for auto-migration on any driver. The Migrate* functions apply the
// versioned SQL files embedded in this package through golang-migrate, for
// operators who manage schema out of band (sagactl migrate).
//
// The SQL files target PostgreSQL. Callers pick the golang-migrate driver:
//
//	import migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
//
//	driverFunc := func(db *sql.DB) (database.Driver, error) {
//	    return migratepg.WithInstance(db, &migratepg.Config{})
//	}
//
//	err := migration.MigrateUp(sqlDB, driverFunc)
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// DriverFunc creates a migrate database driver from sql.DB.
type DriverFunc func(*sql.DB) (database.Driver, error)

// MigrateUp applies all pending versioned migrations.
// migrate.ErrNoChange is suppressed.
func MigrateUp(db *sql.DB, driverFunc DriverFunc) error {
	m, err := newMigrator(db, driverFunc)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// MigrateDown rolls back all versioned migrations. This drops the snapshot
// table. migrate.ErrNoChange is suppressed.
func MigrateDown(db *sql.DB, driverFunc DriverFunc) error {
	m, err := newMigrator(db, driverFunc)
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// MigrateSteps runs n migrations (positive = up, negative = down).
func MigrateSteps(db *sql.DB, n int, driverFunc DriverFunc) error {
	m, err := newMigrator(db, driverFunc)
	if err != nil {
		return err
	}
	if err := m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate steps: %w", err)
	}
	return nil
}

// MigrateVersion returns the current migration version and dirty flag.
// A database with no migrations applied returns migrate.ErrNilVersion.
func MigrateVersion(db *sql.DB, driverFunc DriverFunc) (version uint, dirty bool, err error) {
	m, err := newMigrator(db, driverFunc)
	if err != nil {
		return 0, false, err
	}
	return m.Version()
}

// newMigrator creates a golang-migrate instance backed by the embedded files.
// Callers must not call m.Close(); it would close the shared sql.DB.
func newMigrator(db *sql.DB, driverFunc DriverFunc) (*migrate.Migrate, error) {
	driver, err := driverFunc(db)
	if err != nil {
		return nil, fmt.Errorf("create database driver: %w", err)
	}

	source, err := iofs.New(sqlFiles, "sql")
	if err != nil {
		return nil, fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "database", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}
