package migration

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/kbukum/sagakit/logger"
)

// Migration describes a single GORM-based schema migration.
type Migration struct {
	ID          string
	Description string
	Up          func(*gorm.DB) error
	Down        func(*gorm.DB) error
}

// MigrationRunner applies GORM-based migrations tracked in a schema_migrations table.
type MigrationRunner struct {
	db         *gorm.DB
	log        *logger.Logger
	migrations []Migration
}

// NewMigrationRunner creates a runner bound to the given database and logger.
func NewMigrationRunner(db *gorm.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:  db,
		log: log,
	}
}

// AddMigration registers migrations to be applied in order.
func (mr *MigrationRunner) AddMigration(migrations ...Migration) {
	mr.migrations = append(mr.migrations, migrations...)
}

// RunMigrations applies all pending migrations in order and returns how
// many were applied.
func (mr *MigrationRunner) RunMigrations() (int, error) {
	if err := mr.createMigrationsTable(); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := 0
	for _, migration := range mr.migrations {
		done, err := mr.isMigrationApplied(migration.ID)
		if err != nil {
			return applied, fmt.Errorf("failed to check migration status: %w", err)
		}
		if done {
			mr.log.Debug("Migration already applied", map[string]interface{}{
				"id": migration.ID,
			})
			continue
		}

		mr.log.Info("Applying migration", map[string]interface{}{
			"id":          migration.ID,
			"description": migration.Description,
		})

		if err := mr.db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Up(tx); err != nil {
				return err
			}
			return tx.Exec("INSERT INTO schema_migrations (id) VALUES (?)", migration.ID).Error
		}); err != nil {
			return applied, fmt.Errorf("failed to apply migration %s: %w", migration.ID, err)
		}
		applied++
	}

	return applied, nil
}

// Rollback reverts the most recently applied registered migration.
func (mr *MigrationRunner) Rollback() error {
	for i := len(mr.migrations) - 1; i >= 0; i-- {
		migration := mr.migrations[i]
		done, err := mr.isMigrationApplied(migration.ID)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if !done {
			continue
		}
		if migration.Down == nil {
			return fmt.Errorf("migration %s has no down step", migration.ID)
		}

		mr.log.Info("Rolling back migration", map[string]interface{}{"id": migration.ID})
		return mr.db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Down(tx); err != nil {
				return err
			}
			return tx.Exec("DELETE FROM schema_migrations WHERE id = ?", migration.ID).Error
		})
	}
	return nil
}

func (mr *MigrationRunner) createMigrationsTable() error {
	return mr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`).Error
}

func (mr *MigrationRunner) isMigrationApplied(id string) (bool, error) {
	var count int64
	err := mr.db.Table("schema_migrations").Where("id = ?", id).Count(&count).Error
	return count > 0, err
}
