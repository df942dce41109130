package database

import (
	"gorm.io/gorm"

	"github.com/kbukum/sagakit/database/migration"
)

// Migrations returns the schema migrations for a snapshot table.
func Migrations(table string) []migration.Migration {
	return []migration.Migration{
		{
			ID:          "0001_create_" + table,
			Description: "create saga snapshot table",
			Up: func(tx *gorm.DB) error {
				return tx.Table(table).AutoMigrate(&snapshotRecord{})
			},
			Down: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(table)
			},
		},
	}
}
