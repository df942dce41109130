package cli

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/kbukum/sagakit/database/migration"
)

// schemaVersion is the output of migrate version.
type schemaVersion struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
	Applied bool `json:"applied"`
}

func newMigrateCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL snapshot schema",
		Long: `Migrate applies the versioned snapshot schema to database.dsn. It is the
alternative to database.auto_migrate for deployments that manage schema
out of band, and only supports the postgres driver.`,
	}

	withDB := func(fn func(cmd *cobra.Command, db *sql.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return fmt.Errorf("database.dsn is required")
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate supports the postgres driver, got %q", cfg.Database.Driver)
			}
			db, err := o.openDB(cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			return fn(cmd, db)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *sql.DB) error {
				if err := migration.MigrateUp(db, o.driverFunc); err != nil {
					return err
				}
				return o.printVersion(cmd, db)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration, dropping the snapshot table",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *sql.DB) error {
				if err := migration.MigrateDown(db, o.driverFunc); err != nil {
					return err
				}
				return o.printVersion(cmd, db)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *sql.DB) error {
				return o.printVersion(cmd, db)
			}),
		},
	)
	return cmd
}

func (o *rootOptions) printVersion(cmd *cobra.Command, db *sql.DB) error {
	v, dirty, err := migration.MigrateVersion(db, o.driverFunc)
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return render(cmd.OutOrStdout(), o.output, schemaVersion{})
	case err != nil:
		return err
	}
	return render(cmd.OutOrStdout(), o.output, schemaVersion{Version: v, Dirty: dirty, Applied: true})
}
