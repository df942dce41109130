// Package database stores saga snapshots in a relational database through
// GORM. PostgreSQL, MySQL and SQLite are supported; Config.Driver picks the
// dialect.
//
// # Quick Start
//
//	comp := database.NewComponent(database.Config{
//	    Enabled:     true,
//	    Driver:      database.DriverPostgres,
//	    DSN:         "host=localhost user=saga dbname=saga sslmode=disable",
//	    AutoMigrate: true,
//	}, log)
//	if err := comp.Start(ctx); err != nil {
//	    return err
//	}
//	mgr := saga.NewManager(saga.DefaultConfig(), saga.WithStore(comp.SnapshotStore()))
//
// Each saga is one row keyed by saga_id. The full snapshot is stored as JSON;
// status, name, tenant and timestamps are columns so active sagas can be
// listed without decoding every row. Rows written with a TTL carry
// expires_at and are hidden once expired; PurgeInterval deletes them.
//
// The schema is created by the programmatic migrations in Migrations when
// AutoMigrate is set, or by the versioned SQL files in the migration
// subpackage (sagactl migrate).
//
// A disabled component starts as a no-op and reports "disabled" health.
package database
