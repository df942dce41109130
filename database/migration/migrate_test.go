package migration

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/stub"
)

func stubDriver(t *testing.T) (*stub.Stub, DriverFunc) {
	t.Helper()
	drv, err := stub.WithInstance(nil, &stub.Config{})
	if err != nil {
		t.Fatalf("stub.WithInstance: %v", err)
	}
	s := drv.(*stub.Stub)
	if err := s.SetVersion(database.NilVersion, false); err != nil {
		t.Fatalf("SetVersion: %v", err)
	}
	return s, func(*sql.DB) (database.Driver, error) { return s, nil }
}

func TestMigrate_UpDown(t *testing.T) {
	s, driverFunc := stubDriver(t)

	if _, _, err := MigrateVersion(nil, driverFunc); !errors.Is(err, migrate.ErrNilVersion) {
		t.Fatalf("MigrateVersion before up: err = %v, want ErrNilVersion", err)
	}

	if err := MigrateUp(nil, driverFunc); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	if len(s.MigrationSequence) != 1 || !strings.Contains(s.MigrationSequence[0], "CREATE TABLE IF NOT EXISTS saga_snapshots") {
		t.Errorf("MigrationSequence = %v", s.MigrationSequence)
	}

	version, dirty, err := MigrateVersion(nil, driverFunc)
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("version = %d dirty = %v, want 1 false", version, dirty)
	}

	// No pending migrations is not an error.
	if err := MigrateUp(nil, driverFunc); err != nil {
		t.Fatalf("second MigrateUp: %v", err)
	}

	if err := MigrateSteps(nil, -1, driverFunc); err != nil {
		t.Fatalf("MigrateSteps(-1): %v", err)
	}
	last := s.MigrationSequence[len(s.MigrationSequence)-1]
	if !strings.Contains(last, "DROP TABLE IF EXISTS saga_snapshots") {
		t.Errorf("last migration = %q, want down script", last)
	}
	if err := MigrateDown(nil, driverFunc); err != nil {
		t.Fatalf("MigrateDown with nothing applied: %v", err)
	}
}

func TestMigrate_DriverError(t *testing.T) {
	boom := errors.New("connect refused")
	err := MigrateUp(nil, func(*sql.DB) (database.Driver, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped driver error", err)
	}
}
