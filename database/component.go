package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kbukum/sagakit/component"
	"github.com/kbukum/sagakit/database/migration"
	"github.com/kbukum/sagakit/logger"
)

// Component wraps DB and implements component.Component for lifecycle management.
type Component struct {
	db    *DB
	store *SnapshotStore
	cfg   Config
	log   *logger.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewComponent creates a database component for use with the component registry.
func NewComponent(cfg Config, log *logger.Logger) *Component {
	cfg.ApplyDefaults()
	return &Component{
		cfg: cfg,
		log: log.WithComponent("database"),
	}
}

// DB returns the underlying *DB, or nil if not started.
func (c *Component) DB() *DB {
	return c.db
}

// SnapshotStore returns the snapshot store, or nil if not started.
func (c *Component) SnapshotStore() *SnapshotStore {
	return c.store
}

// ensure Component satisfies component.Component
var _ component.Component = (*Component)(nil)

// Name returns the component name.
func (c *Component) Name() string { return "database" }

// Start connects to the database, applies the snapshot schema when
// AutoMigrate is set and starts the purge loop. A disabled component is a
// no-op.
func (c *Component) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.log.Info("Database component disabled")
		return nil
	}

	db, err := Open(ctx, c.cfg, c.log)
	if err != nil {
		return fmt.Errorf("database start: %w", err)
	}
	c.db = db

	if c.cfg.AutoMigrate {
		runner := migration.NewMigrationRunner(db.GormDB.WithContext(ctx), c.log)
		runner.AddMigration(Migrations(c.cfg.Table)...)
		if _, err := runner.RunMigrations(); err != nil {
			_ = db.Close()
			c.db = nil
			return fmt.Errorf("database auto-migrate: %w", err)
		}
	}
	c.store = NewSnapshotStore(db, c.cfg.Table)

	if interval, _ := time.ParseDuration(c.cfg.PurgeInterval); interval > 0 {
		c.stop = make(chan struct{})
		c.wg.Add(1)
		go c.purgeLoop(interval)
	}
	return nil
}

func (c *Component) purgeLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			n, err := c.store.PurgeExpired(context.Background())
			if err != nil {
				c.log.Warn("Snapshot purge failed", logger.ErrorFields("purge", err))
				continue
			}
			if n > 0 {
				c.log.Debug("Purged expired snapshots", map[string]interface{}{"count": n})
			}
		}
	}
}

// Stop gracefully closes the database connection.
func (c *Component) Stop(_ context.Context) error {
	if c.stop != nil {
		close(c.stop)
		c.wg.Wait()
		c.stop = nil
	}
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Health returns the current health status of the database.
func (c *Component) Health(ctx context.Context) component.Health {
	if !c.cfg.Enabled {
		return component.Health{
			Name:    c.Name(),
			Status:  component.StatusHealthy,
			Message: "disabled",
		}
	}
	if c.db == nil {
		return component.Health{
			Name:    c.Name(),
			Status:  component.StatusUnhealthy,
			Message: "database not initialized",
		}
	}

	if err := c.db.PingContext(ctx); err != nil {
		return component.Health{
			Name:    c.Name(),
			Status:  component.StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}

	st := c.db.Stats()
	return component.Health{
		Name:    c.Name(),
		Status:  component.StatusHealthy,
		Message: fmt.Sprintf("open=%d in_use=%d idle=%d", st.OpenConns, st.InUseConns, st.IdleConns),
	}
}

// Describe returns infrastructure summary info for the bootstrap display.
func (c *Component) Describe() component.Description {
	details := fmt.Sprintf("driver=%s table=%s pool=%d/%d", c.cfg.Driver, c.cfg.Table, c.cfg.MaxOpenConns, c.cfg.MaxIdleConns)
	if c.cfg.AutoMigrate {
		details += " auto-migrate=on"
	}
	return component.Description{
		Name:    "Database",
		Type:    "database",
		Details: details,
	}
}
