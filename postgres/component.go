package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kbukum/sagakit/component"
	"github.com/kbukum/sagakit/logger"
)

// Config configures the advisory-lock locker.
type Config struct {
	DSN        string `yaml:"dsn" mapstructure:"dsn" validate:"required"`
	Driver     string `yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=pgx postgres"`
	LockPrefix string `yaml:"lock_prefix" mapstructure:"lock_prefix"`
	// MaxOpenConns bounds the pool. Every held lock pins a connection.
	MaxOpenConns int `yaml:"max_open_conns" mapstructure:"max_open_conns" validate:"gte=0"`
}

// ApplyDefaults sets sensible defaults for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverPgx
	}
	if c.LockPrefix == "" {
		c.LockPrefix = "saga"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 50
	}
}

// Component owns the locker's connection pool.
type Component struct {
	cfg    Config
	log    *logger.Logger
	open   func(driver, dsn string) (*sql.DB, error)
	db     *sql.DB
	locker *Locker
}

var _ component.Component = (*Component)(nil)

// NewComponent creates the locker component.
func NewComponent(cfg Config, log *logger.Logger) *Component {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Component{cfg: cfg, log: log.WithComponent("postgres"), open: Open}
}

// Locker returns the locker, or nil if not started.
func (c *Component) Locker() *Locker { return c.locker }

// Name returns the component name.
func (c *Component) Name() string { return "postgres-locker" }

// Start opens the pool and verifies connectivity.
func (c *Component) Start(ctx context.Context) error {
	db, err := c.open(c.cfg.Driver, c.cfg.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("postgres ping: %w", classify(err))
	}
	c.db = db
	c.locker = NewLocker(db, c.cfg.LockPrefix, c.log)
	c.log.Info("Postgres locker connected", logger.Fields("driver", c.cfg.Driver, "prefix", c.cfg.LockPrefix))
	return nil
}

// Stop closes the pool, which ends every session and drops its locks.
func (c *Component) Stop(_ context.Context) error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Health pings the pool and reports connections in use.
func (c *Component) Health(ctx context.Context) component.Health {
	if c.db == nil {
		return component.Health{Name: c.Name(), Status: component.StatusUnhealthy, Message: "not connected"}
	}
	if err := c.db.PingContext(ctx); err != nil {
		return component.Health{Name: c.Name(), Status: component.StatusUnhealthy, Message: fmt.Sprintf("ping failed: %v", err)}
	}
	st := c.db.Stats()
	return component.Health{
		Name:    c.Name(),
		Status:  component.StatusHealthy,
		Message: fmt.Sprintf("locks_held<=%d open=%d", st.InUse, st.OpenConnections),
	}
}

// Describe returns infrastructure summary info for the bootstrap display.
func (c *Component) Describe() component.Description {
	return component.Description{
		Name:    "Postgres Locker",
		Type:    "postgres",
		Details: fmt.Sprintf("driver=%s prefix=%s pool=%d", c.cfg.Driver, c.cfg.LockPrefix, c.cfg.MaxOpenConns),
	}
}
