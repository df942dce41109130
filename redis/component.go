package redis

import (
	"context"
	"fmt"

	"github.com/kbukum/sagakit/component"
	"github.com/kbukum/sagakit/logger"
)

// Component owns the Redis connection shared by the snapshot store and the
// execution locker. Store and Locker are nil until Start succeeds.
type Component struct {
	cfg    Config
	log    *logger.Logger
	client *Client
	store  *SnapshotStore
	locker *Locker
}

var _ component.Component = (*Component)(nil)

// NewComponent creates a Redis component.
func NewComponent(cfg Config, log *logger.Logger) *Component {
	cfg.ApplyDefaults()
	return &Component{cfg: cfg, log: log.WithComponent("redis")}
}

// Client returns the connected client.
func (c *Component) Client() *Client { return c.client }

// SnapshotStore returns the saga snapshot store.
func (c *Component) SnapshotStore() *SnapshotStore { return c.store }

// Locker returns the saga execution locker.
func (c *Component) Locker() *Locker { return c.locker }

func (c *Component) Name() string { return "redis" }

// Start connects and pings. The store and locker share the connection.
func (c *Component) Start(ctx context.Context) error {
	client, err := New(c.cfg, c.log)
	if err != nil {
		return fmt.Errorf("redis start: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis start: %w", err)
	}

	c.client = client
	c.store = NewSnapshotStore(client)
	c.locker = NewLocker(client)
	c.log.Info("Redis connected", logger.Fields("addr", c.cfg.Addr, "prefix", c.cfg.KeyPrefix))
	return nil
}

func (c *Component) Stop(_ context.Context) error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client, c.store, c.locker = nil, nil, nil
	return err
}

// Health pings Redis and reports the size of the active saga index.
func (c *Component) Health(ctx context.Context) component.Health {
	h := component.Health{Name: c.Name(), Status: component.StatusUnhealthy}
	if c.client == nil {
		h.Message = "not connected"
		return h
	}
	if err := c.client.Ping(ctx); err != nil {
		h.Message = fmt.Sprintf("ping failed: %v", err)
		return h
	}

	active, err := c.store.ActiveCount(ctx)
	if err != nil {
		h.Status = component.StatusDegraded
		h.Message = err.Error()
		return h
	}
	h.Status = component.StatusHealthy
	h.Message = fmt.Sprintf("active=%d", active)
	return h
}

// Describe returns infrastructure summary info for the bootstrap display.
func (c *Component) Describe() component.Description {
	return component.Description{
		Name:    "Redis",
		Type:    "redis",
		Details: fmt.Sprintf("%s db=%d pool=%d prefix=%s", c.cfg.Addr, c.cfg.DB, c.cfg.PoolSize, c.cfg.KeyPrefix),
	}
}
