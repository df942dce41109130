package bootstrap

import (
	"context"
	"fmt"

	"github.com/kbukum/sagakit/badger"
	"github.com/kbukum/sagakit/component"
	"github.com/kbukum/sagakit/config"
	"github.com/kbukum/sagakit/database"
	"github.com/kbukum/sagakit/kafka"
	"github.com/kbukum/sagakit/observability"
	"github.com/kbukum/sagakit/postgres"
	"github.com/kbukum/sagakit/redis"
	"github.com/kbukum/sagakit/resilience"
	"github.com/kbukum/sagakit/saga"
)

// registerInfrastructure registers the store and locker components the
// config selects and records how to reach them once started.
func (a *App) registerInfrastructure() error {
	cfg := a.Cfg
	var rc *redis.Component
	redisComponent := func() (*redis.Component, error) {
		if rc == nil {
			rc = redis.NewComponent(cfg.Redis, a.Logger)
			if err := a.Components.Register(rc); err != nil {
				return nil, err
			}
		}
		return rc, nil
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		mem := saga.NewMemoryStore()
		a.storeFn = func() saga.SnapshotStore { return mem }
		a.storeDesc = "memory"
	case config.BackendRedis:
		c, err := redisComponent()
		if err != nil {
			return err
		}
		a.storeFn = func() saga.SnapshotStore {
			if st := c.SnapshotStore(); st != nil {
				return st
			}
			return nil
		}
		a.storeDesc = "redis " + cfg.Redis.Addr
	case config.BackendBadger:
		bs, err := badger.Open(cfg.Badger, a.Logger.WithComponent("badger"))
		if err != nil {
			return err
		}
		if err := a.Components.Register(bs); err != nil {
			return err
		}
		a.storeFn = func() saga.SnapshotStore { return bs }
		a.storeDesc = "badger " + cfg.Badger.Path
	case config.BackendDatabase:
		dc := database.NewComponent(cfg.Database, a.Logger)
		if err := a.Components.Register(dc); err != nil {
			return err
		}
		a.storeFn = func() saga.SnapshotStore {
			if st := dc.SnapshotStore(); st != nil {
				return st
			}
			return nil
		}
		a.storeDesc = "database " + cfg.Database.Driver
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	switch cfg.Store.Locker {
	case config.LockerMemory:
		ml := saga.NewMemoryLocker()
		a.lockerFn = func() saga.Locker { return ml }
		a.lockerDesc = "memory"
	case config.LockerRedis:
		c, err := redisComponent()
		if err != nil {
			return err
		}
		a.lockerFn = func() saga.Locker {
			if l := c.Locker(); l != nil {
				return l
			}
			return nil
		}
		a.lockerDesc = "redis"
	case config.LockerPostgres:
		pc := postgres.NewComponent(cfg.Postgres, a.Logger)
		if err := a.Components.Register(pc); err != nil {
			return err
		}
		a.lockerFn = func() saga.Locker {
			if l := pc.Locker(); l != nil {
				return l
			}
			return nil
		}
		a.lockerDesc = "postgres"
	default:
		return fmt.Errorf("unknown locker %q", cfg.Store.Locker)
	}
	return nil
}

// registerEventSinks builds the sinks that need no running telemetry and
// registers the Kafka publisher.
func (a *App) registerEventSinks() error {
	obs := a.Cfg.Observability
	if obs.LogEvents {
		a.sinks = append(a.sinks, observability.NewLogSink(a.Logger.WithComponent("events")))
	}
	if obs.Prometheus.Enabled {
		pcfg := observability.DefaultPrometheusConfig()
		pcfg.Namespace = obs.Prometheus.Namespace
		pcfg.Registerer = a.prometheusRegisterer()
		ps, err := observability.NewPrometheusSink(pcfg)
		if err != nil {
			return fmt.Errorf("prometheus sink: %w", err)
		}
		a.sinks = append(a.sinks, ps)
	}
	if a.Cfg.Kafka.Enabled {
		pub := kafka.NewEventPublisher(a.Cfg.Kafka, a.Logger)
		if err := a.Components.Register(pub); err != nil {
			return err
		}
		a.sinks = append(a.sinks, pub)
	}
	a.sinks = append(a.sinks, a.opts.sinks...)
	return nil
}

// initTelemetry starts the OTLP tracer and meter providers when enabled.
func (a *App) initTelemetry(ctx context.Context) error {
	obs := a.Cfg.Observability
	if obs.Tracing.Enabled {
		tc := a.Cfg.TracerConfig()
		tc.Exporter = a.opts.spanExporter
		tp, err := observability.InitTracer(ctx, tc)
		if err != nil {
			return err
		}
		a.shutdowns = append(a.shutdowns, tp.Shutdown)
	}
	if obs.Metrics.Enabled {
		mc := a.Cfg.MeterConfig()
		mc.Reader = a.opts.metricReader
		mp, err := observability.InitMeter(ctx, &mc)
		if err != nil {
			return err
		}
		a.shutdowns = append(a.shutdowns, mp.Shutdown)
		em, err := observability.NewEventMetrics(mp.Meter("sagakit"))
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, em)
	}
	return nil
}

// newPipeline builds the resilience registry from the configured default
// and per-target policies.
func (a *App) newPipeline(sink resilience.EventSink) *resilience.Pipeline {
	opts := []resilience.RegistryOption{resilience.WithEventSink(sink)}
	for target, pc := range a.Cfg.Targets {
		opts = append(opts, resilience.WithTargetPolicy(target, pc.ToPolicy()))
	}
	reg := resilience.NewRegistry(a.Cfg.Resilience.ToPolicy(), opts...)
	return resilience.NewPipeline(reg, resilience.WithLogger(a.Logger.WithComponent("resilience")))
}

// sagaComponent builds the manager once the infrastructure it depends on
// is running, so it is always registered last.
type sagaComponent struct {
	app      *App
	mgr      *saga.Manager
	pipeline *resilience.Pipeline
}

var _ component.Component = (*sagaComponent)(nil)

func (s *sagaComponent) Name() string { return "saga-manager" }

func (s *sagaComponent) Start(ctx context.Context) error {
	a := s.app
	store, locker := a.storeFn(), a.lockerFn()
	if store == nil || locker == nil {
		return fmt.Errorf("saga manager: store or locker not available")
	}

	sink := observability.Fanout(a.sinks...)
	s.pipeline = a.newPipeline(sink)
	s.mgr = saga.NewManager(a.Cfg.Saga.ToManagerConfig(),
		saga.WithStore(store),
		saga.WithLocker(locker),
		saga.WithPipeline(s.pipeline),
		saga.WithDefinitions(a.Definitions),
		saga.WithEventSink(sink),
		saga.WithLogger(a.Logger.WithComponent("saga")),
	)
	return s.mgr.Start(ctx)
}

func (s *sagaComponent) Stop(ctx context.Context) error {
	if s.mgr == nil {
		return nil
	}
	return s.mgr.Stop(ctx)
}

func (s *sagaComponent) Health(ctx context.Context) component.Health {
	if s.mgr == nil {
		return component.Health{Name: s.Name(), Status: component.StatusUnhealthy, Message: "not started"}
	}
	return s.mgr.Health(ctx)
}

func (s *sagaComponent) Describe() component.Description {
	a := s.app
	return component.Description{
		Name:    "Saga Manager",
		Type:    "saga",
		Details: fmt.Sprintf("store=%s locker=%s definitions=%d", a.storeDesc, a.lockerDesc, len(a.Definitions.Names())),
	}
}
