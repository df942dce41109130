package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kbukum/sagakit/component"
	"github.com/kbukum/sagakit/config"
	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/resilience"
	"github.com/kbukum/sagakit/saga"
)

// App owns the components of one sagakit process: the configured snapshot
// store and locker, the event publisher and the saga manager built on top
// of them.
//
//	app, err := bootstrap.New(cfg, bootstrap.WithDefinitions(defs))
//	app.OnReady(func(ctx context.Context) error {
//	    _, err := app.Manager().Execute(ctx, orderSaga, saga.ExecuteOptions{Input: order})
//	    return err
//	})
//	app.Run(context.Background())
type App struct {
	Name        string
	Version     string
	Cfg         *config.Config
	Components  *component.Registry
	Definitions *saga.DefinitionRegistry
	Logger      *logger.Logger
	Summary     *Summary

	gracefulTimeout time.Duration
	summaryOut      io.Writer
	opts            *appOptions

	sagas      *sagaComponent
	storeFn    func() saga.SnapshotStore
	lockerFn   func() saga.Locker
	storeDesc  string
	lockerDesc string
	sinks      []resilience.EventSink
	shutdowns  []func(context.Context) error

	onStart []Hook
	onReady []Hook
	onStop  []Hook
}

// New creates an application from cfg. It applies defaults, validates the
// config, initializes the logger and registers the components the config
// selects. Nothing connects until Run, RunTask or Start.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	o := resolveOptions(opts)
	app := &App{
		Name:            cfg.Name,
		Version:         cfg.Version,
		Cfg:             cfg,
		Components:      component.NewRegistry(),
		Definitions:     o.definitions,
		gracefulTimeout: 15 * time.Second,
		summaryOut:      o.summaryOut,
		opts:            o,
	}
	if app.Definitions == nil {
		app.Definitions = saga.NewDefinitionRegistry()
	}
	if o.gracefulTimeout != nil {
		app.gracefulTimeout = *o.gracefulTimeout
	}
	if app.summaryOut == nil {
		app.summaryOut = os.Stdout
	}

	if o.logger != nil {
		app.Logger = o.logger
	} else {
		logger.Init(cfg.Logging)
		app.Logger = logger.GetGlobalLogger()
	}

	if err := app.registerInfrastructure(); err != nil {
		return nil, err
	}
	if err := app.registerEventSinks(); err != nil {
		return nil, err
	}
	app.sagas = &sagaComponent{app: app}
	app.Summary = NewSummary(app.Name, app.Version)
	return app, nil
}

// Manager returns the saga manager, or nil before Start.
func (a *App) Manager() *saga.Manager {
	return a.sagas.mgr
}

// Store returns the snapshot store, or nil before Start.
func (a *App) Store() saga.SnapshotStore {
	if a.sagas.mgr == nil {
		return nil
	}
	return a.sagas.mgr.Store()
}

// Pipeline returns the resilience pipeline steps run through, or nil before Start.
func (a *App) Pipeline() *resilience.Pipeline {
	return a.sagas.pipeline
}

// RegisterComponent adds a component. It starts after the infrastructure
// and before the saga manager.
func (a *App) RegisterComponent(c component.Component) error {
	return a.Components.Register(c)
}

// ReadyCheck verifies that all registered components are healthy.
func (a *App) ReadyCheck(ctx context.Context) error {
	var unhealthy []string
	for _, h := range a.Components.HealthAll(ctx) {
		if h.Status != component.StatusHealthy {
			detail := h.Name + "=" + string(h.Status)
			if h.Message != "" {
				detail += "(" + h.Message + ")"
			}
			unhealthy = append(unhealthy, detail)
		}
	}
	if len(unhealthy) > 0 {
		return fmt.Errorf("unhealthy components: %v", unhealthy)
	}
	return nil
}

// Run starts the application and blocks until SIGINT, SIGTERM or ctx ends,
// then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	a.Logger.Info("Application ready, waiting for shutdown signal")
	a.WaitForSignal(ctx)

	return a.Shutdown(context.Background())
}

// RunTask starts the application, runs task and shuts down. SIGINT and
// SIGTERM cancel the task's context. Use it for CLI commands and batch jobs.
func (a *App) RunTask(ctx context.Context, task func(ctx context.Context) error) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	taskCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	taskErr := task(taskCtx)

	if stopErr := a.Shutdown(context.Background()); stopErr != nil {
		if taskErr != nil {
			return taskErr
		}
		return stopErr
	}
	return taskErr
}

// Start runs the startup sequence: telemetry, components in registration
// order (the saga manager last, which recovers interrupted sagas), OnStart
// hooks, the ready check, OnReady hooks and the summary. A failed start
// stops whatever was started.
func (a *App) Start(ctx context.Context) error {
	start := time.Now()

	a.Logger.Info("Starting application", logger.Fields(
		"name", a.Name,
		"version", a.Version,
		"store", a.storeDesc,
		"locker", a.lockerDesc,
	))

	if err := a.initTelemetry(ctx); err != nil {
		return errors.Join(fmt.Errorf("telemetry: %w", err), a.Shutdown(context.Background()))
	}

	if a.Components.Get(a.sagas.Name()) == nil {
		if err := a.Components.Register(a.sagas); err != nil {
			return err
		}
	}
	if err := a.Components.StartAll(ctx); err != nil {
		return errors.Join(fmt.Errorf("initialization failed: %w", err), a.Shutdown(context.Background()))
	}

	if err := a.runHooks(ctx, phaseStart, a.onStart); err != nil {
		return errors.Join(fmt.Errorf("onStart hook failed: %w", err), a.Shutdown(context.Background()))
	}

	if err := a.ReadyCheck(ctx); err != nil {
		a.Logger.Warn("Ready check reported issues", logger.Fields(logger.FieldError, err.Error()))
	}

	if err := a.runHooks(ctx, phaseReady, a.onReady); err != nil {
		return errors.Join(fmt.Errorf("onReady hook failed: %w", err), a.Shutdown(context.Background()))
	}

	a.Summary.SetStartupDuration(time.Since(start))
	a.Summary.SetDefinitions(a.Definitions.Names())
	a.DisplaySummary(ctx)
	return nil
}

// DisplaySummary writes the startup summary with live component health.
func (a *App) DisplaySummary(ctx context.Context) {
	a.Summary.Write(ctx, a.summaryOut, a.Components)
}

// WaitForSignal blocks until an OS interrupt/term signal or context cancellation.
func (a *App) WaitForSignal(ctx context.Context) os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.Logger.Info("Received shutdown signal, graceful shutdown starting", logger.Fields("signal", sig.String()))
		return sig
	case <-ctx.Done():
		a.Logger.Info("Context canceled, shutting down")
		return nil
	}
}

// Shutdown runs OnStop hooks, stops components in reverse order and flushes
// telemetry, all within the graceful timeout.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("Shutting down application", logger.Fields("timeout", a.gracefulTimeout.String()))

	ctx, cancel := context.WithTimeout(ctx, a.gracefulTimeout)
	defer cancel()

	var errs []error
	if err := a.runHooks(ctx, phaseStop, a.onStop); err != nil {
		a.Logger.Error("OnStop hook error", logger.Fields(logger.FieldError, err.Error()))
		errs = append(errs, err)
	}

	if err := a.Components.StopAll(ctx); err != nil {
		a.Logger.Error("Shutdown completed with errors", logger.Fields(logger.FieldError, err.Error()))
		errs = append(errs, err)
	}

	for i := len(a.shutdowns) - 1; i >= 0; i-- {
		if err := a.shutdowns[i](ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	a.shutdowns = nil

	a.Logger.Info("Application shutdown complete")
	return errors.Join(errs...)
}

func (a *App) prometheusRegisterer() prometheus.Registerer {
	if a.opts.registerer != nil {
		return a.opts.registerer
	}
	return prometheus.DefaultRegisterer
}
