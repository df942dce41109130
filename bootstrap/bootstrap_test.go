package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kbukum/sagakit/component"
	"github.com/kbukum/sagakit/config"
	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/resilience"
	"github.com/kbukum/sagakit/saga"
)

// mockComponent implements component.Component for testing.
type mockComponent struct {
	name     string
	startErr error
	stopErr  error
	health   component.Health
	started  bool
	stopped  bool
}

func (m *mockComponent) Name() string { return m.name }
func (m *mockComponent) Start(ctx context.Context) error {
	m.started = true
	return m.startErr
}
func (m *mockComponent) Stop(ctx context.Context) error {
	m.stopped = true
	return m.stopErr
}
func (m *mockComponent) Health(ctx context.Context) component.Health {
	return m.health
}

func newTestConfig() *config.Config {
	return &config.Config{
		ServiceConfig: config.ServiceConfig{
			Name:        "orders",
			Version:     "1.0.0",
			Environment: "development",
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Nop()), WithSummaryOutput(io.Discard)}, opts...)
	app, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return app
}

func orderSaga(declined bool) *saga.Definition {
	return saga.NewDefinition("order",
		saga.Step{
			Name:       "reserve",
			Target:     "inventory",
			Execute:    func(context.Context, *saga.StepContext) (any, error) { return "r-1", nil },
			Compensate: func(context.Context, *saga.StepContext) error { return nil },
		},
		saga.Step{
			Name:        "charge",
			Target:      "payments",
			MaxAttempts: 1,
			Execute: func(context.Context, *saga.StepContext) (any, error) {
				if declined {
					return nil, errors.New("card declined")
				}
				return "c-1", nil
			},
		},
	)
}

func TestNew(t *testing.T) {
	app := newTestApp(t, newTestConfig())
	if app.Name != "orders" || app.Version != "1.0.0" {
		t.Errorf("app = %s %s", app.Name, app.Version)
	}
	if app.Components == nil || app.Definitions == nil || app.Logger == nil {
		t.Fatal("expected registry, definitions and logger")
	}
	if app.Manager() != nil || app.Store() != nil || app.Pipeline() != nil {
		t.Error("manager should not exist before Start")
	}
	if app.storeDesc != "memory" || app.lockerDesc != "memory" {
		t.Errorf("store=%s locker=%s, want memory/memory", app.storeDesc, app.lockerDesc)
	}
}

func TestNewValidation(t *testing.T) {
	cfg := newTestConfig()
	cfg.Environment = "qa"
	if _, err := New(cfg, WithLogger(logger.Nop())); err == nil {
		t.Error("expected error for unknown environment")
	}
}

func TestNewWithOptions(t *testing.T) {
	defs := saga.NewDefinitionRegistry()
	app := newTestApp(t, newTestConfig(),
		WithGracefulTimeout(30*time.Second),
		WithDefinitions(defs),
	)
	if app.gracefulTimeout != 30*time.Second {
		t.Errorf("gracefulTimeout = %v, want 30s", app.gracefulTimeout)
	}
	if app.Definitions != defs {
		t.Error("expected the given definition registry")
	}
}

func TestRunTask_ExecutesSaga(t *testing.T) {
	rec := &resilience.Recorder{}
	app := newTestApp(t, newTestConfig(), WithEventSink(rec))

	var res *saga.Result
	err := app.RunTask(context.Background(), func(ctx context.Context) error {
		var err error
		res, err = app.Manager().Execute(ctx, orderSaga(false), saga.ExecuteOptions{Input: map[string]int{"qty": 2}})
		return err
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Status != saga.StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", res.Status)
	}
	if rec.Count(saga.EventSagaCompleted) != 1 {
		t.Errorf("saga_completed events = %d, want 1", rec.Count(saga.EventSagaCompleted))
	}
	if rec.Count(resilience.EventSuccess) != 2 {
		t.Errorf("pipeline success events = %d, want 2", rec.Count(resilience.EventSuccess))
	}

	snap, err := app.Store().Load(context.Background(), res.SagaID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Status != saga.StatusCompleted {
		t.Errorf("snapshot status = %s", snap.Status)
	}
}

func TestRunTask_CompensatesFailedSaga(t *testing.T) {
	rec := &resilience.Recorder{}
	app := newTestApp(t, newTestConfig(), WithEventSink(rec))

	err := app.RunTask(context.Background(), func(ctx context.Context) error {
		res, err := app.Manager().Execute(ctx, orderSaga(true), saga.ExecuteOptions{})
		if err != nil {
			return err
		}
		if res.Status != saga.StatusCompensated {
			t.Errorf("Status = %s, want COMPENSATED", res.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if rec.Count(saga.EventStepCompensated) != 1 {
		t.Errorf("step_compensated events = %d, want 1", rec.Count(saga.EventStepCompensated))
	}
}

func TestRunTask_TaskErrorWins(t *testing.T) {
	app := newTestApp(t, newTestConfig())
	want := errors.New("boom")
	err := app.RunTask(context.Background(), func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("RunTask error = %v, want %v", err, want)
	}
}

func TestManager_RecoversInterruptedSaga(t *testing.T) {
	defs := saga.NewDefinitionRegistry()
	def := orderSaga(false)
	if err := defs.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	app := newTestApp(t, newTestConfig(), WithDefinitions(defs))
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer app.Shutdown(context.Background())
	ctx := context.Background()

	res, err := app.Manager().Execute(ctx, def, saga.ExecuteOptions{SagaID: "order-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Rewind the snapshot to a crash while charge was running.
	snap, err := app.Store().Load(ctx, res.SagaID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap.Status = saga.StatusRunning
	snap.Steps[1].Status = saga.StepRunning
	snap.Steps[1].CompletedBatch = 0
	snap.Batch = 1
	if err := app.Store().Save(ctx, snap, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}

	results, err := app.Manager().Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(results) != 1 || results[0].Status != saga.StatusCompleted {
		t.Fatalf("Recover results = %+v", results)
	}
}

func TestStart_DisableRecovery(t *testing.T) {
	cfg := newTestConfig()
	cfg.Saga.DisableRecovery = true
	app := newTestApp(t, cfg)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer app.Shutdown(context.Background())
	if h := app.Manager().Health(context.Background()); h.Status != component.StatusHealthy {
		t.Errorf("manager health = %+v", h)
	}
}

func TestRegisterComponent(t *testing.T) {
	app := newTestApp(t, newTestConfig())
	c := &mockComponent{
		name:   "cache",
		health: component.Health{Name: "cache", Status: component.StatusHealthy},
	}
	if err := app.RegisterComponent(c); err != nil {
		t.Fatalf("RegisterComponent: %v", err)
	}
	if err := app.RegisterComponent(&mockComponent{name: "cache"}); err == nil {
		t.Error("expected error for duplicate component")
	}

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.started {
		t.Error("component not started")
	}
	all := app.Components.All()
	if last := all[len(all)-1].Name(); last != "saga-manager" {
		t.Errorf("last component = %s, want saga-manager", last)
	}
	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !c.stopped {
		t.Error("component not stopped")
	}
}

func TestStart_ComponentFailureStopsStarted(t *testing.T) {
	app := newTestApp(t, newTestConfig())
	ok := &mockComponent{name: "first"}
	bad := &mockComponent{name: "second", startErr: errors.New("dial tcp: refused")}
	app.RegisterComponent(ok)
	app.RegisterComponent(bad)

	err := app.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start error")
	}
	if !strings.Contains(err.Error(), "refused") {
		t.Errorf("error = %v", err)
	}
	if !ok.stopped {
		t.Error("started component should be stopped after a failed start")
	}
	if app.Manager() != nil {
		t.Error("manager should not start after a failed component")
	}
}

func TestHooksOrder(t *testing.T) {
	app := newTestApp(t, newTestConfig())
	var order []string
	app.OnStart(func(context.Context) error {
		if app.Manager() == nil {
			t.Error("manager should exist in OnStart")
		}
		order = append(order, "start")
		return nil
	})
	app.OnReady(func(context.Context) error {
		order = append(order, "ready")
		return nil
	})
	app.OnStop(func(context.Context) error {
		order = append(order, "stop")
		return nil
	})

	if err := app.RunTask(context.Background(), func(context.Context) error {
		order = append(order, "task")
		return nil
	}); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	want := []string{"start", "ready", "task", "stop"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestHookFailureAbortsStart(t *testing.T) {
	app := newTestApp(t, newTestConfig())
	app.OnReady(func(context.Context) error { return errors.New("warmup failed") })
	if err := app.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "warmup failed") {
		t.Errorf("Start error = %v", err)
	}
}

func TestReadyCheck(t *testing.T) {
	app := newTestApp(t, newTestConfig())
	app.RegisterComponent(&mockComponent{
		name:   "slow",
		health: component.Health{Name: "slow", Status: component.StatusDegraded, Message: "lagging"},
	})
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer app.Shutdown(context.Background())

	err := app.ReadyCheck(context.Background())
	if err == nil || !strings.Contains(err.Error(), "slow=degraded(lagging)") {
		t.Errorf("ReadyCheck = %v", err)
	}
}

func TestSummaryOutput(t *testing.T) {
	defs := saga.NewDefinitionRegistry()
	defs.Register(orderSaga(false))
	var buf bytes.Buffer
	app := newTestApp(t, newTestConfig(), WithDefinitions(defs), WithSummaryOutput(&buf))
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer app.Shutdown(context.Background())

	out := buf.String()
	for _, want := range []string{"orders v1.0.0 started", "Saga Manager: store=memory locker=memory definitions=1", "Saga definitions (1)", "order", "saga-manager: healthy"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPrometheusSink(t *testing.T) {
	cfg := newTestConfig()
	cfg.Observability.Prometheus.Enabled = true
	reg := prometheus.NewRegistry()
	app := newTestApp(t, cfg, WithPrometheusRegisterer(reg))

	err := app.RunTask(context.Background(), func(ctx context.Context) error {
		_, err := app.Manager().Execute(ctx, orderSaga(false), saga.ExecuteOptions{})
		return err
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if n := testutil.CollectAndCount(reg, "sagakit_events_total"); n == 0 {
		t.Error("no sagakit_events_total series collected")
	}
}

func TestTelemetry(t *testing.T) {
	cfg := newTestConfig()
	cfg.Observability.Tracing.Enabled = true
	cfg.Observability.Metrics.Enabled = true
	exporter := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	app := newTestApp(t, cfg, WithSpanExporter(exporter), WithMetricReader(reader))

	err := app.RunTask(context.Background(), func(ctx context.Context) error {
		if _, err := app.Manager().Execute(ctx, orderSaga(false), saga.ExecuteOptions{}); err != nil {
			return err
		}
		tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
		if !ok {
			t.Fatal("global tracer provider not installed")
		}
		if err := tp.ForceFlush(ctx); err != nil {
			return err
		}
		names := map[string]bool{}
		for _, s := range exporter.GetSpans() {
			names[s.Name] = true
		}
		for _, want := range []string{"saga.execute", "saga.step", "resilience.execute"} {
			if !names[want] {
				t.Errorf("span %q not exported; got %v", want, names)
			}
		}

		var rm metricdata.ResourceMetrics
		if err := reader.Collect(ctx, &rm); err != nil {
			return err
		}
		found := false
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if m.Name == "sagakit.events" {
					found = true
				}
			}
		}
		if !found {
			t.Error("sagakit.events metric not collected")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := newTestConfig()
	cfg.Store.Backend = config.BackendRedis
	cfg.Redis.Addr = mr.Addr()
	app := newTestApp(t, cfg)

	if app.Components.Get("redis") == nil {
		t.Fatal("redis component not registered")
	}
	if app.lockerDesc != "redis" {
		t.Errorf("locker = %s, want redis", app.lockerDesc)
	}

	err := app.RunTask(context.Background(), func(ctx context.Context) error {
		res, err := app.Manager().Execute(ctx, orderSaga(false), saga.ExecuteOptions{})
		if err != nil {
			return err
		}
		snap, err := app.Store().Load(ctx, res.SagaID)
		if err != nil {
			return err
		}
		if snap.Status != saga.StatusCompleted {
			t.Errorf("snapshot status = %s", snap.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
}

func TestBadgerBackend(t *testing.T) {
	cfg := newTestConfig()
	cfg.Store.Backend = config.BackendBadger
	cfg.Badger.InMemory = true
	app := newTestApp(t, cfg)

	if app.Components.Get("badger") == nil {
		t.Fatal("badger component not registered")
	}
	err := app.RunTask(context.Background(), func(ctx context.Context) error {
		res, err := app.Manager().Execute(ctx, orderSaga(true), saga.ExecuteOptions{})
		if err != nil {
			return err
		}
		if res.Status != saga.StatusCompensated {
			t.Errorf("Status = %s, want COMPENSATED", res.Status)
		}
		active, err := app.Store().ListActive(ctx)
		if err != nil {
			return err
		}
		if len(active) != 0 {
			t.Errorf("active sagas = %d, want 0", len(active))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
}
