package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/resilience"
	"github.com/kbukum/sagakit/saga"
)

// MeterConfig configures the OpenTelemetry meter provider.
type MeterConfig struct {
	// ServiceName is the name of the service.
	ServiceName string
	// ServiceVersion is the version of the service.
	ServiceVersion string
	// Environment is the deployment environment (dev, staging, prod).
	Environment string
	// Endpoint is the OTLP HTTP endpoint host:port (e.g., "localhost:4318").
	Endpoint string
	// Insecure allows insecure connections (for development).
	Insecure bool
	// Interval is the metric export interval.
	Interval time.Duration
	// Reader overrides the periodic OTLP reader. Tests pass a ManualReader.
	Reader sdkmetric.Reader
}

// DefaultMeterConfig returns sensible defaults for development.
func DefaultMeterConfig(serviceName string) MeterConfig {
	return MeterConfig{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Endpoint:       "localhost:4318",
		Insecure:       true,
		Interval:       15 * time.Second,
	}
}

// InitMeter initializes the OpenTelemetry meter provider.
// Returns a MeterProvider that should be shut down on application exit.
func InitMeter(ctx context.Context, config *MeterConfig) (*sdkmetric.MeterProvider, error) {
	reader := config.Reader
	if reader == nil {
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(config.Endpoint),
		}
		if config.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}

		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}

		readerOpts := []sdkmetric.PeriodicReaderOption{}
		if config.Interval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(config.Interval))
		}
		reader = sdkmetric.NewPeriodicReader(exporter, readerOpts...)
	}

	res, err := newResource(config.ServiceName, config.ServiceVersion, config.Environment)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	logger.Info("meter initialized", logger.Fields(
		"service", config.ServiceName,
		"endpoint", config.Endpoint,
		"interval", config.Interval.String(),
	))

	return mp, nil
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// EventMetrics is an EventSink that records pipeline and saga events as
// OpenTelemetry instruments.
type EventMetrics struct {
	events      metric.Int64Counter
	retryDelay  metric.Float64Histogram
	transitions metric.Int64Counter
	active      metric.Int64UpDownCounter
}

// NewEventMetrics creates the instruments on the given meter.
func NewEventMetrics(meter metric.Meter) (*EventMetrics, error) {
	events, err := meter.Int64Counter("sagakit.events",
		metric.WithDescription("Pipeline and saga events by type and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sagakit.events counter: %w", err)
	}

	retryDelay, err := meter.Float64Histogram("sagakit.retry.delay",
		metric.WithDescription("Backoff delay before a retry"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sagakit.retry.delay histogram: %w", err)
	}

	transitions, err := meter.Int64Counter("sagakit.circuit.transitions",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sagakit.circuit.transitions counter: %w", err)
	}

	active, err := meter.Int64UpDownCounter("sagakit.sagas.active",
		metric.WithDescription("Sagas executing in this process"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sagakit.sagas.active counter: %w", err)
	}

	return &EventMetrics{
		events:      events,
		retryDelay:  retryDelay,
		transitions: transitions,
		active:      active,
	}, nil
}

// Emit records e.
func (m *EventMetrics) Emit(ctx context.Context, e resilience.Event) {
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(e.Type)),
		attribute.String("target", e.Target),
		attribute.String("outcome", e.Outcome),
	))

	switch e.Type {
	case resilience.EventRetryScheduled:
		m.retryDelay.Record(ctx, e.Delay.Seconds(), metric.WithAttributes(
			attribute.String("target", e.Target),
		))
	case resilience.EventCircuitStateChange:
		m.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("target", e.Target),
			attribute.String("from", e.From),
			attribute.String("to", e.To),
		))
	case saga.EventSagaStarted, saga.EventSagaResumed:
		m.active.Add(ctx, 1, metric.WithAttributes(attribute.String("saga", e.Target)))
	case saga.EventSagaCompleted, saga.EventSagaCompensated, saga.EventSagaFailed:
		m.active.Add(ctx, -1, metric.WithAttributes(attribute.String("saga", e.Target)))
	}
}
