package bootstrap

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/resilience"
	"github.com/kbukum/sagakit/saga"
)

// Option configures the App during creation.
type Option func(*appOptions)

// appOptions collects all option values before applying to App.
type appOptions struct {
	logger          *logger.Logger
	gracefulTimeout *time.Duration
	definitions     *saga.DefinitionRegistry
	sinks           []resilience.EventSink
	registerer      prometheus.Registerer
	spanExporter    sdktrace.SpanExporter
	metricReader    sdkmetric.Reader
	summaryOut      io.Writer
}

// resolveOptions applies all options and returns the collected values.
func resolveOptions(opts []Option) *appOptions {
	o := &appOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets a custom logger for the application.
// If not set, the logger is initialized from the config's Logging field.
func WithLogger(l *logger.Logger) Option {
	return func(o *appOptions) {
		o.logger = l
	}
}

// WithGracefulTimeout sets the maximum duration for graceful shutdown.
func WithGracefulTimeout(d time.Duration) Option {
	return func(o *appOptions) {
		o.gracefulTimeout = &d
	}
}

// WithDefinitions sets the registry the manager resumes sagas from.
func WithDefinitions(r *saga.DefinitionRegistry) Option {
	return func(o *appOptions) {
		o.definitions = r
	}
}

// WithEventSink adds a sink next to the configured ones.
func WithEventSink(s resilience.EventSink) Option {
	return func(o *appOptions) {
		o.sinks = append(o.sinks, s)
	}
}

// WithPrometheusRegisterer sets where the Prometheus sink registers its
// collectors. Defaults to prometheus.DefaultRegisterer.
func WithPrometheusRegisterer(r prometheus.Registerer) Option {
	return func(o *appOptions) {
		o.registerer = r
	}
}

// WithSpanExporter replaces the OTLP trace exporter when tracing is enabled.
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(o *appOptions) {
		o.spanExporter = e
	}
}

// WithMetricReader replaces the OTLP metric reader when metrics are enabled.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *appOptions) {
		o.metricReader = r
	}
}

// WithSummaryOutput sets where the startup summary is written. Defaults
// to stdout; io.Discard silences it.
func WithSummaryOutput(w io.Writer) Option {
	return func(o *appOptions) {
		o.summaryOut = w
	}
}
