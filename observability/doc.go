// Package observability exports saga and resilience events to logs,
// OpenTelemetry and Prometheus, and sets up the OTLP trace and metric
// providers the saga manager and pipeline report spans to.
//
// Every sink implements resilience.EventSink and can be passed to
// saga.WithEventSink or resilience.WithEventSink:
//
//	prom, err := observability.NewPrometheusSink(observability.DefaultPrometheusConfig())
//	otelMetrics, err := observability.NewEventMetrics(observability.Meter("orders"))
//	sink := observability.Fanout(observability.NewLogSink(log), prom, otelMetrics)
//	mgr := saga.NewManager(cfg, saga.WithEventSink(sink))
//
// Tracing:
//
//	tp, err := observability.InitTracer(ctx, observability.DefaultTracerConfig("orders"))
//	defer tp.Shutdown(ctx)
//
// Health:
//
//	report := observability.CheckRegistry(ctx, "orders", version, registry)
package observability
