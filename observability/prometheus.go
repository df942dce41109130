package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kbukum/sagakit/resilience"
	"github.com/kbukum/sagakit/saga"
)

// PrometheusConfig configures a PrometheusSink.
type PrometheusConfig struct {
	// Namespace prefixes every metric (default "sagakit").
	Namespace string
	// Registerer receives the collectors. Nil uses prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// DurationBuckets are the saga duration histogram buckets in seconds.
	DurationBuckets []float64
}

// DefaultPrometheusConfig returns the default configuration.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Namespace:       "sagakit",
		Registerer:      prometheus.DefaultRegisterer,
		DurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}
}

// PrometheusSink is an EventSink exporting events as Prometheus collectors.
type PrometheusSink struct {
	events       *prometheus.CounterVec
	retryDelay   *prometheus.HistogramVec
	circuitState *prometheus.GaugeVec
	active       *prometheus.GaugeVec
	duration     *prometheus.HistogramVec

	mu      sync.Mutex
	started map[string]time.Time
}

// NewPrometheusSink creates and registers the collectors.
func NewPrometheusSink(cfg PrometheusConfig) (*PrometheusSink, error) {
	def := DefaultPrometheusConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Registerer == nil {
		cfg.Registerer = def.Registerer
	}
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = def.DurationBuckets
	}

	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "events_total",
			Help:      "Pipeline and saga events by type, target and outcome.",
		}, []string{"type", "target", "outcome"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay before a retry.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"target"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"target"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "sagas_active",
			Help:      "Sagas executing in this process.",
		}, []string{"saga"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "saga_duration_seconds",
			Help:      "Saga execution time from start or resume to a terminal status.",
			Buckets:   cfg.DurationBuckets,
		}, []string{"saga", "status"}),
		started: make(map[string]time.Time),
	}

	for _, c := range []prometheus.Collector{s.events, s.retryDelay, s.circuitState, s.active, s.duration} {
		if err := cfg.Registerer.Register(c); err != nil {
			return nil, fmt.Errorf("registering prometheus collector: %w", err)
		}
	}
	return s, nil
}

func circuitValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// Emit records e.
func (s *PrometheusSink) Emit(_ context.Context, e resilience.Event) {
	s.events.WithLabelValues(string(e.Type), e.Target, e.Outcome).Inc()

	switch e.Type {
	case resilience.EventRetryScheduled:
		s.retryDelay.WithLabelValues(e.Target).Observe(e.Delay.Seconds())
	case resilience.EventCircuitStateChange:
		s.circuitState.WithLabelValues(e.Target).Set(circuitValue(e.To))
	case saga.EventSagaStarted, saga.EventSagaResumed:
		s.active.WithLabelValues(e.Target).Inc()
		s.mu.Lock()
		s.started[e.SagaID] = e.Timestamp
		s.mu.Unlock()
	case saga.EventSagaCompleted, saga.EventSagaCompensated, saga.EventSagaFailed:
		s.active.WithLabelValues(e.Target).Dec()
		s.mu.Lock()
		start, ok := s.started[e.SagaID]
		delete(s.started, e.SagaID)
		s.mu.Unlock()
		if ok {
			s.duration.WithLabelValues(e.Target, terminalStatus(e.Type)).Observe(e.Timestamp.Sub(start).Seconds())
		}
	}
}

func terminalStatus(t resilience.EventType) string {
	switch t {
	case saga.EventSagaCompleted:
		return string(saga.StatusCompleted)
	case saga.EventSagaCompensated:
		return string(saga.StatusCompensated)
	default:
		return string(saga.StatusFailed)
	}
}
