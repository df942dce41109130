package observability

import (
	"context"

	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/resilience"
	"github.com/kbukum/sagakit/saga"
)

// Fanout returns a sink that forwards every event to each of sinks in order.
// Nil sinks are skipped.
func Fanout(sinks ...resilience.EventSink) resilience.EventSink {
	out := make([]resilience.EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return fanout(out)
}

type fanout []resilience.EventSink

func (f fanout) Emit(ctx context.Context, e resilience.Event) {
	for _, s := range f {
		s.Emit(ctx, e)
	}
}

// LogSink writes events to a structured logger. Failures and rejections are
// logged at warn, saga and step transitions at info, the rest at debug.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a LogSink. A nil logger uses the "events" logger.
func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.Get("events")
	}
	return &LogSink{log: log}
}

// Emit logs e.
func (s *LogSink) Emit(ctx context.Context, e resilience.Event) {
	fields := logger.Fields(
		"event", string(e.Type),
		logger.FieldTarget, e.Target,
		"outcome", e.Outcome,
	)
	if e.Operation != "" {
		fields[logger.FieldOperation] = e.Operation
	}
	if e.Tenant != "" {
		fields[logger.FieldTenant] = e.Tenant
	}
	if e.SagaID != "" {
		fields[logger.FieldSagaID] = e.SagaID
	}
	if e.StepID != "" {
		fields[logger.FieldStepID] = e.StepID
	}
	if e.Attempt > 0 {
		fields[logger.FieldAttempt] = e.Attempt
	}
	if e.Delay > 0 {
		fields["delay_ms"] = e.Delay.Milliseconds()
	}
	if e.From != "" {
		fields["from"] = e.From
		fields["to"] = e.To
	}
	if e.Error != "" {
		fields[logger.FieldError] = e.Error
	}

	log := s.log.WithContext(ctx)
	switch {
	case e.Outcome == resilience.OutcomeRejected,
		e.Type == saga.EventSagaFailed,
		e.Type == saga.EventCompensationFailed,
		e.Type == saga.EventSnapshotWriteFailure:
		log.Warn("event", fields)
	case e.Type == saga.EventSagaStarted,
		e.Type == saga.EventSagaResumed,
		e.Type == saga.EventSagaCompleted,
		e.Type == saga.EventSagaCompensated,
		e.Type == saga.EventStepFailed,
		e.Type == resilience.EventCircuitStateChange:
		log.Info("event", fields)
	default:
		log.Debug("event", fields)
	}
}
