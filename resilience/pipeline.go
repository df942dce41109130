package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/sagakit/component"
	apperrors "github.com/kbukum/sagakit/errors"
	"github.com/kbukum/sagakit/logger"
)

const tracerName = "github.com/kbukum/sagakit/resilience"

// Call describes one invocation of a target through the pipeline.
type Call struct {
	// Target names the downstream dependency. Required.
	Target string
	// Operation names the action on the target. Breakers and bulkheads are
	// shared per (Target, Operation).
	Operation string
	// Tenant selects the rate limiter bucket. Empty shares one bucket per target.
	Tenant string
	// Timeout overrides the policy's per-attempt timeout when > 0.
	Timeout time.Duration
	// MaxAttempts overrides the policy's retry attempts when > 0.
	MaxAttempts int
	// Fn is the operation. It receives the attempt's context.
	Fn func(ctx context.Context) (any, error)
}

// Pipeline composes the resilience layers in a fixed order:
//
//	RateLimiter → Bulkhead → CircuitBreaker → Retry → Timeout (per attempt) → Fn
//
// Every layer transition is pushed to the registry's EventSink. Rejections
// and final failures are returned as *errors.AppError wrapping the layer's
// sentinel, so both errors.Is(err, ErrCircuitOpen) and
// apperrors.HasCode(err, apperrors.ErrCodeCircuitOpen) hold.
type Pipeline struct {
	registry *Registry
	log      *logger.Logger
	tracer   trace.Tracer
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *logger.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) PipelineOption {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// NewPipeline creates a pipeline over the shared state in reg.
// A nil registry gets a private one with DefaultPolicy.
func NewPipeline(reg *Registry, opts ...PipelineOption) *Pipeline {
	if reg == nil {
		reg = NewRegistry(DefaultPolicy())
	}
	p := &Pipeline{
		registry: reg,
		log:      logger.Get("resilience"),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the registry backing the pipeline.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Execute runs call.Fn through every configured layer.
func (p *Pipeline) Execute(ctx context.Context, call Call) (any, error) {
	if call.Target == "" {
		return nil, apperrors.InvalidInput("target", "is required")
	}
	if call.Fn == nil {
		return nil, apperrors.InvalidInput("fn", "is required")
	}

	ctx, span := p.tracer.Start(ctx, "resilience.execute", trace.WithAttributes(
		attribute.String("resilience.target", call.Target),
		attribute.String("resilience.operation", call.Operation),
	))
	defer span.End()

	policy := p.registry.Policy(call.Target)
	base := p.baseEvent(ctx, call)
	log := p.log.WithContext(ctx).WithFields(logger.Fields(
		logger.FieldTarget, call.Target,
		logger.FieldOperation, call.Operation,
	))

	// Layer 1: rate limiter
	rl, err := p.registry.RateLimiter(call.Target, call.Tenant)
	if err != nil {
		return nil, p.fail(span, apperrors.Internal(err))
	}
	if rl != nil {
		if err := rl.Acquire(ctx); err != nil {
			if isContextError(err) {
				return nil, p.fail(span, err)
			}
			p.emit(ctx, base, EventRateLimited, OutcomeRejected, 0, err)
			log.Warn("rate limited", logger.Fields(logger.FieldTenant, call.Tenant))
			return nil, p.fail(span, apperrors.RateLimited(call.Target, call.Tenant).WithCause(err))
		}
	}

	// Layer 2: bulkhead
	if bh := p.registry.Bulkhead(call.Target, call.Operation); bh != nil {
		release, err := bh.Acquire(ctx)
		if err != nil {
			if isContextError(err) {
				return nil, p.fail(span, err)
			}
			p.emit(ctx, base, EventBulkheadRejected, OutcomeRejected, 0, err)
			log.Warn("bulkhead rejected call")
			return nil, p.fail(span, apperrors.BulkheadFull(call.Target).WithCause(err))
		}
		defer release()
	}

	// Layer 3: circuit breaker around the whole retry sequence
	var result any
	run := func() error {
		var runErr error
		result, runErr = p.retry(ctx, call, policy, base, log)
		return runErr
	}

	if cb := p.registry.CircuitBreaker(call.Target, call.Operation); cb != nil {
		invoked := false
		err = cb.Execute(func() error {
			invoked = true
			return run()
		})
		if !invoked && errors.Is(err, ErrCircuitOpen) {
			p.emit(ctx, base, EventCircuitRejected, OutcomeRejected, 0, err)
			log.Warn("circuit open, call rejected")
			return nil, p.fail(span, apperrors.CircuitOpen(call.Target).WithCause(err))
		}
	} else {
		err = run()
	}

	if err != nil {
		p.emit(ctx, base, EventFailure, OutcomeError, 0, err)
		return nil, p.fail(span, err)
	}
	p.emit(ctx, base, EventSuccess, OutcomeOK, 0, nil)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// retry runs the attempts, each bounded by the timeout guard, and maps the
// final error.
func (p *Pipeline) retry(ctx context.Context, call Call, policy Policy, base Event, log *logger.Logger) (any, error) {
	timeout := policy.Timeout
	if call.Timeout > 0 {
		timeout = call.Timeout
	}
	label := call.Operation
	if label == "" {
		label = call.Target
	}

	attempts := 0
	attempt := func() (any, error) {
		attempts++
		ev := base
		ev.Attempt = attempts
		p.emit(ctx, ev, EventAttempt, "", 0, nil)

		v, err := WithTimeout(ctx, timeout, call.Fn)
		if errors.Is(err, ErrTimeout) {
			p.emit(ctx, ev, EventTimeout, OutcomeError, 0, err)
			log.Warn("attempt timed out", logger.Fields(
				logger.FieldAttempt, attempts,
				"timeout", timeout.String(),
			))
			return nil, apperrors.Timeout(label).WithCause(err).WithDetail("timeout", timeout.String())
		}
		return v, err
	}

	if policy.Retry == nil && call.MaxAttempts <= 0 {
		v, err := attempt()
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr, err)
		}
		if apperrors.IsAppError(err) {
			return nil, err
		}
		return nil, apperrors.TargetError(call.Target, err)
	}

	cfg := DefaultRetryConfig()
	if policy.Retry != nil {
		cfg = *policy.Retry
	}
	if call.MaxAttempts > 0 {
		cfg.MaxAttempts = call.MaxAttempts
	}
	cfg.applyDefaults()

	userOnRetry := cfg.OnRetry
	cfg.OnRetry = func(n int, err error, delay time.Duration) {
		ev := base
		ev.Attempt = n
		p.emit(ctx, ev, EventRetryScheduled, OutcomeError, delay, err)
		log.Debug("retry scheduled", logger.Fields(
			logger.FieldAttempt, n,
			logger.FieldError, err.Error(),
			"delay_ms", delay.Milliseconds(),
		))
		if userOnRetry != nil {
			userOnRetry(n, err, delay)
		}
	}

	v, err := Retry(ctx, cfg, attempt)
	if err == nil {
		return v, nil
	}
	if isContextError(err) {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, cancelled(ctxErr, err)
	}
	if attempts >= cfg.MaxAttempts && cfg.RetryIf(err) {
		return nil, apperrors.MaxRetriesExceeded(call.Target, attempts, err)
	}
	return nil, apperrors.TargetError(call.Target, err)
}

// Health reports degraded while any breaker is open.
func (p *Pipeline) Health(_ context.Context) component.Health {
	h := component.Health{Name: "resilience", Status: component.StatusHealthy}
	for _, b := range p.registry.Breakers() {
		if b.State == StateOpen.String() {
			h.Status = component.StatusDegraded
			h.Message = fmt.Sprintf("circuit %s is open", b.Name)
			break
		}
	}
	return h
}

func (p *Pipeline) baseEvent(ctx context.Context, call Call) Event {
	sagaID, stepID := logger.SagaFromContext(ctx)
	return Event{
		Target:    call.Target,
		Operation: call.Operation,
		Tenant:    call.Tenant,
		SagaID:    sagaID,
		StepID:    stepID,
	}
}

func (p *Pipeline) emit(ctx context.Context, ev Event, t EventType, outcome string, delay time.Duration, err error) {
	ev.Type = t
	ev.Outcome = outcome
	ev.Timestamp = time.Now()
	ev.Delay = delay
	if err != nil {
		ev.Error = err.Error()
	}
	p.registry.Sink().Emit(ctx, ev)
}

func (p *Pipeline) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if code := apperrors.CodeOf(err); code != "" {
		span.SetAttributes(attribute.String("error.code", string(code)))
	}
	return err
}

// Do is Execute with a typed result.
func Do[T any](ctx context.Context, p *Pipeline, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	call.Fn = func(ctx context.Context) (any, error) {
		return fn(ctx)
	}
	v, err := p.Execute(ctx, call)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, nil
	}
	return out, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// cancelled reports the caller's cancellation while keeping the last
// attempt's error in the message.
func cancelled(ctxErr, last error) error {
	return fmt.Errorf("%w (last error: %v)", ctxErr, last)
}
