package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/sagakit/component"
	apperrors "github.com/kbukum/sagakit/errors"
	"github.com/kbukum/sagakit/logger"
)

func testPolicy() Policy {
	cb := CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour}
	retry := fastRetry(3)
	bh := BulkheadConfig{MaxConcurrent: 2}
	return Policy{
		CircuitBreaker: &cb,
		Retry:          &retry,
		Timeout:        time.Second,
		Bulkhead:       &bh,
	}
}

func newTestPipeline(p Policy) (*Pipeline, *Recorder) {
	rec := &Recorder{}
	reg := NewRegistry(p, WithEventSink(rec))
	return NewPipeline(reg, WithLogger(logger.Nop())), rec
}

func TestPipeline_Success(t *testing.T) {
	p, rec := newTestPipeline(testPolicy())

	got, err := Do(context.Background(), p, Call{Target: "inventory", Operation: "reserve"},
		func(ctx context.Context) (string, error) {
			return "ok", nil
		})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
	if rec.Count(EventAttempt) != 1 || rec.Count(EventSuccess) != 1 {
		t.Errorf("expected one attempt and one success event, got %+v", rec.Events())
	}
}

func TestPipeline_RetriesThenSucceeds(t *testing.T) {
	p, rec := newTestPipeline(testPolicy())

	var calls int
	_, err := p.Execute(context.Background(), Call{
		Target: "payments",
		Fn: func(ctx context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("glitch")
			}
			return 1, nil
		},
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if rec.Count(EventRetryScheduled) != 2 {
		t.Errorf("expected 2 retry events, got %d", rec.Count(EventRetryScheduled))
	}
	if cb := p.Registry().CircuitBreaker("payments", ""); cb.Failures() != 0 {
		t.Errorf("transient failures must not count against the breaker, got %d", cb.Failures())
	}
}

func TestPipeline_MaxRetriesExceeded(t *testing.T) {
	p, rec := newTestPipeline(testPolicy())
	cause := errors.New("down")

	_, err := p.Execute(context.Background(), Call{
		Target: "payments",
		Fn: func(ctx context.Context) (any, error) {
			return nil, cause
		},
	})

	if !apperrors.HasCode(err, apperrors.ErrCodeMaxRetriesExceeded) {
		t.Errorf("expected MAX_RETRIES_EXCEEDED, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected the last error to be preserved as cause")
	}
	if rec.Count(EventFailure) != 1 {
		t.Errorf("expected one failure event, got %d", rec.Count(EventFailure))
	}
}

func TestPipeline_NonRetryableIsTargetError(t *testing.T) {
	p, _ := newTestPipeline(testPolicy())
	var calls int

	_, err := p.Execute(context.Background(), Call{
		Target: "payments",
		Fn: func(ctx context.Context) (any, error) {
			calls++
			return nil, Permanent(errors.New("card declined"))
		},
	})

	if !apperrors.HasCode(err, apperrors.ErrCodeTargetError) {
		t.Errorf("expected TARGET_ERROR, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPipeline_PerCallMaxAttempts(t *testing.T) {
	p, _ := newTestPipeline(testPolicy())
	var calls int

	_, _ = p.Execute(context.Background(), Call{
		Target:      "payments",
		MaxAttempts: 5,
		Fn: func(ctx context.Context) (any, error) {
			calls++
			return nil, errors.New("down")
		},
	})

	if calls != 5 {
		t.Errorf("expected 5 calls, got %d", calls)
	}
}

func TestPipeline_TimeoutIsPerAttempt(t *testing.T) {
	p, rec := newTestPipeline(testPolicy())
	var calls atomic.Int32

	start := time.Now()
	_, err := p.Execute(context.Background(), Call{
		Target:  "shipping",
		Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context) (any, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	if !apperrors.HasCode(err, apperrors.ErrCodeMaxRetriesExceeded) {
		t.Errorf("expected MAX_RETRIES_EXCEEDED, got %v", err)
	}
	if !apperrors.HasCode(err, apperrors.ErrCodeTimeout) {
		t.Errorf("expected TIMEOUT in the chain, got %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout in the chain, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected each of 3 attempts to run, got %d", calls.Load())
	}
	if rec.Count(EventTimeout) != 3 {
		t.Errorf("expected 3 timeout events, got %d", rec.Count(EventTimeout))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeouts did not bound attempts, took %s", elapsed)
	}
}

func TestPipeline_CircuitOpensAndRejects(t *testing.T) {
	cb := CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour}
	p, rec := newTestPipeline(Policy{CircuitBreaker: &cb})

	var calls int
	call := Call{
		Target:    "inventory",
		Operation: "reserve",
		Fn: func(ctx context.Context) (any, error) {
			calls++
			return nil, errors.New("down")
		},
	}

	for i := 0; i < 3; i++ {
		_, _ = p.Execute(context.Background(), call)
	}

	start := time.Now()
	_, err := p.Execute(context.Background(), call)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if elapsed > 20*time.Millisecond {
		t.Errorf("rejected call took %s, expected it to fail fast", elapsed)
	}
	if !apperrors.HasCode(err, apperrors.ErrCodeCircuitOpen) {
		t.Errorf("expected CIRCUIT_OPEN, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected the target not to be invoked a fourth time, got %d calls", calls)
	}
	if rec.Count(EventCircuitRejected) != 1 {
		t.Errorf("expected 1 rejection event, got %d", rec.Count(EventCircuitRejected))
	}
	if rec.Count(EventCircuitStateChange) != 1 {
		t.Errorf("expected 1 state change event, got %d", rec.Count(EventCircuitStateChange))
	}

	h := p.Health(context.Background())
	if h.Status != component.StatusDegraded {
		t.Errorf("expected degraded health, got %s", h.Status)
	}

	p.Registry().Reset("inventory", "reserve")
	if h := p.Health(context.Background()); h.Status != component.StatusHealthy {
		t.Errorf("expected healthy after reset, got %s", h.Status)
	}
}

func TestPipeline_BreakerSharedPerOperation(t *testing.T) {
	cb := CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour}
	p, _ := newTestPipeline(Policy{CircuitBreaker: &cb})

	fail := func(ctx context.Context) (any, error) { return nil, errors.New("down") }
	_, _ = p.Execute(context.Background(), Call{Target: "svc", Operation: "a", Fn: fail})

	_, err := p.Execute(context.Background(), Call{Target: "svc", Operation: "b", Fn: func(ctx context.Context) (any, error) {
		return "ok", nil
	}})
	if err != nil {
		t.Errorf("breaker for another operation must stay closed, got %v", err)
	}

	p2 := NewPipeline(p.Registry(), WithLogger(logger.Nop()))
	_, err = p2.Execute(context.Background(), Call{Target: "svc", Operation: "a", Fn: fail})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("pipelines on one registry share breakers, got %v", err)
	}
}

func TestPipeline_BulkheadRejects(t *testing.T) {
	bh := BulkheadConfig{MaxConcurrent: 1}
	p, rec := newTestPipeline(Policy{Bulkhead: &bh})

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Execute(context.Background(), Call{Target: "svc", Fn: func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}})
	}()
	<-started

	_, err := p.Execute(context.Background(), Call{Target: "svc", Fn: func(ctx context.Context) (any, error) {
		t.Error("rejected call must not run")
		return nil, nil
	}})

	close(release)
	wg.Wait()

	if !apperrors.HasCode(err, apperrors.ErrCodeBulkheadFull) {
		t.Errorf("expected BULKHEAD_FULL, got %v", err)
	}
	if !errors.Is(err, ErrBulkheadFull) {
		t.Errorf("expected ErrBulkheadFull in the chain, got %v", err)
	}
	if rec.Count(EventBulkheadRejected) != 1 {
		t.Errorf("expected 1 bulkhead event, got %d", rec.Count(EventBulkheadRejected))
	}
}

func TestPipeline_RateLimitedPerTenant(t *testing.T) {
	rl := RateLimiterConfig{Limit: 1, RefillRate: 0.001}
	p, rec := newTestPipeline(Policy{RateLimiter: &rl})

	ok := func(ctx context.Context) (any, error) { return nil, nil }

	if _, err := p.Execute(context.Background(), Call{Target: "svc", Tenant: "acme", Fn: ok}); err != nil {
		t.Fatalf("expected first call to pass, got %v", err)
	}
	_, err := p.Execute(context.Background(), Call{Target: "svc", Tenant: "acme", Fn: ok})
	if !apperrors.HasCode(err, apperrors.ErrCodeRateLimited) {
		t.Errorf("expected RATE_LIMITED, got %v", err)
	}
	if _, err := p.Execute(context.Background(), Call{Target: "svc", Tenant: "globex", Fn: ok}); err != nil {
		t.Errorf("another tenant has its own bucket, got %v", err)
	}
	if rec.Count(EventRateLimited) != 1 {
		t.Errorf("expected 1 rate limit event, got %d", rec.Count(EventRateLimited))
	}
}

func TestPipeline_EventsCarrySagaIdentifiers(t *testing.T) {
	p, rec := newTestPipeline(testPolicy())
	ctx := logger.ContextWithSaga(context.Background(), "saga-1", "step-1")

	_, _ = p.Execute(ctx, Call{Target: "svc", Operation: "op", Fn: func(ctx context.Context) (any, error) {
		return nil, nil
	}})

	events := rec.Events()
	if len(events) == 0 {
		t.Fatal("expected events")
	}
	for _, e := range events {
		if e.SagaID != "saga-1" || e.StepID != "step-1" {
			t.Errorf("event %s missing saga identifiers: %+v", e.Type, e)
		}
		if e.Target != "svc" || e.Operation != "op" {
			t.Errorf("event %s missing target: %+v", e.Type, e)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("event %s has no timestamp", e.Type)
		}
	}
}

func TestPipeline_NoLayers(t *testing.T) {
	p, _ := newTestPipeline(Policy{})
	cause := errors.New("boom")

	_, err := p.Execute(context.Background(), Call{Target: "svc", Fn: func(ctx context.Context) (any, error) {
		return nil, cause
	}})

	if !apperrors.HasCode(err, apperrors.ErrCodeTargetError) {
		t.Errorf("expected TARGET_ERROR, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause preserved")
	}
}

func TestPipeline_CallerCancellation(t *testing.T) {
	p, _ := newTestPipeline(testPolicy())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := p.Execute(ctx, Call{Target: "svc", Fn: func(ctx context.Context) (any, error) {
		cancel()
		return nil, errors.New("interrupted")
	}})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if cb := p.Registry().CircuitBreaker("svc", ""); cb.Failures() != 0 {
		t.Errorf("cancellation must not count against the breaker, got %d", cb.Failures())
	}
}

func TestPipeline_CancellationKeepsBreakerCount(t *testing.T) {
	cb := CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}
	p, _ := newTestPipeline(Policy{CircuitBreaker: &cb})
	breaker := p.Registry().CircuitBreaker("payments", "charge")

	fail := func(ctx context.Context) (any, error) { return nil, errors.New("down") }
	_, _ = p.Execute(context.Background(), Call{Target: "payments", Operation: "charge", Fn: fail})
	if breaker.Failures() != 1 {
		t.Fatalf("expected 1 failure, got %d", breaker.Failures())
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err := p.Execute(ctx, Call{Target: "payments", Operation: "charge", Fn: func(ctx context.Context) (any, error) {
		cancel()
		return nil, errors.New("down")
	}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if breaker.Failures() != 1 || breaker.State() != StateClosed {
		t.Errorf("cancelled call changed breaker: failures=%d state=%s", breaker.Failures(), breaker.State())
	}

	_, _ = p.Execute(context.Background(), Call{Target: "payments", Operation: "charge", Fn: fail})
	if breaker.State() != StateOpen {
		t.Errorf("expected StateOpen after second real failure, got %s", breaker.State())
	}
}

func TestPipeline_Validation(t *testing.T) {
	p, _ := newTestPipeline(testPolicy())

	if _, err := p.Execute(context.Background(), Call{Fn: func(ctx context.Context) (any, error) { return nil, nil }}); !apperrors.HasCode(err, apperrors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT for missing target, got %v", err)
	}
	if _, err := p.Execute(context.Background(), Call{Target: "svc"}); !apperrors.HasCode(err, apperrors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT for missing fn, got %v", err)
	}
}
