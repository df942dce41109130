package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when an attempt does not finish within its bound.
var ErrTimeout = errors.New("operation timed out")

// WithTimeout runs fn with a context bounded by d. If d elapses first, the
// attempt's context is cancelled, fn's eventual result is discarded and
// ErrTimeout is returned. A cancelled parent context returns the parent's
// error instead. d <= 0 runs fn without a bound.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic in guarded operation: %v", r)}
			}
		}()
		v, err := fn(attemptCtx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return r.val, r.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, ErrTimeout
	}
}

// TimeoutFunc is WithTimeout for functions that return only an error.
func TimeoutFunc(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	_, err := WithTimeout(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
