package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when no permit is available.
var ErrRateLimited = errors.New("rate limit exceeded")

// Strategy selects the rate limiting algorithm.
type Strategy string

const (
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyFixedWindow   Strategy = "fixed_window"
)

// RateLimiterConfig configures a rate limiter.
type RateLimiterConfig struct {
	// Name identifies this rate limiter for events and logging.
	Name string
	// Strategy selects the algorithm. Defaults to StrategyTokenBucket.
	Strategy Strategy
	// Limit is the bucket capacity, or the number of calls allowed per Window.
	Limit int
	// Window is the counting window. For the token bucket it sets the refill
	// rate to Limit per Window unless RefillRate is given.
	Window time.Duration
	// RefillRate overrides the token bucket refill rate in tokens per second.
	RefillRate float64
	// WaitTimeout enables bounded blocking. 0 rejects immediately.
	WaitTimeout time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig(name string) RateLimiterConfig {
	return RateLimiterConfig{
		Name:     name,
		Strategy: StrategyTokenBucket,
		Limit:    20,
		Window:   time.Second,
	}
}

// RateLimiter hands out permits. Implementations are safe for concurrent use.
type RateLimiter interface {
	// Acquire takes one permit, waiting at most the configured WaitTimeout.
	// Returns an error wrapping ErrRateLimited when no permit is available.
	Acquire(ctx context.Context) error
	// Strategy reports the algorithm in use.
	Strategy() Strategy
}

// NewRateLimiter builds the limiter for cfg.Strategy.
func NewRateLimiter(cfg RateLimiterConfig) (RateLimiter, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("rate limiter %q: limit must be > 0", cfg.Name)
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}

	switch cfg.Strategy {
	case "", StrategyTokenBucket:
		return newTokenBucket(cfg), nil
	case StrategySlidingWindow:
		return &slidingWindow{cfg: cfg}, nil
	case StrategyFixedWindow:
		return &fixedWindow{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("rate limiter %q: unknown strategy %q", cfg.Name, cfg.Strategy)
	}
}

// --- token bucket ---

type tokenBucket struct {
	cfg     RateLimiterConfig
	limiter *rate.Limiter
}

func newTokenBucket(cfg RateLimiterConfig) *tokenBucket {
	refill := cfg.RefillRate
	if refill <= 0 {
		refill = float64(cfg.Limit) / cfg.Window.Seconds()
	}
	return &tokenBucket{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(refill), cfg.Limit),
	}
}

func (tb *tokenBucket) Strategy() Strategy { return StrategyTokenBucket }

func (tb *tokenBucket) Acquire(ctx context.Context) error {
	if tb.limiter.Allow() {
		return nil
	}
	if tb.cfg.WaitTimeout <= 0 {
		return ErrRateLimited
	}

	r := tb.limiter.Reserve()
	if !r.OK() {
		return ErrRateLimited
	}
	delay := r.Delay()
	if delay > tb.cfg.WaitTimeout {
		r.Cancel()
		return fmt.Errorf("%w: next token in %s", ErrRateLimited, delay)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Tokens returns the tokens currently in the bucket.
func (tb *tokenBucket) Tokens() float64 {
	return tb.limiter.Tokens()
}

// --- windows ---

// windowCounter is the per-strategy admission rule; it returns how long to
// wait before a permit may become available when it refuses.
type windowCounter interface {
	tryAcquire(now time.Time) (bool, time.Duration)
}

func acquireWindow(ctx context.Context, wc windowCounter, waitTimeout time.Duration) error {
	deadline := time.Now().Add(waitTimeout)
	for {
		ok, wait := wc.tryAcquire(time.Now())
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if waitTimeout <= 0 || remaining <= 0 || wait > remaining {
			return ErrRateLimited
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// slidingWindow keeps the timestamps of admitted calls inside the window.
type slidingWindow struct {
	cfg RateLimiterConfig

	mu     sync.Mutex
	stamps []time.Time
}

func (sw *slidingWindow) Strategy() Strategy { return StrategySlidingWindow }

func (sw *slidingWindow) Acquire(ctx context.Context) error {
	return acquireWindow(ctx, sw, sw.cfg.WaitTimeout)
}

func (sw *slidingWindow) tryAcquire(now time.Time) (bool, time.Duration) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	cutoff := now.Add(-sw.cfg.Window)
	i := 0
	for i < len(sw.stamps) && !sw.stamps[i].After(cutoff) {
		i++
	}
	sw.stamps = sw.stamps[i:]

	if len(sw.stamps) < sw.cfg.Limit {
		sw.stamps = append(sw.stamps, now)
		return true, 0
	}
	return false, sw.stamps[0].Sub(cutoff)
}

// fixedWindow counts calls in aligned windows of cfg.Window.
type fixedWindow struct {
	cfg RateLimiterConfig

	mu    sync.Mutex
	start time.Time
	count int
}

func (fw *fixedWindow) Strategy() Strategy { return StrategyFixedWindow }

func (fw *fixedWindow) Acquire(ctx context.Context) error {
	return acquireWindow(ctx, fw, fw.cfg.WaitTimeout)
}

func (fw *fixedWindow) tryAcquire(now time.Time) (bool, time.Duration) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.start.IsZero() || !now.Before(fw.start.Add(fw.cfg.Window)) {
		fw.start = now.Truncate(fw.cfg.Window)
		fw.count = 0
	}

	if fw.count < fw.cfg.Limit {
		fw.count++
		return true, 0
	}
	return false, fw.start.Add(fw.cfg.Window).Sub(now)
}
