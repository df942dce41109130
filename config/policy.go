package config

import (
	"time"

	"github.com/kbukum/sagakit/resilience"
)

// PolicyConfig is the file form of resilience.Policy. A nil section
// disables that layer.
type PolicyConfig struct {
	Timeout        time.Duration         `yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`
	Retry          *RetryPolicy          `yaml:"retry,omitempty" mapstructure:"retry"`
	CircuitBreaker *CircuitBreakerPolicy `yaml:"circuit_breaker,omitempty" mapstructure:"circuit_breaker"`
	Bulkhead       *BulkheadPolicy       `yaml:"bulkhead,omitempty" mapstructure:"bulkhead"`
	RateLimiter    *RateLimiterPolicy    `yaml:"rate_limiter,omitempty" mapstructure:"rate_limiter"`
}

// RetryPolicy configures the retry layer.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`
	BaseDelay      time.Duration `yaml:"base_delay" mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay       time.Duration `yaml:"max_delay" mapstructure:"max_delay" validate:"gte=0"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier" validate:"gte=0"`
	JitterFraction float64       `yaml:"jitter_fraction" mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
}

// CircuitBreakerPolicy configures the circuit breaker layer.
type CircuitBreakerPolicy struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=1"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" mapstructure:"recovery_timeout" validate:"gt=0"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" mapstructure:"half_open_max_calls" validate:"gte=0"`
}

// BulkheadPolicy configures the bulkhead layer.
type BulkheadPolicy struct {
	MaxConcurrent int           `yaml:"max_concurrent" mapstructure:"max_concurrent" validate:"gte=1"`
	Policy        string        `yaml:"policy" mapstructure:"policy" validate:"omitempty,oneof=reject queue"`
	QueueSize     int           `yaml:"queue_size" mapstructure:"queue_size" validate:"gte=0"`
	MaxWait       time.Duration `yaml:"max_wait" mapstructure:"max_wait" validate:"gte=0"`
}

// RateLimiterPolicy configures the rate limiter layer.
type RateLimiterPolicy struct {
	Strategy    string        `yaml:"strategy" mapstructure:"strategy" validate:"omitempty,oneof=token_bucket sliding_window fixed_window"`
	Limit       int           `yaml:"limit" mapstructure:"limit" validate:"gte=1"`
	Window      time.Duration `yaml:"window" mapstructure:"window" validate:"gte=0"`
	RefillRate  float64       `yaml:"refill_rate" mapstructure:"refill_rate" validate:"gte=0"`
	WaitTimeout time.Duration `yaml:"wait_timeout" mapstructure:"wait_timeout" validate:"gte=0"`
}

// DefaultPolicyConfig mirrors resilience.DefaultPolicy.
func DefaultPolicyConfig() PolicyConfig {
	return FromPolicy(resilience.DefaultPolicy())
}

// FromPolicy converts p to its file form. Callbacks are not carried over.
func FromPolicy(p resilience.Policy) PolicyConfig {
	pc := PolicyConfig{Timeout: p.Timeout}
	if r := p.Retry; r != nil {
		pc.Retry = &RetryPolicy{
			MaxAttempts:    r.MaxAttempts,
			BaseDelay:      r.BaseDelay,
			MaxDelay:       r.MaxDelay,
			Multiplier:     r.Multiplier,
			JitterFraction: r.JitterFraction,
		}
	}
	if cb := p.CircuitBreaker; cb != nil {
		pc.CircuitBreaker = &CircuitBreakerPolicy{
			FailureThreshold: cb.FailureThreshold,
			RecoveryTimeout:  cb.RecoveryTimeout,
			HalfOpenMaxCalls: cb.HalfOpenMaxCalls,
		}
	}
	if bh := p.Bulkhead; bh != nil {
		pc.Bulkhead = &BulkheadPolicy{
			MaxConcurrent: bh.MaxConcurrent,
			Policy:        string(bh.Policy),
			QueueSize:     bh.QueueSize,
			MaxWait:       bh.MaxWait,
		}
	}
	if rl := p.RateLimiter; rl != nil {
		pc.RateLimiter = &RateLimiterPolicy{
			Strategy:    string(rl.Strategy),
			Limit:       rl.Limit,
			Window:      rl.Window,
			RefillRate:  rl.RefillRate,
			WaitTimeout: rl.WaitTimeout,
		}
	}
	return pc
}

// IsZero reports whether no field is set.
func (pc PolicyConfig) IsZero() bool {
	return pc.Timeout == 0 && pc.Retry == nil && pc.CircuitBreaker == nil &&
		pc.Bulkhead == nil && pc.RateLimiter == nil
}

// ToPolicy converts the file form to a resilience.Policy. The registry
// fills in per-target names.
func (pc PolicyConfig) ToPolicy() resilience.Policy {
	p := resilience.Policy{Timeout: pc.Timeout}
	if r := pc.Retry; r != nil {
		rc := resilience.DefaultRetryConfig()
		rc.MaxAttempts = r.MaxAttempts
		rc.BaseDelay = r.BaseDelay
		rc.MaxDelay = r.MaxDelay
		rc.Multiplier = r.Multiplier
		rc.JitterFraction = r.JitterFraction
		p.Retry = &rc
	}
	if cb := pc.CircuitBreaker; cb != nil {
		cbc := resilience.DefaultCircuitBreakerConfig("")
		cbc.FailureThreshold = cb.FailureThreshold
		cbc.RecoveryTimeout = cb.RecoveryTimeout
		if cb.HalfOpenMaxCalls > 0 {
			cbc.HalfOpenMaxCalls = cb.HalfOpenMaxCalls
		}
		p.CircuitBreaker = &cbc
	}
	if bh := pc.Bulkhead; bh != nil {
		bhc := resilience.DefaultBulkheadConfig("")
		bhc.MaxConcurrent = bh.MaxConcurrent
		if bh.Policy != "" {
			bhc.Policy = resilience.BulkheadPolicy(bh.Policy)
		}
		bhc.QueueSize = bh.QueueSize
		bhc.MaxWait = bh.MaxWait
		p.Bulkhead = &bhc
	}
	if rl := pc.RateLimiter; rl != nil {
		rlc := resilience.DefaultRateLimiterConfig("")
		if rl.Strategy != "" {
			rlc.Strategy = resilience.Strategy(rl.Strategy)
		}
		rlc.Limit = rl.Limit
		if rl.Window > 0 {
			rlc.Window = rl.Window
		}
		rlc.RefillRate = rl.RefillRate
		rlc.WaitTimeout = rl.WaitTimeout
		p.RateLimiter = &rlc
	}
	return p
}
