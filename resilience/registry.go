package resilience

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Policy bundles the layer configuration for one target.
// Nil fields disable the layer, a zero Timeout runs attempts unbounded.
type Policy struct {
	CircuitBreaker *CircuitBreakerConfig
	Retry          *RetryConfig
	Timeout        time.Duration
	Bulkhead       *BulkheadConfig
	RateLimiter    *RateLimiterConfig
}

// DefaultPolicy enables every layer except rate limiting.
func DefaultPolicy() Policy {
	cb := DefaultCircuitBreakerConfig("")
	retry := DefaultRetryConfig()
	bh := DefaultBulkheadConfig("")
	return Policy{
		CircuitBreaker: &cb,
		Retry:          &retry,
		Timeout:        30 * time.Second,
		Bulkhead:       &bh,
	}
}

// IsEmpty returns true if no layer is configured.
func (p Policy) IsEmpty() bool {
	return p.CircuitBreaker == nil && p.Retry == nil && p.Timeout <= 0 &&
		p.Bulkhead == nil && p.RateLimiter == nil
}

type opKey struct{ target, operation string }

type tenantKey struct{ target, tenant string }

// Registry owns the shared resilience state: one circuit breaker and one
// bulkhead per (target, operation) and one rate limiter per (target, tenant).
// It is created by the host and handed to every pipeline that should share it.
type Registry struct {
	defaults Policy
	sink     EventSink

	mu        sync.Mutex
	policies  map[string]Policy
	breakers  map[opKey]*CircuitBreaker
	bulkheads map[opKey]*Bulkhead
	limiters  map[tenantKey]RateLimiter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEventSink sets the sink that receives events for state owned by the
// registry and for pipelines built on it.
func WithEventSink(sink EventSink) RegistryOption {
	return func(r *Registry) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithTargetPolicy overrides the default policy for one target.
func WithTargetPolicy(target string, p Policy) RegistryOption {
	return func(r *Registry) { r.policies[target] = p }
}

// NewRegistry creates a registry whose targets use defaults unless overridden.
func NewRegistry(defaults Policy, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults:  defaults,
		sink:      NopSink{},
		policies:  make(map[string]Policy),
		breakers:  make(map[opKey]*CircuitBreaker),
		bulkheads: make(map[opKey]*Bulkhead),
		limiters:  make(map[tenantKey]RateLimiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sink returns the registry's event sink.
func (r *Registry) Sink() EventSink { return r.sink }

// Policy returns the effective policy for target.
func (r *Registry) Policy(target string) Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policyLocked(target)
}

func (r *Registry) policyLocked(target string) Policy {
	if p, ok := r.policies[target]; ok {
		return p
	}
	return r.defaults
}

// SetPolicy replaces the policy for target. Instances already created for
// the target are dropped and rebuilt on next use.
func (r *Registry) SetPolicy(target string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[target] = p
	for k := range r.breakers {
		if k.target == target {
			delete(r.breakers, k)
		}
	}
	for k := range r.bulkheads {
		if k.target == target {
			delete(r.bulkheads, k)
		}
	}
	for k := range r.limiters {
		if k.target == target {
			delete(r.limiters, k)
		}
	}
}

// CircuitBreaker returns the shared breaker for (target, operation), or nil
// if the target's policy disables it.
func (r *Registry) CircuitBreaker(target, operation string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := opKey{target, operation}
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	p := r.policyLocked(target)
	if p.CircuitBreaker == nil {
		return nil
	}

	cfg := *p.CircuitBreaker
	cfg.Name = breakerName(target, operation)
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		r.sink.Emit(context.Background(), Event{
			Type:      EventCircuitStateChange,
			Target:    target,
			Operation: operation,
			Timestamp: time.Now(),
			Outcome:   to.String(),
			From:      from.String(),
			To:        to.String(),
		})
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	cb := NewCircuitBreaker(cfg)
	r.breakers[key] = cb
	return cb
}

// Bulkhead returns the shared bulkhead for (target, operation), or nil.
func (r *Registry) Bulkhead(target, operation string) *Bulkhead {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := opKey{target, operation}
	if bh, ok := r.bulkheads[key]; ok {
		return bh
	}
	p := r.policyLocked(target)
	if p.Bulkhead == nil {
		return nil
	}

	cfg := *p.Bulkhead
	cfg.Name = breakerName(target, operation)
	bh := NewBulkhead(cfg)
	r.bulkheads[key] = bh
	return bh
}

// RateLimiter returns the shared limiter for (target, tenant), or nil.
func (r *Registry) RateLimiter(target, tenant string) (RateLimiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tenantKey{target, tenant}
	if rl, ok := r.limiters[key]; ok {
		return rl, nil
	}
	p := r.policyLocked(target)
	if p.RateLimiter == nil {
		return nil, nil
	}

	cfg := *p.RateLimiter
	cfg.Name = target
	rl, err := NewRateLimiter(cfg)
	if err != nil {
		return nil, err
	}
	r.limiters[key] = rl
	return rl, nil
}

// Reset closes the breaker for (target, operation) if one exists.
func (r *Registry) Reset(target, operation string) {
	r.mu.Lock()
	cb := r.breakers[opKey{target, operation}]
	r.mu.Unlock()
	if cb != nil {
		cb.Reset()
	}
}

// BreakerStatus describes one breaker for health reporting.
type BreakerStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Breakers returns the status of every breaker created so far, sorted by name.
func (r *Registry) Breakers() []BreakerStatus {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.Unlock()

	out := make([]BreakerStatus, 0, len(list))
	for _, cb := range list {
		out = append(out, BreakerStatus{
			Name:     cb.Name(),
			State:    cb.State().String(),
			Failures: cb.Failures(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func breakerName(target, operation string) string {
	if operation == "" {
		return target
	}
	return target + "/" + operation
}
