// Package resilience provides the call pipeline used for every outbound
// saga step and compensation.
//
// This package includes:
//   - CircuitBreaker: fails fast after consecutive failures
//   - Retry: retries failed attempts with capped exponential backoff and jitter
//   - WithTimeout: bounds a single attempt
//   - Bulkhead: limits concurrent calls, rejecting or queueing the excess
//   - RateLimiter: token bucket, sliding window and fixed window admission
//
// A Registry holds the shared instances for each target and a Pipeline
// composes them in a fixed order:
//
//	reg := resilience.NewRegistry(resilience.DefaultPolicy(),
//	    resilience.WithEventSink(sink))
//	p := resilience.NewPipeline(reg)
//
//	out, err := resilience.Do(ctx, p, resilience.Call{
//	    Target:    "payments",
//	    Operation: "charge",
//	}, func(ctx context.Context) (*Receipt, error) {
//	    return client.Charge(ctx, req)
//	})
package resilience
