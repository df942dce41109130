package resilience

import (
	"context"
	"sync"
	"time"
)

// EventType names a pipeline or saga transition.
type EventType string

// Pipeline events.
const (
	EventRateLimited        EventType = "rate_limited"
	EventBulkheadRejected   EventType = "bulkhead_rejected"
	EventCircuitStateChange EventType = "circuit_state_change"
	EventCircuitRejected    EventType = "circuit_rejected"
	EventAttempt            EventType = "attempt"
	EventRetryScheduled     EventType = "retry_scheduled"
	EventTimeout            EventType = "timeout"
	EventSuccess            EventType = "success"
	EventFailure            EventType = "failure"
)

// Outcome values carried by events.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Event is the structured record pushed to the observability sink on every
// layer transition.
type Event struct {
	Type      EventType     `json:"type"`
	Target    string        `json:"target"`
	Operation string        `json:"operation,omitempty"`
	Tenant    string        `json:"tenant,omitempty"`
	SagaID    string        `json:"saga_id,omitempty"`
	StepID    string        `json:"step_id,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
}

// EventSink receives events. Emit must not block for long; it runs inline
// with the call being observed.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, e Event)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// NopSink discards events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, Event) {}

// Recorder is an EventSink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends e.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
