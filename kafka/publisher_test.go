package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/sagakit/component"
	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/resilience"
	"github.com/kbukum/sagakit/saga"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	calls  int
	errs   []error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		if err != nil {
			return err
		}
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Stats() kafkago.WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return kafkago.WriterStats{Writes: int64(w.calls), Messages: int64(len(w.msgs)), Topic: "saga.events"}
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafkago.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafkago.Message(nil), w.msgs...)
}

func startPublisher(t *testing.T, cfg Config, w *fakeWriter) *EventPublisher {
	t.Helper()
	cfg.Enabled = true
	p := NewEventPublisher(cfg, logger.Nop(), WithWriter(w), WithRetryBackoff(time.Millisecond))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p
}

func sagaEvent(t resilience.EventType, sagaID string) resilience.Event {
	return resilience.Event{
		Type:      t,
		Target:    "order",
		SagaID:    sagaID,
		Timestamp: time.Now(),
		Outcome:   "RUNNING",
	}
}

func TestEventPublisher_PublishesSagaEvents(t *testing.T) {
	w := &fakeWriter{}
	p := startPublisher(t, Config{Topic: "orders.saga"}, w)

	p.Emit(context.Background(), sagaEvent(saga.EventSagaStarted, "s-1"))
	p.Emit(context.Background(), sagaEvent(resilience.EventAttempt, "s-1"))
	p.Emit(context.Background(), sagaEvent(saga.EventStepCompleted, "s-1"))

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	msgs := w.messages()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2 (pipeline events filtered)", len(msgs))
	}
	for _, msg := range msgs {
		if msg.Topic != "orders.saga" || string(msg.Key) != "s-1" {
			t.Errorf("topic/key = %q/%q", msg.Topic, msg.Key)
		}
		if header(msg, HeaderEventSource) != "sagakit" || header(msg, HeaderEventID) == "" {
			t.Errorf("headers = %v", msg.Headers)
		}
	}
	env, err := DecodeEnvelope(msgs[1])
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Type != string(saga.EventStepCompleted) || env.Data.SagaID != "s-1" {
		t.Errorf("envelope = %+v", env)
	}
	if !w.closed {
		t.Error("writer not closed on Stop")
	}
	if st := p.Stats(); st.Published != 2 || st.Writer.Messages != 2 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestEventPublisher_IncludePipelineEvents(t *testing.T) {
	w := &fakeWriter{}
	p := startPublisher(t, Config{IncludePipelineEvents: true}, w)

	p.Emit(context.Background(), sagaEvent(resilience.EventAttempt, ""))
	p.Emit(context.Background(), sagaEvent(resilience.EventCircuitStateChange, ""))
	p.Stop(context.Background())

	msgs := w.messages()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if string(msgs[0].Key) != "order" {
		t.Errorf("key without saga ID = %q, want target", msgs[0].Key)
	}
}

func TestEventPublisher_RetriesTemporaryErrors(t *testing.T) {
	w := &fakeWriter{errs: []error{kafkago.LeaderNotAvailable, nil}}
	p := startPublisher(t, Config{}, w)

	p.Emit(context.Background(), sagaEvent(saga.EventSagaCompleted, "s-2"))
	p.Stop(context.Background())

	if w.calls != 2 {
		t.Errorf("write calls = %d, want 2", w.calls)
	}
	if st := p.Stats(); st.Published != 1 || st.Failed != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestEventPublisher_PermanentErrorDegradesHealth(t *testing.T) {
	w := &fakeWriter{errs: []error{kafkago.MessageSizeTooLarge}}
	p := startPublisher(t, Config{}, w)

	p.Emit(context.Background(), sagaEvent(saga.EventSagaFailed, "s-3"))
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Failed == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if w.calls != 1 {
		t.Errorf("write calls = %d, want 1", w.calls)
	}
	if h := p.Health(context.Background()); h.Status != component.StatusDegraded {
		t.Errorf("Health = %+v, want degraded", h)
	}
	p.Stop(context.Background())
}

func TestEventPublisher_DropsWhenNotRunning(t *testing.T) {
	w := &fakeWriter{}
	p := NewEventPublisher(Config{Enabled: true}, nil, WithWriter(w))

	p.Emit(context.Background(), sagaEvent(saga.EventSagaStarted, "s-4"))
	if h := p.Health(context.Background()); h.Status != component.StatusUnhealthy {
		t.Errorf("Health before Start = %+v", h)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}

	p.Start(context.Background())
	p.Stop(context.Background())
	p.Emit(context.Background(), sagaEvent(saga.EventSagaStarted, "s-4"))

	if n := len(w.messages()); n != 0 {
		t.Errorf("published %d messages, want 0", n)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	p := NewEventPublisher(Config{}, logger.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h := p.Health(context.Background()); h.Status != component.StatusHealthy || h.Message != "disabled" {
		t.Errorf("Health = %+v", h)
	}
	p.Emit(context.Background(), sagaEvent(saga.EventSagaStarted, "s-5"))
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestEventPublisher_WithManager(t *testing.T) {
	w := &fakeWriter{}
	p := startPublisher(t, Config{}, w)
	m := saga.NewManager(saga.DefaultConfig(), saga.WithEventSink(p), saga.WithLogger(logger.Nop()))

	def := saga.NewDefinition("order",
		saga.Step{
			Name:       "reserve",
			Execute:    func(context.Context, *saga.StepContext) (any, error) { return "r-1", nil },
			Compensate: func(context.Context, *saga.StepContext) error { return nil },
		},
		saga.Step{
			Name:        "charge",
			MaxAttempts: 1,
			Execute: func(context.Context, *saga.StepContext) (any, error) {
				return nil, errors.New("card declined")
			},
		},
	)
	res, err := m.Execute(context.Background(), def, saga.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != saga.StatusCompensated {
		t.Fatalf("Status = %s, want COMPENSATED", res.Status)
	}
	p.Stop(context.Background())

	types := map[string]int{}
	for _, msg := range w.messages() {
		if string(msg.Key) != res.SagaID {
			t.Errorf("key = %q, want saga ID %q", msg.Key, res.SagaID)
		}
		types[header(msg, HeaderEventType)]++
	}
	for _, want := range []resilience.EventType{saga.EventSagaStarted, saga.EventStepFailed, saga.EventStepCompensated, saga.EventSagaCompensated} {
		if types[string(want)] == 0 {
			t.Errorf("no %s event published; got %v", want, types)
		}
	}
	if types[string(resilience.EventAttempt)] != 0 {
		t.Errorf("pipeline events published: %v", types)
	}
}
