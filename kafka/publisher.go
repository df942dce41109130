package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/sagakit/component"
	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/observability"
	"github.com/kbukum/sagakit/resilience"
)

// MessageWriter is the subset of *kafkago.Writer used by EventPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Stats() kafkago.WriterStats
	Close() error
}

// PublisherStats reports what happened to emitted events.
type PublisherStats struct {
	Published int64         `json:"published"`
	Dropped   int64         `json:"dropped"`
	Failed    int64         `json:"failed"`
	Writer    WriterMetrics `json:"writer"`
}

// Option configures an EventPublisher.
type Option func(*EventPublisher)

// WithWriter makes Start use w instead of dialing the configured brokers.
func WithWriter(w MessageWriter) Option {
	return func(p *EventPublisher) { p.writer = w }
}

// WithRetryBackoff sets the base delay between write attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(p *EventPublisher) { p.backoff = d }
}

// EventPublisher forwards saga events to Kafka. It is both a
// resilience.EventSink and a component.Component.
type EventPublisher struct {
	cfg     Config
	log     *logger.Logger
	writer  MessageWriter
	backoff time.Duration

	mu      sync.RWMutex
	queue   chan resilience.Event
	running bool
	lastErr error
	wg      sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

var (
	_ resilience.EventSink = (*EventPublisher)(nil)
	_ component.Component  = (*EventPublisher)(nil)
)

// NewEventPublisher creates a publisher. Nothing is written until Start.
func NewEventPublisher(cfg Config, log *logger.Logger, opts ...Option) *EventPublisher {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	p := &EventPublisher{
		cfg:     cfg,
		log:     log.WithComponent("kafka"),
		backoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the component name.
func (p *EventPublisher) Name() string { return "kafka" }

// Start creates the writer and launches the background publish loop.
func (p *EventPublisher) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		p.log.Info("Kafka event publishing disabled")
		return nil
	}
	if err := p.cfg.Validate(); err != nil {
		return fmt.Errorf("kafka config: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if p.writer == nil {
		w, err := newWriter(&p.cfg)
		if err != nil {
			return fmt.Errorf("kafka writer: %w", err)
		}
		p.writer = w
	}
	p.queue = make(chan resilience.Event, p.cfg.BufferSize)
	p.running = true

	p.wg.Add(1)
	go p.loop(p.queue)

	p.log.Info("Kafka event publisher started", logger.Fields(
		"brokers", strings.Join(p.cfg.Brokers, ","),
		"topic", p.cfg.Topic,
	))
	return nil
}

func newWriter(cfg *Config) (*kafkago.Writer, error) {
	transport, err := CreateTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Balancer:     &kafkago.Hash{},
		MaxAttempts:  cfg.Retries,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: ParseDuration(cfg.BatchTimeout),
		WriteTimeout: ParseDuration(cfg.WriteTimeout),
		RequiredAcks: kafkago.RequiredAcks(cfg.RequiredAcks),
		Compression:  ResolveCompression(cfg.Compression),
		Transport:    transport,
	}, nil
}

// Emit queues e for publishing. It never blocks: events emitted before
// Start, after Stop or while the queue is full are dropped.
func (p *EventPublisher) Emit(_ context.Context, e resilience.Event) {
	if !p.cfg.IncludePipelineEvents && isPipelineEvent(e.Type) {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return
	}
	select {
	case p.queue <- e:
	default:
		if p.dropped.Add(1) == 1 {
			p.log.Warn("Kafka event queue full, dropping events", logger.Fields(
				"buffer_size", p.cfg.BufferSize,
			))
		}
	}
}

func isPipelineEvent(t resilience.EventType) bool {
	switch t {
	case resilience.EventRateLimited, resilience.EventBulkheadRejected,
		resilience.EventCircuitStateChange, resilience.EventCircuitRejected,
		resilience.EventAttempt, resilience.EventRetryScheduled,
		resilience.EventTimeout, resilience.EventSuccess, resilience.EventFailure:
		return true
	}
	return false
}

// loop drains the queue in batches until it is closed.
func (p *EventPublisher) loop(queue <-chan resilience.Event) {
	defer p.wg.Done()
	batch := make([]resilience.Event, 0, p.cfg.BatchSize)

	for e := range queue {
		batch = append(batch[:0], e)
	fill:
		for len(batch) < p.cfg.BatchSize {
			select {
			case next, ok := <-queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		p.publish(batch)
	}
}

func (p *EventPublisher) publish(events []resilience.Event) {
	ctx, span := observability.StartSpan(context.Background(), observability.SpanEventPublish)
	defer span.End()
	observability.SetSpanAttribute(ctx, "messaging.destination", p.cfg.Topic)
	observability.SetSpanAttribute(ctx, "messaging.batch.message_count", len(events))

	msgs := make([]kafkago.Message, 0, len(events))
	for _, e := range events {
		msg, err := NewEnvelope(e, p.cfg.Source).Message(p.cfg.Topic)
		if err != nil {
			p.failed.Add(1)
			p.log.Warn("Dropping unencodable event", logger.ErrorFields("encode", err))
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}

	err := p.write(ctx, msgs)
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()

	if err != nil {
		p.failed.Add(int64(len(msgs)))
		observability.SetSpanError(ctx, err)
		p.log.Error("Failed to publish saga events", logger.Fields(
			logger.FieldOperation, "publish",
			logger.FieldError, err.Error(),
			"count", len(msgs),
		))
		return
	}
	p.published.Add(int64(len(msgs)))
}

func (p *EventPublisher) write(ctx context.Context, msgs []kafkago.Message) error {
	var err error
	for attempt := 1; attempt <= p.cfg.Retries; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, ParseDuration(p.cfg.WriteTimeout))
		err = p.writer.WriteMessages(wctx, msgs...)
		cancel()
		if err == nil || !IsRetryableError(err) || attempt == p.cfg.Retries {
			return err
		}
		p.log.Debug("Retrying kafka write", logger.Fields(
			logger.FieldAttempt, attempt,
			logger.FieldError, err.Error(),
		))
		time.Sleep(p.backoff * time.Duration(attempt))
	}
	return err
}

// Stop closes the queue, waits for queued events to be written and closes
// the writer.
func (p *EventPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.queue)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	var waitErr error
	select {
	case <-drained:
	case <-ctx.Done():
		waitErr = fmt.Errorf("kafka publisher drain: %w", ctx.Err())
	}

	st := p.Stats()
	p.log.Info("Kafka event publisher stopped", logger.Fields(
		"published", st.Published,
		"dropped", st.Dropped,
		"failed", st.Failed,
	))
	return errors.Join(waitErr, p.writer.Close())
}

// Health reports unhealthy before Start and degraded while the last write failed.
func (p *EventPublisher) Health(_ context.Context) component.Health {
	if !p.cfg.Enabled {
		return component.Health{Name: p.Name(), Status: component.StatusHealthy, Message: "disabled"}
	}

	p.mu.RLock()
	running, lastErr := p.running, p.lastErr
	p.mu.RUnlock()

	switch {
	case !running:
		return component.Health{Name: p.Name(), Status: component.StatusUnhealthy, Message: "publisher not running"}
	case lastErr != nil:
		return component.Health{Name: p.Name(), Status: component.StatusDegraded, Message: fmt.Sprintf("last write failed: %v", lastErr)}
	}
	st := p.Stats()
	return component.Health{
		Name:    p.Name(),
		Status:  component.StatusHealthy,
		Message: fmt.Sprintf("published=%d dropped=%d", st.Published, st.Dropped),
	}
}

// Describe returns infrastructure summary info for the bootstrap display.
func (p *EventPublisher) Describe() component.Description {
	return component.Description{
		Name:    "Kafka",
		Type:    "kafka",
		Details: fmt.Sprintf("brokers=%s topic=%s", strings.Join(p.cfg.Brokers, ","), p.cfg.Topic),
	}
}

// Stats returns publish counters and, once started, writer metrics.
func (p *EventPublisher) Stats() PublisherStats {
	st := PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
	p.mu.RLock()
	w := p.writer
	p.mu.RUnlock()
	if w != nil {
		st.Writer = CollectWriterMetrics(w.Stats())
	}
	return st
}
