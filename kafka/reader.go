package kafka

import (
	"context"
	"errors"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/sagakit/logger"
)

// MessageReader is the subset of *kafkago.Reader used by EventReader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Stats() kafkago.ReaderStats
	Close() error
}

// EventReader decodes envelopes written by EventPublisher.
type EventReader struct {
	r      MessageReader
	commit bool
	log    *logger.Logger
}

// NewEventReader dials the configured topic. With a GroupID offsets are
// committed after each decoded message; without one the reader starts at
// the latest offset of partition 0.
func NewEventReader(cfg Config, log *logger.Logger) (*EventReader, error) {
	cfg.ApplyDefaults()
	dialer, err := CreateDialer(&cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka dialer: %w", err)
	}
	rc := kafkago.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		Dialer:      dialer,
		MaxWait:     ParseDuration(cfg.ReadTimeout),
		StartOffset: kafkago.LastOffset,
	}
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka reader config: %w", err)
	}
	return NewEventReaderFrom(kafkago.NewReader(rc), cfg.GroupID != "", log), nil
}

// NewEventReaderFrom wraps an existing reader.
func NewEventReaderFrom(r MessageReader, commit bool, log *logger.Logger) *EventReader {
	if log == nil {
		log = logger.Nop()
	}
	return &EventReader{r: r, commit: commit, log: log.WithComponent("kafka")}
}

// Next blocks until the next envelope arrives. Messages without an event-id
// header and messages that fail to decode are skipped.
func (r *EventReader) Next(ctx context.Context) (Envelope, error) {
	for {
		msg, err := r.r.FetchMessage(ctx)
		if err != nil {
			return Envelope{}, err
		}

		if header(msg, HeaderEventID) == "" {
			r.ack(ctx, msg)
			continue
		}
		env, err := DecodeEnvelope(msg)
		if err != nil {
			r.log.Warn("Skipping undecodable event", logger.ErrorFields("decode", err))
			r.ack(ctx, msg)
			continue
		}
		r.ack(ctx, msg)
		return env, nil
	}
}

func (r *EventReader) ack(ctx context.Context, msg kafkago.Message) {
	if !r.commit {
		return
	}
	if err := r.r.CommitMessages(ctx, msg); err != nil {
		r.log.Warn("Offset commit failed", logger.Fields(
			logger.FieldOperation, "commit",
			logger.FieldError, err.Error(),
			"offset", msg.Offset,
		))
	}
}

// Watch calls fn for every envelope until ctx is cancelled or fn returns an
// error. Cancellation is not reported as an error.
func (r *EventReader) Watch(ctx context.Context, fn func(Envelope) error) error {
	for {
		env, err := r.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

// Stats returns reader metrics.
func (r *EventReader) Stats() ReaderMetrics {
	return CollectReaderMetrics(r.r.Stats())
}

// Close closes the underlying reader.
func (r *EventReader) Close() error {
	return r.r.Close()
}
