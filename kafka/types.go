package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/sagakit/resilience"
)

// Header keys set on every published message.
const (
	HeaderEventID     = "event-id"
	HeaderEventType   = "event-type"
	HeaderEventSource = "event-source"
	HeaderContentType = "content-type"
)

// Envelope is the wire form of a published event.
type Envelope struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	Source      string           `json:"source"`
	ContentType string           `json:"content_type"`
	Version     string           `json:"version"`
	Timestamp   time.Time        `json:"timestamp"`
	Subject     string           `json:"subject,omitempty"`
	Data        resilience.Event `json:"data"`
}

// NewEnvelope wraps e. The subject is the saga ID, falling back to the target.
func NewEnvelope(e resilience.Event, source string) Envelope {
	subject := e.SagaID
	if subject == "" {
		subject = e.Target
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Envelope{
		ID:          uuid.NewString(),
		Type:        string(e.Type),
		Source:      source,
		ContentType: "application/json",
		Version:     "1.0",
		Timestamp:   ts,
		Subject:     subject,
		Data:        e,
	}
}

// Message encodes the envelope for topic. The subject is the partition
// key so all events of one saga stay ordered.
func (env Envelope) Message(topic string) (kafkago.Message, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return kafkago.Message{
		Topic: topic,
		Key:   []byte(env.Subject),
		Value: data,
		Time:  env.Timestamp,
		Headers: []kafkago.Header{
			{Key: HeaderEventID, Value: []byte(env.ID)},
			{Key: HeaderEventType, Value: []byte(env.Type)},
			{Key: HeaderEventSource, Value: []byte(env.Source)},
			{Key: HeaderContentType, Value: []byte(env.ContentType)},
		},
	}, nil
}

// DecodeEnvelope parses a message written by EventPublisher.
func DecodeEnvelope(msg kafkago.Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope at offset %d: %w", msg.Offset, err)
	}
	return env, nil
}

// header returns the value of key in msg, or "".
func header(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
