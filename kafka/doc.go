// Package kafka publishes saga lifecycle events to a Kafka topic and reads
// them back.
//
// EventPublisher is a resilience.EventSink: attach it to a saga.Manager (or
// fan it out with other sinks) and every saga and step transition is queued,
// wrapped in an Envelope and written by a background goroutine through a
// segmentio/kafka-go Writer. Messages are keyed by saga ID so one saga's
// events land on one partition in order. Emit never blocks the saga; when
// the queue is full the event is dropped and counted.
//
// EventReader decodes envelopes from the same topic and backs
// `sagactl watch`.
//
//	kafka:
//	  enabled: true
//	  brokers: ["localhost:9092"]
//	  topic: "saga.events"
//	  include_pipeline_events: false
package kafka
