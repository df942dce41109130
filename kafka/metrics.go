package kafka

import (
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// WriterMetrics is the publisher-side view of kafkago.WriterStats.
// kafka-go resets its counters on every Stats call, so values are deltas
// since the previous call.
type WriterMetrics struct {
	Batches      int64         `json:"batches"`
	Messages     int64         `json:"messages"`
	Bytes        int64         `json:"bytes"`
	Errors       int64         `json:"errors"`
	Retries      int64         `json:"retries"`
	AvgWriteTime time.Duration `json:"avg_write_time"`
	MaxWriteTime time.Duration `json:"max_write_time"`
}

// ReaderMetrics is the consumer-side view of kafkago.ReaderStats.
type ReaderMetrics struct {
	Topic     string `json:"topic"`
	Partition string `json:"partition"`
	Messages  int64  `json:"messages"`
	Errors    int64  `json:"errors"`
	Offset    int64  `json:"offset"`
	Lag       int64  `json:"lag"`
}

// Fields returns the metrics as log fields.
func (m ReaderMetrics) Fields() map[string]interface{} {
	return map[string]interface{}{
		"topic":    m.Topic,
		"messages": m.Messages,
		"errors":   m.Errors,
		"offset":   m.Offset,
		"lag":      m.Lag,
	}
}

// CollectWriterMetrics converts writer stats.
func CollectWriterMetrics(stats kafkago.WriterStats) WriterMetrics {
	return WriterMetrics{
		Batches:      stats.Writes,
		Messages:     stats.Messages,
		Bytes:        stats.Bytes,
		Errors:       stats.Errors,
		Retries:      stats.Retries,
		AvgWriteTime: stats.WriteTime.Avg,
		MaxWriteTime: stats.WriteTime.Max,
	}
}

// CollectReaderMetrics converts reader stats.
func CollectReaderMetrics(stats kafkago.ReaderStats) ReaderMetrics {
	return ReaderMetrics{
		Topic:     stats.Topic,
		Partition: stats.Partition,
		Messages:  stats.Messages,
		Errors:    stats.Errors,
		Offset:    stats.Offset,
		Lag:       stats.Lag,
	}
}
