package realtime

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/segmentio/kafka-go"

	"github.com/basin-tech/basin/core"
	"github.com/basin-tech/basin/core/logger"
)

// KafkaSink mirrors change events to a kafka topic. It is an optional
// second sink next to the in-process hub, for consumers that live outside
// the process.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Publish writes the event keyed by collection, so per-collection ordering
// survives partitioning. Delivery errors are logged; the mutation has
// already committed and is not rolled back for a sink failure.
func (s *KafkaSink) Publish(event core.Event) {
	data, err := json.MarshalWithOption(event, json.DisableHTMLEscape())
	if err != nil {
		logger.Default().WithError(err).Error("cannot marshal change event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Collection),
		Value: data,
	})
	if err != nil {
		logger.Default().WithError(err).Errorf("cannot publish change event for %s", event.Collection)
	}
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
