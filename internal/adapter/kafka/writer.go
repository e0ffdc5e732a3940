package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
)

const (
	publishAttempts   = 3
	initialBackoff    = 200 * time.Millisecond
	maxPublishBackoff = 2 * time.Second
)

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes batch completion events to a Kafka topic.
// It implements pipeline.EventPublisher.
type Writer struct {
	writer messageWriter
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishBatchCompleted writes one event, keyed by batch id. Transient write
// errors are retried a few times with backoff.
func (w *Writer) PublishBatchCompleted(ctx context.Context, event domain.BatchCompleted) error {
	msg, err := serializeToMessage(event)
	if err != nil {
		return err
	}

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err = w.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		if attempt == publishAttempts || ctx.Err() != nil {
			return fmt.Errorf("publish batch %d: %w", event.BatchID, err)
		}
		w.logger.Warn("publish failed, retrying", "batch_id", event.BatchID, "attempt", attempt, "error", err)
		if !sharedretry.SleepWithContext(ctx, backoff) {
			return fmt.Errorf("publish batch %d: %w", event.BatchID, ctx.Err())
		}
		backoff = sharedretry.NextBackoff(backoff, maxPublishBackoff)
	}
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a BatchCompleted event into a Kafka message.
func serializeToMessage(event domain.BatchCompleted) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize batch event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.Itoa(event.BatchID)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte("batch_completed")},
			{Key: "sky_type", Value: []byte(event.SkyType)},
			{Key: "completed_at", Value: []byte(event.CompletedAt.Format(time.RFC3339))},
		},
	}, nil
}

// DecodeBatchCompleted parses a message produced by PublishBatchCompleted.
func DecodeBatchCompleted(msg kafkago.Message) (domain.BatchCompleted, error) {
	var event domain.BatchCompleted
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return domain.BatchCompleted{}, fmt.Errorf("decode batch event: %w", err)
	}
	return event, nil
}
