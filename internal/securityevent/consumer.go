package securityevent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one consumed event. Errors are logged; the message is still committed.
type Handler func(ctx context.Context, e Event, raw []byte) error

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads security events from Kafka with a consumer group.
type Consumer struct {
	reader         messageReader
	logger         *zap.Logger
	handlerTimeout time.Duration
}

// NewKafkaConsumer returns a consumer for topic in group groupID. Call Close when done.
func NewKafkaConsumer(brokers []string, topic, groupID string, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
	return newConsumer(reader, logger)
}

func newConsumer(r messageReader, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{reader: r, logger: logger, handlerTimeout: 10 * time.Second}
}

// Run reads until ctx is cancelled, passing each decodable event to h. Undecodable messages
// are logged and skipped. Returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("securityevent: kafka read failed", zap.Error(err))
			continue
		}
		var e Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			c.logger.Warn("securityevent: undecodable message", zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
		if err := h(hctx, e, msg.Value); err != nil {
			c.logger.Warn("securityevent: handler failed",
				zap.String("type", e.Type), zap.String("correlation_id", e.CorrelationID), zap.Error(err))
		}
		cancel()
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
