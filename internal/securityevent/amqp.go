package securityevent

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPPublisher publishes events to a durable RabbitMQ topic exchange. The routing key is
// "security.<event type>".
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPPublisher dials RabbitMQ with a bounded timeout and declares the exchange.
func NewAMQPPublisher(amqpURL, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exchange == "" {
		return nil, errors.New("securityevent: exchange is required")
	}
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	p := &AMQPPublisher{conn: conn, exchange: exchange, logger: logger}
	if err := p.reopen(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// reopen replaces the channel and re-declares the exchange. Callers hold mu or own p exclusively.
func (p *AMQPPublisher) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	p.channel = ch
	return nil
}

// Publish sends the event as JSON. A failed publish reopens the channel and retries once.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     e.OccurredAt,
		CorrelationId: e.CorrelationID,
		Type:          e.Type,
		Body:          body,
	}
	key := "security." + e.Type

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, key, false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("securityevent: amqp publish failed, reopening channel", zap.String("exchange", p.exchange), zap.Error(err))
	if rerr := p.reopen(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, key, false, false, msg)
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
		p.channel = nil
	}
	if p.conn != nil && !p.conn.IsClosed() {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
