// ABOUTME: AMQP transport: publishes persistent JSON messages to a topic exchange
// ABOUTME: Routing key defaults to the event type so consumers can bind per event

package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the amqp transport.
type AMQPConfig struct {
	URL      string
	Exchange string
	// RoutingKey overrides the per-event routing key when set.
	RoutingKey string
}

type amqpPublisher struct {
	conn       *amqp091.Connection
	exchange   string
	routingKey string
	logger     *slog.Logger
}

// NewAMQP dials the broker and declares a durable topic exchange.
func NewAMQP(cfg AMQPConfig, logger *slog.Logger) (Publisher, error) {
	if cfg.URL == "" || cfg.Exchange == "" {
		return nil, errors.New("amqp publisher: url and exchange are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", cfg.Exchange, err)
	}
	return &amqpPublisher{conn: conn, exchange: cfg.Exchange, routingKey: cfg.RoutingKey, logger: logger}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, msg Message) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	headers := amqp091.Table{"webhook_id": msg.WebhookID, "url": msg.URL}
	for k, v := range msg.Headers() {
		headers[k] = v
	}
	key := p.routingKey
	if key == "" {
		key = msg.EventType
	}
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.DeliveryID,
		Timestamp:    msg.Timestamp,
		Headers:      headers,
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", p.exchange, err)
	}
	p.logger.DebugContext(ctx, "published", "exchange", p.exchange, "key", key, "delivery_id", msg.DeliveryID)
	return nil
}

func (p *amqpPublisher) Close() error {
	return p.conn.Close()
}
