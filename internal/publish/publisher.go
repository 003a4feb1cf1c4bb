// ABOUTME: Outbox transport abstraction for signed webhook deliveries
// ABOUTME: New picks the log, http, redis, amqp or kafka implementation from config

package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Transport kinds accepted by New.
const (
	KindLog   = "log"
	KindHTTP  = "http"
	KindRedis = "redis"
	KindAMQP  = "amqp"
	KindKafka = "kafka"
)

// Header names carried by every transport that supports headers.
const (
	HeaderSignature = "X-Shovel-Signature"
	HeaderEvent     = "X-Shovel-Event"
	HeaderDelivery  = "X-Shovel-Delivery"
	HeaderTimestamp = "X-Shovel-Timestamp"
)

// Message is one signed delivery handed to a transport.
type Message struct {
	DeliveryID string
	WebhookID  string
	URL        string
	EventType  string
	Body       []byte
	// Signature is "sha256=<hex>" over "<timestamp>.<body>".
	Signature string
	Timestamp time.Time
}

// Headers returns the metadata every transport attaches to the body.
func (m Message) Headers() map[string]string {
	return map[string]string{
		HeaderSignature: m.Signature,
		HeaderEvent:     m.EventType,
		HeaderDelivery:  m.DeliveryID,
		HeaderTimestamp: fmt.Sprintf("%d", m.Timestamp.Unix()),
	}
}

// Publisher hands a delivery to an external system. A nil error means the
// transport accepted it; retries are the caller's concern.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Config selects and configures a transport.
type Config struct {
	Kind  string
	HTTP  HTTPConfig
	Redis RedisConfig
	AMQP  AMQPConfig
	Kafka KafkaConfig
}

// New builds the publisher named by cfg.Kind. An empty kind means log.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "publisher")

	switch strings.ToLower(cfg.Kind) {
	case "", KindLog:
		return NewLog(logger), nil
	case KindHTTP:
		return NewHTTP(cfg.HTTP, logger), nil
	case KindRedis:
		return NewRedis(ctx, cfg.Redis, logger)
	case KindAMQP:
		return NewAMQP(cfg.AMQP, logger)
	case KindKafka:
		return NewKafka(cfg.Kafka, logger)
	default:
		return nil, fmt.Errorf("unknown publisher kind %q", cfg.Kind)
	}
}

// logPublisher writes deliveries to the log. Useful in development and
// when webhooks are consumed from the audit API instead.
type logPublisher struct {
	logger *slog.Logger
}

// NewLog returns a publisher that only logs.
func NewLog(logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &logPublisher{logger: logger}
}

func (p *logPublisher) Publish(ctx context.Context, msg Message) error {
	p.logger.InfoContext(ctx, "webhook delivery",
		"delivery_id", msg.DeliveryID,
		"webhook_id", msg.WebhookID,
		"event", msg.EventType,
		"url", msg.URL,
		"bytes", len(msg.Body),
	)
	return nil
}

func (p *logPublisher) Close() error { return nil }
