// ABOUTME: Kafka transport: writes each delivery to a topic keyed by webhook id
// ABOUTME: Keying by webhook keeps one subscription's deliveries in order on a partition

package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the kafka transport.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type kafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafka builds a synchronous writer. Brokers are dialed lazily on the
// first write.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) (Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka publisher: brokers and topic are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &kafkaPublisher{writer: w, logger: logger}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, msg Message) error {
	headers := []kafka.Header{
		{Key: "webhook_id", Value: []byte(msg.WebhookID)},
		{Key: "url", Value: []byte(msg.URL)},
	}
	for k, v := range msg.Headers() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.WebhookID),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("writing to %s: %w", p.writer.Topic, err)
	}
	p.logger.DebugContext(ctx, "published", "topic", p.writer.Topic, "delivery_id", msg.DeliveryID)
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}
