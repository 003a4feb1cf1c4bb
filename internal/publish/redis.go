// ABOUTME: Redis Streams transport: XADDs each delivery to a configured stream
// ABOUTME: Downstream consumers read the stream and perform the actual HTTP call

package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisStream is used when RedisConfig.Stream is empty.
const DefaultRedisStream = "shovel:webhooks"

// RedisConfig configures the redis transport.
type RedisConfig struct {
	URL    string
	Stream string
	// MaxLen caps the stream approximately. Zero means unbounded.
	MaxLen int64
}

type redisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewRedis connects to cfg.URL and verifies the connection with PING.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis publisher: url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return newRedisPublisher(client, cfg, logger), nil
}

func newRedisPublisher(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *redisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultRedisStream
	}
	return &redisPublisher{client: client, stream: stream, maxLen: cfg.MaxLen, logger: logger}
}

func (p *redisPublisher) Publish(ctx context.Context, msg Message) error {
	fields := map[string]any{
		"delivery_id": msg.DeliveryID,
		"webhook_id":  msg.WebhookID,
		"url":         msg.URL,
		"event_type":  msg.EventType,
		"signature":   msg.Signature,
		"timestamp":   msg.Timestamp.Unix(),
		"body":        string(msg.Body),
	}
	args := &redis.XAddArgs{Stream: p.stream, Values: fields}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	p.logger.DebugContext(ctx, "published to stream", "stream", p.stream, "delivery_id", msg.DeliveryID)
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}
