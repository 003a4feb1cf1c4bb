// ABOUTME: HTTP transport: POSTs the signed envelope to the subscription URL
// ABOUTME: Any non-2xx response counts as a failed attempt

package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultHTTPTimeout bounds a single delivery request.
const DefaultHTTPTimeout = 10 * time.Second

// HTTPConfig configures the http transport.
type HTTPConfig struct {
	Timeout   time.Duration
	UserAgent string
}

type httpPublisher struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewHTTP returns a publisher that POSTs each delivery to its webhook URL.
func NewHTTP(cfg HTTPConfig, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "shovel-router-webhooks/1"
	}
	return &httpPublisher{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

func (p *httpPublisher) Publish(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.URL, bytes.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.userAgent)
	for k, v := range msg.Headers() {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", msg.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s responded %d", msg.WebhookID, resp.StatusCode)
	}
	p.logger.DebugContext(ctx, "delivered", "delivery_id", msg.DeliveryID, "status", resp.StatusCode)
	return nil
}

func (p *httpPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
