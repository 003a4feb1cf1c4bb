// ABOUTME: Outbox relay: signs pending deliveries and hands them to the configured transport
// ABOUTME: Runs on a ticker until its context is cancelled; failed attempts are retried up to a cap

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/shovel-router/internal/metrics"
	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/publish"
	"github.com/2389/shovel-router/internal/store"
)

// Relay defaults.
const (
	DefaultRelayInterval  = 2 * time.Second
	DefaultBatchSize      = 50
	DefaultMaxAttempts    = 8
	DefaultPublishTimeout = 15 * time.Second
)

// RelayOptions tunes the relay.
type RelayOptions struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// Timeout bounds one Publish call.
	Timeout time.Duration
	// Transport labels metrics, e.g. "http" or "kafka".
	Transport string
}

// Relay drains the webhook outbox.
type Relay struct {
	store     *store.Store
	publisher publish.Publisher
	sealer    *Sealer
	opts      RelayOptions
	logger    *slog.Logger
	now       func() time.Time
}

// NewRelay creates a relay. Pass nil logger for default.
func NewRelay(st *store.Store, pub publish.Publisher, sealer *Sealer, opts RelayOptions, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultRelayInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPublishTimeout
	}
	if opts.Transport == "" {
		opts.Transport = publish.KindLog
	}
	return &Relay{
		store:     st,
		publisher: pub,
		sealer:    sealer,
		opts:      opts,
		logger:    logger.With("component", "webhook_relay"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run dispatches batches every Interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("webhook relay started", "interval", r.opts.Interval, "transport", r.opts.Transport)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		if _, _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("relay pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("webhook relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce dispatches one batch and reports how many deliveries were sent
// and how many failed.
func (r *Relay) RunOnce(ctx context.Context) (sent, failed int, err error) {
	pending, err := r.store.ListPendingDeliveries(ctx, r.opts.BatchSize, r.opts.MaxAttempts)
	if err != nil {
		return 0, 0, err
	}

	hooks := make(map[string]*model.Webhook)
	secrets := make(map[string]string)
	for _, d := range pending {
		if ctx.Err() != nil {
			return sent, failed, ctx.Err()
		}
		if err := r.dispatch(ctx, d, hooks, secrets); err != nil {
			failed++
			metrics.WebhookDeliveries.WithLabelValues(r.opts.Transport, "error").Inc()
			r.logger.Warn("delivery failed",
				"delivery_id", d.ID, "webhook_id", d.WebhookID, "attempt", d.Attempts+1, "error", err)
			if markErr := r.store.MarkDeliveryFailed(ctx, d.ID, err.Error()); markErr != nil {
				return sent, failed, markErr
			}
			continue
		}
		sent++
		metrics.WebhookDeliveries.WithLabelValues(r.opts.Transport, "ok").Inc()
		if err := r.store.MarkDelivered(ctx, d.ID, r.now()); err != nil {
			return sent, failed, err
		}
	}

	if pendingCount, dead, err := r.store.DeliveryStats(ctx, r.opts.MaxAttempts); err == nil {
		metrics.WebhookPending.Set(float64(pendingCount))
		if dead > 0 && len(pending) > 0 {
			r.logger.Warn("deliveries exhausted their attempts", "count", dead)
		}
	}
	if sent+failed > 0 {
		r.logger.Debug("relay pass", "sent", sent, "failed", failed)
	}
	return sent, failed, nil
}

func (r *Relay) dispatch(ctx context.Context, d *model.Delivery, hooks map[string]*model.Webhook, secrets map[string]string) error {
	w, ok := hooks[d.WebhookID]
	if !ok {
		var err error
		if w, err = r.store.GetWebhook(ctx, d.WebhookID); err != nil {
			return err
		}
		secret, err := r.sealer.Open(w.SealedSecret)
		if err != nil {
			return err
		}
		hooks[d.WebhookID] = w
		secrets[d.WebhookID] = secret
	}
	if !w.Active {
		return errors.New("webhook is inactive")
	}

	ts := r.now()
	msg := publish.Message{
		DeliveryID: d.ID,
		WebhookID:  w.ID,
		URL:        w.URL,
		EventType:  d.EventType,
		Body:       d.Payload,
		Signature:  Sign(secrets[d.WebhookID], ts, d.Payload),
		Timestamp:  ts,
	}
	pctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	if err := r.publisher.Publish(pctx, msg); err != nil {
		return fmt.Errorf("publishing: %w", err)
	}
	return nil
}
