// ABOUTME: Webhook subscriptions and their outbox deliveries
// ABOUTME: Deliveries are written in the same transaction as the audit event they carry

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/shovel-router/internal/model"
)

const webhookColumns = `id, name, url, events, secret_sealed, active, metadata_json, created_at, updated_at`

// InsertWebhook stores a new subscription.
func (q *Queries) InsertWebhook(ctx context.Context, w *model.Webhook) error {
	events, meta, err := marshalWebhookJSON(w)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `INSERT INTO webhooks (`+webhookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.URL, events, base64.StdEncoding.EncodeToString(w.SealedSecret),
		boolInt(w.Active), meta, formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting webhook: %w", q.dialect.classify(err))
	}
	q.logger.Debug("inserted webhook", "id", w.ID, "events", w.Events)
	return nil
}

// UpdateWebhook overwrites a subscription.
func (q *Queries) UpdateWebhook(ctx context.Context, w *model.Webhook) error {
	events, meta, err := marshalWebhookJSON(w)
	if err != nil {
		return err
	}
	res, err := q.exec(ctx, `
		UPDATE webhooks
		SET name = ?, url = ?, events = ?, secret_sealed = ?, active = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?
	`, w.Name, w.URL, events, base64.StdEncoding.EncodeToString(w.SealedSecret),
		boolInt(w.Active), meta, formatTime(w.UpdatedAt), w.ID)
	if err != nil {
		return fmt.Errorf("updating webhook: %w", q.dialect.classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %s: %w", w.ID, model.ErrNotFound)
	}
	return nil
}

// GetWebhook loads a subscription by id.
func (q *Queries) GetWebhook(ctx context.Context, id string) (*model.Webhook, error) {
	row := q.queryRow(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying webhook: %w", q.dialect.classify(err))
	}
	return w, nil
}

// DeleteWebhook removes a subscription and its pending deliveries.
func (q *Queries) DeleteWebhook(ctx context.Context, id string) error {
	if _, err := q.exec(ctx, `DELETE FROM webhook_deliveries WHERE webhook_id = ?`, id); err != nil {
		return fmt.Errorf("deleting webhook deliveries: %w", q.dialect.classify(err))
	}
	res, err := q.exec(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting webhook: %w", q.dialect.classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// WebhookFilter narrows ListWebhooks.
type WebhookFilter struct {
	Search string // substring of name or url
	Active *bool
	Event  string // subscriptions including this event type
	Limit  int
	Offset int
}

// ListWebhooks returns subscriptions ordered by name. Event filtering
// happens after decoding since events are stored as a JSON list. A zero
// Limit returns every match.
func (q *Queries) ListWebhooks(ctx context.Context, f WebhookFilter) ([]*model.Webhook, error) {
	var pattern *string
	if s := strings.TrimSpace(f.Search); s != "" {
		p := "%" + escapeLike(strings.ToLower(s)) + "%"
		pattern = &p
	}
	var active *int
	if f.Active != nil {
		a := boolInt(*f.Active)
		active = &a
	}
	rows, err := q.query(ctx, `
		SELECT `+webhookColumns+` FROM webhooks
		WHERE (CAST(? AS TEXT) IS NULL OR LOWER(name) LIKE ? ESCAPE '\' OR LOWER(url) LIKE ? ESCAPE '\')
		  AND (CAST(? AS INTEGER) IS NULL OR active = ?)
		ORDER BY name ASC, id ASC
	`, pattern, pattern, pattern, active, active)
	if err != nil {
		return nil, fmt.Errorf("querying webhooks: %w", q.dialect.classify(err))
	}
	defer func() { _ = rows.Close() }()

	out := []*model.Webhook{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		if f.Event != "" && !slices.Contains(w.Events, f.Event) {
			continue
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webhooks: %w", err)
	}

	offset := max(f.Offset, 0)
	if offset >= len(out) {
		return []*model.Webhook{}, nil
	}
	out = out[offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListSubscribers returns active subscriptions that include eventType.
func (q *Queries) ListSubscribers(ctx context.Context, eventType string) ([]*model.Webhook, error) {
	active := true
	return q.ListWebhooks(ctx, WebhookFilter{Active: &active, Event: eventType})
}

func scanWebhook(scanner interface{ Scan(dest ...any) error }) (*model.Webhook, error) {
	var (
		w                    model.Webhook
		events, sealed, meta string
		active               int
		created, updated     string
	)
	if err := scanner.Scan(&w.ID, &w.Name, &w.URL, &events, &sealed, &active, &meta, &created, &updated); err != nil {
		return nil, err
	}
	w.Active = active == 1

	var err error
	if w.Events, err = unmarshalStrings(events); err != nil {
		return nil, fmt.Errorf("parsing events: %w", err)
	}
	if w.SealedSecret, err = base64.StdEncoding.DecodeString(sealed); err != nil {
		return nil, fmt.Errorf("decoding secret: %w", err)
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &w.Metadata); err != nil {
			return nil, fmt.Errorf("parsing metadata: %w", err)
		}
	}
	if w.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if w.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &w, nil
}

func marshalWebhookJSON(w *model.Webhook) (string, string, error) {
	events, err := marshalStrings(w.Events)
	if err != nil {
		return "", "", err
	}
	meta := w.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("marshaling metadata: %w", err)
	}
	return events, string(data), nil
}

// InsertDelivery adds an outbox row. Generates ID and CreatedAt if not set.
func (q *Queries) InsertDelivery(ctx context.Context, d *model.Delivery) error {
	if d.ID == "" {
		d.ID = ulid.Make().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := q.exec(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, audit_event_id, event_type, payload_json, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?)
	`, d.ID, d.WebhookID, d.AuditEventID, d.EventType, string(d.Payload), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", q.dialect.classify(err))
	}
	return nil
}

// ListPendingDeliveries returns undispatched deliveries with fewer than
// maxAttempts attempts, oldest first.
func (q *Queries) ListPendingDeliveries(ctx context.Context, limit, maxAttempts int) ([]*model.Delivery, error) {
	rows, err := q.query(ctx, `
		SELECT id, webhook_id, audit_event_id, event_type, payload_json, attempts, last_error, created_at, dispatched_at
		FROM webhook_deliveries
		WHERE dispatched_at IS NULL AND attempts < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, maxAttempts, normalizeLimit(limit, 50, 500))
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", q.dialect.classify(err))
	}
	defer func() { _ = rows.Close() }()

	out := []*model.Delivery{}
	for rows.Next() {
		var d model.Delivery
		var payload, created string
		var dispatched *string
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.AuditEventID, &d.EventType, &payload,
			&d.Attempts, &d.LastError, &created, &dispatched); err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		d.Payload = []byte(payload)
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if dispatched != nil {
			t, err := parseTime(*dispatched)
			if err != nil {
				return nil, fmt.Errorf("parsing dispatched_at: %w", err)
			}
			d.DispatchedAt = &t
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deliveries: %w", err)
	}
	return out, nil
}

// MarkDelivered records a successful hand-off to the transport.
func (q *Queries) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE webhook_deliveries SET dispatched_at = ?, attempts = attempts + 1, last_error = ''
		WHERE id = ? AND dispatched_at IS NULL
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("marking delivery dispatched: %w", q.dialect.classify(err))
	}
	return nil
}

// MarkDeliveryFailed records a failed attempt.
func (q *Queries) MarkDeliveryFailed(ctx context.Context, id, reason string) error {
	if len(reason) > 1000 {
		reason = reason[:1000]
	}
	_, err := q.exec(ctx, `
		UPDATE webhook_deliveries SET attempts = attempts + 1, last_error = ?
		WHERE id = ? AND dispatched_at IS NULL
	`, reason, id)
	if err != nil {
		return fmt.Errorf("marking delivery failed: %w", q.dialect.classify(err))
	}
	return nil
}

// DeliveryStats returns pending and dead-lettered delivery counts.
func (q *Queries) DeliveryStats(ctx context.Context, maxAttempts int) (pending, dead int, err error) {
	err = q.queryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN attempts < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN attempts >= ? THEN 1 ELSE 0 END), 0)
		FROM webhook_deliveries WHERE dispatched_at IS NULL
	`, maxAttempts, maxAttempts).Scan(&pending, &dead)
	if err != nil {
		return 0, 0, fmt.Errorf("counting deliveries: %w", q.dialect.classify(err))
	}
	return pending, dead, nil
}
