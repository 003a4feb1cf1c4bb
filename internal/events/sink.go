// ABOUTME: EventSink: writes audit events and webhook outbox rows inside the caller's transaction
// ABOUTME: Live subscribers are notified only after the transaction commits

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/shovel-router/internal/metrics"
	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/statemachine"
	"github.com/2389/shovel-router/internal/store"
)

// Envelope is the JSON body delivered to webhooks and the live stream.
type Envelope struct {
	ID             string         `json:"id"`
	Event          string         `json:"event"`
	OccurredAt     time.Time      `json:"occurred_at"`
	ConversationID *string        `json:"conversation_id,omitempty"`
	QueueID        *string        `json:"queue_id,omitempty"`
	Actor          model.Actor    `json:"actor"`
	Payload        map[string]any `json:"payload"`
}

// NewEnvelope wraps an audit event for delivery.
func NewEnvelope(ev *model.AuditEvent) Envelope {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		ID:             ev.ID,
		Event:          ev.EventType,
		OccurredAt:     ev.OccurredAt,
		ConversationID: ev.ConversationID,
		QueueID:        ev.QueueID,
		Actor:          ev.Actor,
		Payload:        payload,
	}
}

// Sink records one audit event per committed change and fans it out to
// webhook subscriptions through the outbox.
type Sink struct {
	broadcaster *Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// NewSink creates a sink. broadcaster may be nil when no live stream is served.
func NewSink(broadcaster *Broadcaster, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		broadcaster: broadcaster,
		logger:      logger.With("component", "event_sink"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Batch collects the events recorded inside one transaction so they can be
// published once it commits.
type Batch struct {
	sink   *Sink
	q      *store.Queries
	events []*model.AuditEvent
}

// Begin starts a batch bound to the transaction's queries. Call it inside
// the WithTx callback so a retried transaction starts from an empty batch.
func (s *Sink) Begin(q *store.Queries) *Batch {
	return &Batch{sink: s, q: q}
}

// Record writes ev and one delivery per subscribed active webhook.
func (b *Batch) Record(ctx context.Context, ev *model.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.sink.now()
	}
	if ev.Actor.Type == "" {
		ev.Actor = model.SystemActor
	}
	if err := b.q.InsertAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("recording %s: %w", ev.EventType, err)
	}

	subs, err := b.q.ListSubscribers(ctx, ev.EventType)
	if err != nil {
		return fmt.Errorf("listing subscribers for %s: %w", ev.EventType, err)
	}
	if len(subs) > 0 {
		body, err := json.Marshal(NewEnvelope(ev))
		if err != nil {
			return fmt.Errorf("marshaling envelope: %w", err)
		}
		for _, w := range subs {
			d := &model.Delivery{
				WebhookID:    w.ID,
				AuditEventID: ev.ID,
				EventType:    ev.EventType,
				Payload:      body,
				CreatedAt:    ev.OccurredAt,
			}
			if err := b.q.InsertDelivery(ctx, d); err != nil {
				return fmt.Errorf("queueing delivery to webhook %s: %w", w.ID, err)
			}
		}
	}

	b.events = append(b.events, ev)
	return nil
}

// RecordTransition records the audit event for an applied transition.
func (b *Batch) RecordTransition(ctx context.Context, tr statemachine.Transition, queueID *string) error {
	return b.Record(ctx, TransitionEvent(tr, queueID))
}

// Events returns what has been recorded so far.
func (b *Batch) Events() []*model.AuditEvent {
	return b.events
}

// Publish notifies live subscribers and counts the events. Call it only
// after the transaction committed.
func (b *Batch) Publish() {
	if b == nil {
		return
	}
	for _, ev := range b.events {
		metrics.AuditEventsRecorded.WithLabelValues(ev.EventType).Inc()
		if b.sink.broadcaster != nil {
			b.sink.broadcaster.Publish(ev)
		}
	}
	b.sink.logger.Debug("published events", "count", len(b.events))
}

// TransitionEvent builds the audit event describing tr. queueID is the
// queue involved, which for resolve/abandon is the one the conversation
// just left.
func TransitionEvent(tr statemachine.Transition, queueID *string) *model.AuditEvent {
	payload := tr.Context.Payload()
	payload["event"] = string(tr.Event)
	payload["from"] = string(tr.From)
	payload["to"] = string(tr.To)

	convID := tr.ConversationID
	actor := tr.Context.Actor
	if actor.Type == "" {
		actor = model.SystemActor
	}
	return &model.AuditEvent{
		EventType:      model.TransitionEventType(tr.Event),
		ConversationID: &convID,
		QueueID:        queueID,
		Actor:          actor,
		Payload:        payload,
		OccurredAt:     tr.Context.Now,
	}
}
