// ABOUTME: AuditEvent, webhook subscription, outbox delivery and operator types
// ABOUTME: Event type names here are the vocabulary webhook subscriptions filter on

package model

import (
	"slices"
	"time"
)

// Audit event types. Transition events are "conversation.<event>".
const (
	AuditConversationCreated   = "conversation.created"
	AuditMessageCreated        = "conversation.message_created"
	AuditRoutingFailed         = "conversation.routing_failed"
	AuditQueueCreated          = "queue.created"
	AuditQueueUpdated          = "queue.updated"
	AuditQueueDeleted          = "queue.deleted"
	AuditQueueDefaultChanged   = "queue.default_changed"
	auditTransitionEventPrefix = "conversation."
)

// TransitionEventType returns the audit event type for a lifecycle event.
func TransitionEventType(e Event) string {
	return auditTransitionEventPrefix + string(e)
}

// AvailableEvents lists every event type a webhook may subscribe to.
func AvailableEvents() []string {
	out := []string{AuditConversationCreated, AuditMessageCreated, AuditRoutingFailed}
	for _, e := range AllEvents {
		out = append(out, TransitionEventType(e))
	}
	out = append(out, AuditQueueCreated, AuditQueueUpdated, AuditQueueDeleted, AuditQueueDefaultChanged)
	return out
}

// IsAvailableEvent reports whether name is a subscribable event type.
func IsAvailableEvent(name string) bool {
	return slices.Contains(AvailableEvents(), name)
}

// AuditEvent is the durable record of one committed transition, claim or
// admin change.
type AuditEvent struct {
	ID             string // ULID, sortable by creation
	EventType      string
	ConversationID *string
	QueueID        *string
	Actor          Actor
	Payload        map[string]any
	OccurredAt     time.Time
}

// Webhook is an outbound subscription filtered by event type.
type Webhook struct {
	ID           string
	Name         string
	URL          string
	Events       []string
	SealedSecret []byte
	Active       bool
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Subscribes reports whether the webhook wants eventType.
func (w *Webhook) Subscribes(eventType string) bool {
	return w.Active && slices.Contains(w.Events, eventType)
}

// Delivery is an outbox row: one audit event destined for one webhook.
type Delivery struct {
	ID           string
	WebhookID    string
	AuditEventID string
	EventType    string
	Payload      []byte // JSON body handed to the transport
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// Operator is a human agent known to the skill directory.
type Operator struct {
	ID        string
	Name      string
	Active    bool
	Skills    []string
	UpdatedAt time.Time
}

// HasSkills reports whether the operator holds every skill in required.
func (o *Operator) HasSkills(required []string) bool {
	for _, s := range required {
		if !slices.Contains(o.Skills, s) {
			return false
		}
	}
	return true
}
