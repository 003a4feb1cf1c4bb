// ABOUTME: In-memory fan-out of committed audit events to live stream subscribers
// ABOUTME: Subscribers register for all events, one conversation, or one queue

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/shovel-router/internal/metrics"
	"github.com/2389/shovel-router/internal/model"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllKey subscribes to every event.
	AllKey = "*"
)

// ConversationKey is the subscription key for one conversation's events.
func ConversationKey(id string) string { return "conversation:" + id }

// QueueKey is the subscription key for one queue's events.
func QueueKey(id string) string { return "queue:" + id }

// keysFor lists every key an event is delivered under.
func keysFor(ev *model.AuditEvent) []string {
	keys := []string{AllKey}
	if ev.ConversationID != nil {
		keys = append(keys, ConversationKey(*ev.ConversationID))
	}
	if ev.QueueID != nil {
		keys = append(keys, QueueKey(*ev.QueueID))
	}
	return keys
}

// Broadcaster provides in-memory pub/sub for committed AuditEvents. It is
// fed after commit, so subscribers never observe a rolled-back change.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *model.AuditEvent // key -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *model.AuditEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events under key. The subscription
// is cleaned up automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, key string) (<-chan *model.AuditEvent, string) {
	subID := uuid.New().String()
	ch := make(chan *model.AuditEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *model.AuditEvent)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	metrics.StreamSubscribers.Inc()
	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish sends an event to every subscriber of a matching key.
// Non-blocking: events are dropped for subscribers whose channels are full.
// Sends happen under the read lock so Unsubscribe cannot close a channel
// mid-send.
func (b *Broadcaster) Publish(ev *model.AuditEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range keysFor(ev) {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- ev:
			default:
				b.logger.Debug("dropped event for slow subscriber", "event_id", ev.ID, "type", ev.EventType)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	metrics.StreamSubscribers.Dec()

	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
			metrics.StreamSubscribers.Dec()
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
