// ABOUTME: Conversation, Message and lifecycle enums shared across the routing engine
// ABOUTME: Includes the assignment/queue invariant check used after every transition

package model

import (
	"fmt"
	"slices"
	"time"
)

// State is a conversation lifecycle state.
type State string

const (
	StateNew           State = "new"
	StateAIHandling    State = "ai_handling"
	StateAwaitingHuman State = "awaiting_human"
	StateQueued        State = "queued"
	StateAssigned      State = "assigned"
	StateResolved      State = "resolved"
	StateAbandoned     State = "abandoned"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateNew,
	StateAIHandling,
	StateAwaitingHuman,
	StateQueued,
	StateAssigned,
	StateResolved,
	StateAbandoned,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(AllStates, s)
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateAbandoned
}

// Event names a lifecycle transition trigger.
type Event string

const (
	EventAgentBegins      Event = "agent_begins"
	EventHandoffRequested Event = "handoff_requested"
	EventEnqueued         Event = "enqueued"
	EventClaimed          Event = "claimed"
	EventResolved         Event = "resolved"
	EventAbandoned        Event = "abandoned"
)

// AllEvents lists every transition event.
var AllEvents = []Event{
	EventAgentBegins,
	EventHandoffRequested,
	EventEnqueued,
	EventClaimed,
	EventResolved,
	EventAbandoned,
}

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	return slices.Contains(AllEvents, e)
}

// Requester identifies who opened the conversation. Immutable after creation.
type Requester struct {
	Type       string `json:"type"`       // "email", "phone", "widget", ...
	Identifier string `json:"identifier"` // address or external id
	Tier       string `json:"tier,omitempty"`
}

// Conversation is the persisted snapshot the state machine operates on.
type Conversation struct {
	ID                 string
	State              State
	QueueID            *string
	AssignedOperatorID *string
	Requester          Requester
	Channel            string
	RequiredSkills     []string // recorded at handoff, reused by reroute
	LastActivityAt     time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int64 // optimistic concurrency token
}

// Clone returns a deep copy so callers can mutate the result freely.
func (c Conversation) Clone() Conversation {
	out := c
	if c.QueueID != nil {
		q := *c.QueueID
		out.QueueID = &q
	}
	if c.AssignedOperatorID != nil {
		op := *c.AssignedOperatorID
		out.AssignedOperatorID = &op
	}
	out.RequiredSkills = slices.Clone(c.RequiredSkills)
	return out
}

// CheckInvariants verifies the assignment and queue invariants.
func (c *Conversation) CheckInvariants() error {
	assigned := c.State == StateAssigned
	if (c.AssignedOperatorID != nil) != assigned {
		return fmt.Errorf("conversation %s: assigned_operator_id set=%t in state %s",
			c.ID, c.AssignedOperatorID != nil, c.State)
	}
	queued := c.State == StateQueued || c.State == StateAssigned
	if (c.QueueID != nil) != queued {
		return fmt.Errorf("conversation %s: queue_id set=%t in state %s",
			c.ID, c.QueueID != nil, c.State)
	}
	return nil
}

// MessageAuthor is the role of a message sender.
type MessageAuthor string

const (
	AuthorRequester MessageAuthor = "requester"
	AuthorAgent     MessageAuthor = "agent"
	AuthorOperator  MessageAuthor = "operator"
)

// Message is one entry in a conversation's append-only transcript.
type Message struct {
	ID             string
	ConversationID string
	Author         MessageAuthor
	AuthorID       string // operator id for operator messages, empty otherwise
	Body           string
	CreatedAt      time.Time
}

// ActorType classifies who caused an audited change.
type ActorType string

const (
	ActorSystem    ActorType = "system"
	ActorOperator  ActorType = "operator"
	ActorRequester ActorType = "requester"
	ActorAdmin     ActorType = "admin"
)

// Actor is the originator of a transition or admin change.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id,omitempty"`
	Name string    `json:"name,omitempty"`
}

// SystemActor is used for engine-initiated changes such as enqueueing.
var SystemActor = Actor{Type: ActorSystem, ID: "system", Name: "system"}
