// ABOUTME: JSON request and response shapes for the HTTP API
// ABOUTME: Converts engine model types into their wire form

package api

import (
	"time"

	"github.com/2389/shovel-router/internal/conversation"
	"github.com/2389/shovel-router/internal/events"
	"github.com/2389/shovel-router/internal/model"
)

// ConversationResponse is the wire form of a conversation.
type ConversationResponse struct {
	ID                 string          `json:"id"`
	State              model.State     `json:"state"`
	QueueID            *string         `json:"queue_id"`
	AssignedOperatorID *string         `json:"assigned_operator_id"`
	Requester          model.Requester `json:"requester"`
	Channel            string          `json:"channel"`
	RequiredSkills     []string        `json:"required_skills"`
	PermittedEvents    []model.Event   `json:"permitted_events"`
	LastActivityAt     time.Time       `json:"last_activity_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Version            int64           `json:"version"`
}

// MessageResponse is the wire form of a transcript entry.
type MessageResponse struct {
	ID        string              `json:"id"`
	Author    model.MessageAuthor `json:"author"`
	AuthorID  string              `json:"author_id,omitempty"`
	Body      string              `json:"body"`
	CreatedAt time.Time           `json:"created_at"`
}

// QueueResponse is the wire form of a queue.
type QueueResponse struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Slug           string               `json:"slug"`
	Description    string               `json:"description"`
	SkillsRequired []string             `json:"skills_required"`
	PriorityPolicy []model.PriorityRule `json:"priority_policy"`
	IsDefault      bool                 `json:"is_default"`
	Depth          *int                 `json:"depth,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// QueueItemResponse is the wire form of a queue item, with the score it
// would be dequeued by now.
type QueueItemResponse struct {
	ID             string           `json:"id"`
	QueueID        string           `json:"queue_id"`
	ConversationID string           `json:"conversation_id"`
	EnqueuedAt     time.Time        `json:"enqueued_at"`
	PriorityScore  float64          `json:"priority_score"`
	Requester      *model.Requester `json:"requester,omitempty"`
	Channel        string           `json:"channel,omitempty"`
}

// ResultResponse is returned by every conversation mutation.
type ResultResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Message      *MessageResponse     `json:"message,omitempty"`
	QueueItem    *QueueItemResponse   `json:"queue_item,omitempty"`
	Events       []events.Envelope    `json:"events"`
}

// OperatorResponse is the wire form of a directory entry.
type OperatorResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Skills    []string  `json:"skills"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookResponse is the wire form of a subscription. Secret is only set
// on create and rotate.
type WebhookResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	URL       string         `json:"url"`
	Events    []string       `json:"events"`
	Active    bool           `json:"active"`
	Metadata  map[string]any `json:"metadata"`
	Secret    string         `json:"secret,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func toConversation(c model.Conversation, permitted []model.Event) ConversationResponse {
	skills := c.RequiredSkills
	if skills == nil {
		skills = []string{}
	}
	return ConversationResponse{
		ID:                 c.ID,
		State:              c.State,
		QueueID:            c.QueueID,
		AssignedOperatorID: c.AssignedOperatorID,
		Requester:          c.Requester,
		Channel:            c.Channel,
		RequiredSkills:     skills,
		PermittedEvents:    permitted,
		LastActivityAt:     c.LastActivityAt,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
		Version:            c.Version,
	}
}

func toMessage(m *model.Message) *MessageResponse {
	if m == nil {
		return nil
	}
	return &MessageResponse{ID: m.ID, Author: m.Author, AuthorID: m.AuthorID, Body: m.Body, CreatedAt: m.CreatedAt}
}

func toQueue(q model.Queue) QueueResponse {
	skills := q.SkillsRequired
	if skills == nil {
		skills = []string{}
	}
	policy := q.PriorityPolicy
	if policy == nil {
		policy = []model.PriorityRule{}
	}
	return QueueResponse{
		ID:             q.ID,
		Name:           q.Name,
		Slug:           q.Slug,
		Description:    q.Description,
		SkillsRequired: skills,
		PriorityPolicy: policy,
		IsDefault:      q.IsDefault,
		CreatedAt:      q.CreatedAt,
		UpdatedAt:      q.UpdatedAt,
	}
}

func toQueueItem(it *model.QueueItem) *QueueItemResponse {
	if it == nil {
		return nil
	}
	return &QueueItemResponse{
		ID:             it.ID,
		QueueID:        it.QueueID,
		ConversationID: it.ConversationID,
		EnqueuedAt:     it.EnqueuedAt,
		PriorityScore:  it.PriorityScore,
	}
}

func toEntry(e model.QueueEntry) QueueItemResponse {
	out := *toQueueItem(&e.Item)
	out.PriorityScore = e.Score
	req := e.Requester
	out.Requester = &req
	out.Channel = e.Channel
	return out
}

func toEnvelopes(evs []*model.AuditEvent) []events.Envelope {
	out := make([]events.Envelope, 0, len(evs))
	for _, ev := range evs {
		out = append(out, events.NewEnvelope(ev))
	}
	return out
}

func toOperator(op *model.Operator) OperatorResponse {
	skills := op.Skills
	if skills == nil {
		skills = []string{}
	}
	return OperatorResponse{ID: op.ID, Name: op.Name, Active: op.Active, Skills: skills, UpdatedAt: op.UpdatedAt}
}

func toWebhook(w *model.Webhook, secret string) WebhookResponse {
	meta := w.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return WebhookResponse{
		ID:        w.ID,
		Name:      w.Name,
		URL:       w.URL,
		Events:    w.Events,
		Active:    w.Active,
		Metadata:  meta,
		Secret:    secret,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func toResult(res *conversation.Result, permitted []model.Event) ResultResponse {
	return ResultResponse{
		Conversation: toConversation(res.Conversation, permitted),
		Message:      toMessage(res.Message),
		QueueItem:    toQueueItem(res.QueueItem),
		Events:       toEnvelopes(res.Events),
	}
}
