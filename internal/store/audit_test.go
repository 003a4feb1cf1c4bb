// ABOUTME: Tests for audit event persistence and the filtered read model
// ABOUTME: Covers insert defaults, every filter, pagination totals and LIKE escaping in actor search

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shovel-router/internal/model"
)

func TestAuditEvents_InsertAndFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c1, c2 := "conv-1", "conv-2"
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []*model.AuditEvent{
		{EventType: "conversation.agent_begins", ConversationID: &c1, Actor: model.Actor{Type: model.ActorRequester, ID: "ada"}, OccurredAt: base},
		{EventType: "conversation.claimed", ConversationID: &c1, Actor: model.Actor{Type: model.ActorOperator, ID: "op-7", Name: "Grace Hopper"}, OccurredAt: base.Add(time.Hour)},
		{EventType: "conversation.claimed", ConversationID: &c2, Actor: model.Actor{Type: model.ActorOperator, ID: "op-8", Name: "Alan"}, OccurredAt: base.Add(48 * time.Hour)},
	}
	for _, e := range events {
		require.NoError(t, store.InsertAuditEvent(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	all, total, err := store.ListAuditEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, events[2].ID, all[0].ID)

	byConv, _, err := store.ListAuditEvents(ctx, AuditFilter{ConversationID: &c1})
	require.NoError(t, err)
	assert.Len(t, byConv, 2)

	claimed := "conversation.claimed"
	byType, _, err := store.ListAuditEvents(ctx, AuditFilter{EventType: &claimed})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byActor, _, err := store.ListAuditEvents(ctx, AuditFilter{Actor: "grace"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "op-7", byActor[0].Actor.ID)
	assert.Equal(t, model.ActorOperator, byActor[0].Actor.Type)

	until := base.Add(24 * time.Hour)
	window, _, err := store.ListAuditEvents(ctx, AuditFilter{Since: &base, Until: &until})
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func TestAuditEvents_InsertDefaults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	e := &model.AuditEvent{
		EventType: "conversation.enqueued",
		Payload:   map[string]any{"from": "awaiting_human", "to": "queued", "score": 12.5},
	}
	require.NoError(t, store.InsertAuditEvent(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.OccurredAt.IsZero())

	got, _, err := store.ListAuditEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "queued", got[0].Payload["to"])
	assert.InDelta(t, 12.5, got[0].Payload["score"], 1e-9)
	assert.Equal(t, model.ActorSystem, got[0].Actor.Type)
	assert.Nil(t, got[0].ConversationID)
}

func TestAuditEvents_QueueFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	q1, q2 := "queue-1", "queue-2"
	require.NoError(t, store.InsertAuditEvent(ctx, &model.AuditEvent{EventType: model.AuditQueueCreated, QueueID: &q1}))
	require.NoError(t, store.InsertAuditEvent(ctx, &model.AuditEvent{EventType: model.AuditQueueCreated, QueueID: &q2}))
	require.NoError(t, store.InsertAuditEvent(ctx, &model.AuditEvent{EventType: model.AuditQueueUpdated, QueueID: &q1}))

	got, total, err := store.ListAuditEvents(ctx, AuditFilter{QueueID: &q1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, e := range got {
		require.NotNil(t, e.QueueID)
		assert.Equal(t, q1, *e.QueueID)
	}
}

func TestAuditEvents_Pagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 7 {
		require.NoError(t, store.InsertAuditEvent(ctx, &model.AuditEvent{
			EventType:  "conversation.created",
			Actor:      model.Actor{Type: model.ActorRequester, ID: fmt.Sprintf("r-%d", i)},
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, total, err := store.ListAuditEvents(ctx, AuditFilter{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page1, 3)
	assert.Equal(t, "r-6", page1[0].Actor.ID)

	page3, total, err := store.ListAuditEvents(ctx, AuditFilter{Limit: 3, Offset: 6})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page3, 1)
	assert.Equal(t, "r-0", page3[0].Actor.ID)
}

func TestAuditEvents_ActorSearchEscapesWildcards(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertAuditEvent(ctx, &model.AuditEvent{
		EventType: "conversation.claimed",
		Actor:     model.Actor{Type: model.ActorOperator, ID: "op_1", Name: "100% Grace"},
	}))
	require.NoError(t, store.InsertAuditEvent(ctx, &model.AuditEvent{
		EventType: "conversation.claimed",
		Actor:     model.Actor{Type: model.ActorOperator, ID: "opx1", Name: "Alan"},
	}))

	got, _, err := store.ListAuditEvents(ctx, AuditFilter{Actor: "op_"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "op_1", got[0].Actor.ID)

	got, _, err = store.ListAuditEvents(ctx, AuditFilter{Actor: "100%"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "100% Grace", got[0].Actor.Name)
}
