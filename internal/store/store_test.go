// ABOUTME: Tests for the SQL store against a real SQLite database in a temp dir
// ABOUTME: Covers version checks, compare-and-delete claims, default swaps and filters

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shovel-router/internal/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := Open(context.Background(), Options{Driver: DriverSQLite, Path: dbPath})
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newConversation(state model.State) *model.Conversation {
	now := time.Now().UTC()
	return &model.Conversation{
		ID:             uuid.New().String(),
		State:          state,
		Requester:      model.Requester{Type: "email", Identifier: "ada@example.com", Tier: "gold"},
		Channel:        "email",
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newQueue(slug string, isDefault bool, skills ...string) *model.Queue {
	now := time.Now().UTC()
	return &model.Queue{
		ID:             uuid.New().String(),
		Name:           slug,
		Slug:           slug,
		SkillsRequired: skills,
		IsDefault:      isDefault,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx))
	v, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
	assert.Equal(t, "sqlite", store.Driver())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle", Path: "x"})
	assert.Error(t, err)
}

func TestConversation_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c := newConversation(model.StateNew)
	c.RequiredSkills = []string{"billing"}
	require.NoError(t, store.InsertConversation(ctx, c))
	assert.Equal(t, int64(1), c.Version)

	got, err := store.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, model.StateNew, got.State)
	assert.Equal(t, c.Requester, got.Requester)
	assert.Equal(t, []string{"billing"}, got.RequiredSkills)
	assert.Nil(t, got.QueueID)
	assert.WithinDuration(t, c.CreatedAt, got.CreatedAt, time.Microsecond)
}

func TestConversation_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestConversation_VersionConflict(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c := newConversation(model.StateNew)
	require.NoError(t, store.InsertConversation(ctx, c))

	first, err := store.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	second, err := store.GetConversation(ctx, c.ID)
	require.NoError(t, err)

	first.State = model.StateAIHandling
	require.NoError(t, store.UpdateConversation(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.State = model.StateAbandoned
	err = store.UpdateConversation(ctx, second)
	assert.ErrorIs(t, err, model.ErrVersionConflict)

	got, err := store.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAIHandling, got.State)

	ghost := newConversation(model.StateNew)
	assert.ErrorIs(t, store.UpdateConversation(ctx, ghost), model.ErrNotFound)
}

func TestConversation_CheckConstraintRejectsBrokenInvariant(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c := newConversation(model.StateNew)
	require.NoError(t, store.InsertConversation(ctx, c))

	op := "op-1"
	c.AssignedOperatorID = &op
	assert.Error(t, store.UpdateConversation(ctx, c))
}

func TestConversation_Touch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c := newConversation(model.StateNew)
	require.NoError(t, store.InsertConversation(ctx, c))

	later := c.LastActivityAt.Add(time.Minute)
	require.NoError(t, store.TouchConversation(ctx, c.ID, later))
	// Older timestamps never move it backwards.
	require.NoError(t, store.TouchConversation(ctx, c.ID, c.LastActivityAt))

	got, err := store.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, later, got.LastActivityAt, time.Microsecond)
	assert.Equal(t, int64(1), got.Version)

	assert.ErrorIs(t, store.TouchConversation(ctx, "missing", later), model.ErrNotFound)
}

func TestMessages_OldestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c := newConversation(model.StateNew)
	require.NoError(t, store.InsertConversation(ctx, c))

	base := time.Now().UTC()
	for i, body := range []string{"hello", "anyone?", "thanks"} {
		require.NoError(t, store.InsertMessage(ctx, &model.Message{
			ID:             uuid.New().String(),
			ConversationID: c.ID,
			Author:         model.AuthorRequester,
			Body:           body,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := store.ListMessages(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, "thanks", msgs[2].Body)
}

func TestQueues_DuplicateSlug(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertQueue(ctx, newQueue("billing", false)))
	err := store.InsertQueue(ctx, newQueue("billing", false))
	assert.ErrorIs(t, err, model.ErrDuplicateSlug)
}

func TestQueues_SecondDefaultRejected(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertQueue(ctx, newQueue("general", true)))
	err := store.InsertQueue(ctx, newQueue("other", true))
	assert.ErrorIs(t, err, ErrDefaultConflict)
}

func TestQueues_ClearDefaultsInTx(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := newQueue("general", true)
	require.NoError(t, store.InsertQueue(ctx, old))
	next := newQueue("vip", false)
	require.NoError(t, store.InsertQueue(ctx, next))

	err := store.WithTx(ctx, func(q *Queries) error {
		cleared, err := q.ClearDefaults(ctx, next.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, []string{old.ID}, cleared)
		next.IsDefault = true
		return q.UpdateQueue(ctx, next)
	})
	require.NoError(t, err)

	def, err := store.GetDefaultQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.ID, def.ID)
}

func TestQueues_ListSearchAndPaginate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, slug := range []string{"billing", "billing-eu", "tech", "sales_100%"} {
		require.NoError(t, store.InsertQueue(ctx, newQueue(slug, false)))
	}

	all, total, err := store.ListQueues(ctx, QueueFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, "billing", all[0].Slug)

	page, total, err := store.ListQueues(ctx, QueueFilter{Search: "BILL", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "billing-eu", page[0].Slug)

	lit, total, err := store.ListQueues(ctx, QueueFilter{Search: "0%"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "sales_100%", lit[0].Slug)
}

func TestQueues_PolicyRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	q := newQueue("vip", false, "tech", "german")
	q.PriorityPolicy = []model.PriorityRule{
		{Kind: model.RuleRequesterTier, Weight: 10, Values: map[string]float64{"gold": 2}},
		{Kind: model.RuleWaitTime, MaxMinutes: 60},
	}
	require.NoError(t, store.InsertQueue(ctx, q))

	got, err := store.GetQueueBySlug(ctx, "vip")
	require.NoError(t, err)
	assert.Equal(t, q.PriorityPolicy, got.PriorityPolicy)
	assert.Equal(t, []string{"tech", "german"}, got.SkillsRequired)

	require.NoError(t, store.DeleteQueue(ctx, q.ID))
	assert.ErrorIs(t, store.DeleteQueue(ctx, q.ID), model.ErrNotFound)
}

func enqueue(t *testing.T, store *Store, queue *model.Queue, enqueuedAt time.Time) (*model.Conversation, *model.QueueItem) {
	t.Helper()
	ctx := context.Background()

	c := newConversation(model.StateQueued)
	c.QueueID = &queue.ID
	require.NoError(t, store.InsertConversation(ctx, c))

	it := &model.QueueItem{
		ID:             uuid.New().String(),
		QueueID:        queue.ID,
		ConversationID: c.ID,
		EnqueuedAt:     enqueuedAt,
	}
	require.NoError(t, store.InsertQueueItem(ctx, it))
	return c, it
}

func TestQueueItems_OneLiveItemPerConversation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	q := newQueue("general", true)
	require.NoError(t, store.InsertQueue(ctx, q))
	c, _ := enqueue(t, store, q, time.Now())

	dup := &model.QueueItem{ID: uuid.New().String(), QueueID: q.ID, ConversationID: c.ID, EnqueuedAt: time.Now()}
	assert.ErrorIs(t, store.InsertQueueItem(ctx, dup), model.ErrVersionConflict)
}

func TestQueueItems_CompareAndDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	q := newQueue("general", true)
	require.NoError(t, store.InsertQueue(ctx, q))
	_, it := enqueue(t, store, q, time.Now())

	require.NoError(t, store.DeleteQueueItem(ctx, it.ID, it.Version))
	assert.ErrorIs(t, store.DeleteQueueItem(ctx, it.ID, it.Version), model.ErrVersionConflict)

	_, err := store.GetQueueItem(ctx, it.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestQueueItems_ConcurrentDeleteExactlyOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	q := newQueue("general", true)
	require.NoError(t, store.InsertQueue(ctx, q))
	_, it := enqueue(t, store, q, time.Now())

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			results <- store.WithTx(tctx, func(q *Queries) error {
				cur, err := q.LockQueueItem(tctx, it.ID)
				if err != nil {
					return err
				}
				return q.DeleteQueueItem(tctx, cur.ID, cur.Version)
			})
		}()
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrVersionConflict):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, losses)
}

func TestQueueItems_EntriesAndDepth(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	q := newQueue("general", true)
	require.NoError(t, store.InsertQueue(ctx, q))
	base := time.Now().UTC()
	_, second := enqueue(t, store, q, base.Add(time.Second))
	_, first := enqueue(t, store, q, base)

	entries, err := store.ListQueueEntries(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].Item.ID)
	assert.Equal(t, second.ID, entries[1].Item.ID)
	assert.Equal(t, "gold", entries[0].Requester.Tier)
	assert.Equal(t, "email", entries[0].Channel)

	n, err := store.CountQueueItems(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	depths, err := store.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{q.ID: 2}, depths)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c := newConversation(model.StateNew)
	boom := errors.New("boom")
	err := store.WithTx(ctx, func(q *Queries) error {
		require.NoError(t, q.InsertConversation(ctx, c))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetConversation(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestWebhooks_CRUDAndDeliveries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	w := &model.Webhook{
		ID:           uuid.New().String(),
		Name:         "crm sync",
		URL:          "https://crm.example.com/hooks",
		Events:       []string{"conversation.claimed"},
		SealedSecret: []byte{1, 2, 3},
		Active:       true,
		Metadata:     map[string]any{"team": "ops"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.InsertWebhook(ctx, w))

	subs, err := store.ListSubscribers(ctx, "conversation.claimed")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, []byte{1, 2, 3}, subs[0].SealedSecret)
	assert.Equal(t, "ops", subs[0].Metadata["team"])

	none, err := store.ListSubscribers(ctx, "conversation.resolved")
	require.NoError(t, err)
	assert.Empty(t, none)

	ev := &model.AuditEvent{EventType: "conversation.claimed"}
	require.NoError(t, store.InsertAuditEvent(ctx, ev))
	d := &model.Delivery{WebhookID: w.ID, AuditEventID: ev.ID, EventType: ev.EventType, Payload: []byte(`{}`)}
	require.NoError(t, store.InsertDelivery(ctx, d))

	require.NoError(t, store.MarkDeliveryFailed(ctx, d.ID, "connection refused"))
	pending, err := store.ListPendingDeliveries(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "connection refused", pending[0].LastError)

	require.NoError(t, store.MarkDelivered(ctx, d.ID, now))
	pending, err = store.ListPendingDeliveries(ctx, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, pending)

	w.Active = false
	require.NoError(t, store.UpdateWebhook(ctx, w))
	subs, err = store.ListSubscribers(ctx, "conversation.claimed")
	require.NoError(t, err)
	assert.Empty(t, subs)

	require.NoError(t, store.DeleteWebhook(ctx, w.ID))
	_, err = store.GetWebhook(ctx, w.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeliveryStats_DeadLetters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	w := &model.Webhook{ID: "w1", Name: "a", URL: "https://a", Events: []string{"queue.created"}, Active: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.InsertWebhook(ctx, w))
	ev := &model.AuditEvent{EventType: "queue.created"}
	require.NoError(t, store.InsertAuditEvent(ctx, ev))
	d := &model.Delivery{WebhookID: "w1", AuditEventID: ev.ID, EventType: ev.EventType, Payload: []byte(`{}`)}
	require.NoError(t, store.InsertDelivery(ctx, d))
	require.NoError(t, store.MarkDeliveryFailed(ctx, d.ID, "x"))
	require.NoError(t, store.MarkDeliveryFailed(ctx, d.ID, "x"))

	pending, dead, err := store.DeliveryStats(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, dead)
}

func TestOperators_Upsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	op := &model.Operator{ID: "op-1", Name: "Grace", Active: true, Skills: []string{"tech"}, UpdatedAt: time.Now()}
	require.NoError(t, store.UpsertOperator(ctx, op))
	op.Skills = []string{"tech", "billing"}
	op.Active = false
	require.NoError(t, store.UpsertOperator(ctx, op))

	got, err := store.GetOperator(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tech", "billing"}, got.Skills)
	assert.False(t, got.Active)

	active, err := store.ListOperators(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, store.DeleteOperator(ctx, "op-1"))
	_, err = store.GetOperator(ctx, "op-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPostgresRebind(t *testing.T) {
	d := postgresDialect{}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", d.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SET LOCAL lock_timeout = '250ms'", d.lockTimeoutStmt(250*time.Millisecond))
	assert.Equal(t, " FOR UPDATE", d.forUpdate())
}

func TestSQLiteClassify(t *testing.T) {
	d := sqliteDialect{}
	assert.ErrorIs(t, d.classify(errors.New("database is locked")), model.ErrLockTimeout)
	assert.ErrorIs(t, d.classify(context.DeadlineExceeded), model.ErrLockTimeout)
	assert.NotErrorIs(t, d.classify(errors.New(`near "(5)": syntax error (6)`)), model.ErrLockTimeout)

	detail, ok := d.uniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: queues.slug (2067)"))
	assert.True(t, ok)
	assert.Contains(t, detail, "queues.slug")
}

func TestSQLiteBusyUsesResultCode(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "busy.db")
	store, err := Open(ctx, Options{Driver: DriverSQLite, Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// A driver error whose text happens to contain "(5)" is not BUSY.
	_, err = store.exec(ctx, `INSERT INTO "missing_(5)_(6)" (id) VALUES (1)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(5)")
	assert.False(t, isBusy(err))
	assert.NotErrorIs(t, store.dialect.classify(err), model.ErrLockTimeout)

	// A second connection without a busy timeout hits the held write lock.
	tx, err := store.sqlDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `CREATE TABLE lock_holder (x INTEGER)`)
	require.NoError(t, err)

	other, err := sql.Open("sqlite", "file:"+dbPath)
	require.NoError(t, err)
	defer other.Close()
	_, err = other.ExecContext(ctx, `CREATE TABLE blocked (x INTEGER)`)
	require.Error(t, err)
	assert.True(t, isBusy(err), "got %v", err)
	assert.ErrorIs(t, store.dialect.classify(err), model.ErrLockTimeout)
}
