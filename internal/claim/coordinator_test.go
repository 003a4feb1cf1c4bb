// ABOUTME: Tests for the claim coordinator against a SQLite store
// ABOUTME: Includes the N-way concurrent claim property and lock-window contention

package claim

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shovel-router/internal/catalog"
	"github.com/2389/shovel-router/internal/directory"
	"github.com/2389/shovel-router/internal/events"
	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/store"
)

type fixture struct {
	store   *store.Store
	catalog *catalog.Catalog
	dir     *directory.Static
	coord   *Coordinator
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "claim.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := events.NewSink(nil, nil)
	cat := catalog.New(st, sink, nil)
	dir := directory.NewStatic()
	for i := range 8 {
		dir.Set(model.Operator{ID: fmt.Sprintf("u%d", i), Active: true, Skills: []string{"tech"}})
	}
	dir.Set(model.Operator{ID: "generalist", Active: true})

	return &fixture{
		store:   st,
		catalog: cat,
		dir:     dir,
		coord:   New(st, sink, dir, cat, opts, nil),
	}
}

func (f *fixture) queue(t *testing.T, name string, policy []model.PriorityRule, skills ...string) *model.Queue {
	t.Helper()
	q, err := f.catalog.Create(context.Background(), catalog.QueueInput{
		Name: name, SkillsRequired: skills, PriorityPolicy: policy,
	}, model.SystemActor)
	require.NoError(t, err)
	return q
}

// enqueue stores a queued conversation and its live item.
func (f *fixture) enqueue(t *testing.T, q *model.Queue, tier string, enqueuedAt time.Time) (*model.Conversation, *model.QueueItem) {
	t.Helper()
	ctx := context.Background()
	qid := q.ID
	conv := &model.Conversation{
		ID:             uuid.New().String(),
		State:          model.StateQueued,
		QueueID:        &qid,
		Requester:      model.Requester{Type: "email", Identifier: "r@example.com", Tier: tier},
		Channel:        "email",
		LastActivityAt: enqueuedAt,
		CreatedAt:      enqueuedAt,
		UpdatedAt:      enqueuedAt,
	}
	require.NoError(t, f.store.InsertConversation(ctx, conv))
	item := &model.QueueItem{ID: uuid.New().String(), QueueID: q.ID, ConversationID: conv.ID, EnqueuedAt: enqueuedAt}
	require.NoError(t, f.store.InsertQueueItem(ctx, item))
	return conv, item
}

func TestClaimAssigns(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	q := f.queue(t, "Tech", nil, "tech")
	conv, item := f.enqueue(t, q, "", time.Now().UTC())

	a, err := f.coord.Claim(ctx, q.ID, item.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAssigned, a.Conversation.State)
	assert.Equal(t, "u1", *a.Conversation.AssignedOperatorID)
	assert.Equal(t, q.ID, *a.Conversation.QueueID)
	assert.Equal(t, "conversation.claimed", a.Event.EventType)

	stored, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAssigned, stored.State)
	assert.Equal(t, int64(2), stored.Version)
	require.NoError(t, stored.CheckInvariants())

	entries, err := f.catalog.Entries(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, entries, "claimed item must leave the listing")

	_, err = f.coord.Claim(ctx, q.ID, item.ID, "u2")
	assert.ErrorIs(t, err, model.ErrAlreadyClaimed)
}

func TestConcurrentClaimsExactlyOneWinner(t *testing.T) {
	f := setup(t, Options{ClaimTimeout: 10 * time.Second})
	ctx := context.Background()
	q := f.queue(t, "Tech", nil, "tech")
	conv, item := f.enqueue(t, q, "", time.Now().UTC())

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func(op string) {
			defer wg.Done()
			<-start
			_, err := f.coord.Claim(ctx, q.ID, item.ID, op)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, op)
			case assert.ErrorIs(t, err, model.ErrAlreadyClaimed):
				losers++
			}
		}(fmt.Sprintf("u%d", i))
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, losers)

	stored, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], *stored.AssignedOperatorID)

	claimed := model.TransitionEventType(model.EventClaimed)
	_, total, err := f.store.ListAuditEvents(ctx, store.AuditFilter{ConversationID: &conv.ID, EventType: &claimed})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "one audit event per committed claim")
}

func TestClaimNotEligibleLeavesItem(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	q := f.queue(t, "Tech", nil, "tech")
	_, item := f.enqueue(t, q, "", time.Now().UTC())

	_, err := f.coord.Claim(ctx, q.ID, item.ID, "generalist")
	assert.ErrorIs(t, err, model.ErrNotEligible)

	_, err = f.coord.Claim(ctx, q.ID, item.ID, "nobody")
	assert.ErrorIs(t, err, model.ErrNotEligible)

	_, err = f.store.GetQueueItem(ctx, item.ID)
	assert.NoError(t, err)
}

func TestClaimItemFromOtherQueue(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	qa := f.queue(t, "A", nil)
	qb := f.queue(t, "B", nil)
	_, item := f.enqueue(t, qa, "", time.Now().UTC())

	_, err := f.coord.Claim(ctx, qb.ID, item.ID, "u1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.coord.Claim(ctx, "no-such-queue", item.ID, "u1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestClaimNextFollowsPriority(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	policy := []model.PriorityRule{{Kind: model.RuleRequesterTier, Weight: 10, Values: map[string]float64{"gold": 1}}}
	q := f.queue(t, "Support", policy)

	base := time.Now().UTC().Add(-time.Hour)
	f.enqueue(t, q, "", base)
	gold, _ := f.enqueue(t, q, "gold", base.Add(time.Minute))
	f.enqueue(t, q, "", base.Add(2*time.Minute))

	a, err := f.coord.ClaimNext(ctx, q.ID, "generalist")
	require.NoError(t, err)
	assert.Equal(t, gold.ID, a.Conversation.ID)

	for range 2 {
		_, err = f.coord.ClaimNext(ctx, q.ID, "generalist")
		require.NoError(t, err)
	}
	_, err = f.coord.ClaimNext(ctx, q.ID, "generalist")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestClaimContendedWhenLockWindowElapses(t *testing.T) {
	f := setup(t, Options{ClaimTimeout: 100 * time.Millisecond})
	ctx := context.Background()
	q := f.queue(t, "Tech", nil)
	_, item := f.enqueue(t, q, "", time.Now().UTC())

	// Hold the only SQLite connection so the claim cannot start its transaction.
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.store.WithTx(ctx, func(q *store.Queries) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	_, err := f.coord.Claim(ctx, q.ID, item.ID, "u1")
	assert.ErrorIs(t, err, model.ErrClaimContended)

	close(release)
	require.NoError(t, <-done)

	// Retrying after contention succeeds.
	_, err = f.coord.Claim(ctx, q.ID, item.ID, "u1")
	assert.NoError(t, err)
}

func TestClaimCancelledCaller(t *testing.T) {
	f := setup(t, Options{})
	q := f.queue(t, "Tech", nil)
	_, item := f.enqueue(t, q, "", time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.coord.Claim(ctx, q.ID, item.ID, "u1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOutcomeLabels(t *testing.T) {
	assert.Equal(t, "won", outcome(nil))
	assert.Equal(t, "already_claimed", outcome(fmt.Errorf("x: %w", model.ErrAlreadyClaimed)))
	assert.Equal(t, "contended", outcome(model.ErrClaimContended))
	assert.Equal(t, "not_eligible", outcome(model.ErrNotEligible))
	assert.Equal(t, "error", outcome(model.ErrNotFound))
}
