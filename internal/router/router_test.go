// ABOUTME: Tests for queue selection, priority scoring and dequeue ordering
// ABOUTME: Covers specificity preference, default fallback and deterministic ties

package router

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shovel-router/internal/model"
)

func allPools(model.Queue) bool { return true }

func TestSelectFallsBackToDefault(t *testing.T) {
	queues := []model.Queue{
		{ID: "q1", Slug: "billing", SkillsRequired: []string{"billing"}},
		{ID: "q0", Slug: "general", SkillsRequired: []string{"triage"}, IsDefault: true},
	}

	q, err := Select([]string{"tech"}, queues, allPools)
	require.NoError(t, err)
	assert.Equal(t, "q0", q.ID)
}

func TestSelectPrefersSpecificOverDefault(t *testing.T) {
	queues := []model.Queue{
		{ID: "qb", Slug: "general", IsDefault: true},
		{ID: "qa", Slug: "tech", SkillsRequired: []string{"tech"}},
	}

	q, err := Select([]string{"tech"}, queues, allPools)
	require.NoError(t, err)
	assert.Equal(t, "qa", q.ID)
}

func TestSelectMostSpecific(t *testing.T) {
	queues := []model.Queue{
		{ID: "a", Slug: "tech", SkillsRequired: []string{"tech"}},
		{ID: "b", Slug: "tech-de", SkillsRequired: []string{"tech", "german"}},
		{ID: "c", Slug: "tech-de-vip", SkillsRequired: []string{"tech", "german", "vip"}},
	}

	q, err := Select([]string{"german", "tech"}, queues, allPools)
	require.NoError(t, err)
	assert.Equal(t, "b", q.ID)
}

func TestSelectSkipsUncoveredPools(t *testing.T) {
	queues := []model.Queue{
		{ID: "a", Slug: "tech", SkillsRequired: []string{"tech"}},
		{ID: "b", Slug: "tech-de", SkillsRequired: []string{"tech", "german"}},
	}
	covers := func(q model.Queue) bool { return q.ID != "b" }

	q, err := Select([]string{"german", "tech"}, queues, covers)
	require.NoError(t, err)
	assert.Equal(t, "a", q.ID)
}

func TestSelectTieBreaksBySlug(t *testing.T) {
	queues := []model.Queue{
		{ID: "2", Slug: "zeta", SkillsRequired: []string{"tech"}},
		{ID: "1", Slug: "alpha", SkillsRequired: []string{"tech"}},
	}
	for i := 0; i < 5; i++ {
		q, err := Select([]string{"tech"}, queues, allPools)
		require.NoError(t, err)
		assert.Equal(t, "alpha", q.Slug)
		queues[0], queues[1] = queues[1], queues[0]
	}
}

func TestSelectNoRoutableQueue(t *testing.T) {
	queues := []model.Queue{{ID: "q1", Slug: "billing", SkillsRequired: []string{"billing"}}}

	_, err := Select([]string{"tech"}, queues, allPools)
	assert.ErrorIs(t, err, model.ErrNoRoutableQueue)

	_, err = Select(nil, nil, allPools)
	assert.ErrorIs(t, err, model.ErrNoRoutableQueue)
}

func TestScore(t *testing.T) {
	enq := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := enq.Add(30 * time.Minute)
	in := ScoreInput{
		Requester:  model.Requester{Tier: "gold"},
		Channel:    "email",
		EnqueuedAt: enq,
	}

	tests := []struct {
		name   string
		policy []model.PriorityRule
		want   float64
	}{
		{"empty policy", nil, 0},
		{"tier", []model.PriorityRule{{Kind: model.RuleRequesterTier, Weight: 10, Values: map[string]float64{"gold": 3}}}, 30},
		{"unknown tier", []model.PriorityRule{{Kind: model.RuleRequesterTier, Values: map[string]float64{"silver": 3}}}, 0},
		{"wait time", []model.PriorityRule{{Kind: model.RuleWaitTime}}, 30},
		{"wait time capped", []model.PriorityRule{{Kind: model.RuleWaitTime, Weight: 2, MaxMinutes: 10}}, 20},
		{"channel", []model.PriorityRule{{Kind: model.RuleChannel, Values: map[string]float64{"email": 1.5}}}, 1.5},
		{"constant", []model.PriorityRule{{Kind: model.RuleConstant, Weight: 7}}, 7},
		{"sum", []model.PriorityRule{
			{Kind: model.RuleRequesterTier, Values: map[string]float64{"gold": 3}},
			{Kind: model.RuleWaitTime, Weight: 0.5},
		}, 18},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.policy, in, now), 1e-9)
		})
	}
}

func TestScoreClampsClockSkew(t *testing.T) {
	enq := time.Now()
	got := Score([]model.PriorityRule{{Kind: model.RuleWaitTime}}, ScoreInput{EnqueuedAt: enq}, enq.Add(-time.Minute))
	assert.Zero(t, got)
}

func TestValidatePolicy(t *testing.T) {
	assert.NoError(t, ValidatePolicy([]model.PriorityRule{{Kind: model.RuleWaitTime}}))
	assert.ErrorIs(t, ValidatePolicy([]model.PriorityRule{{Kind: "karma"}}), model.ErrInvalidInput)
	assert.ErrorIs(t, ValidatePolicy([]model.PriorityRule{{Kind: model.RuleWaitTime, MaxMinutes: -1}}), model.ErrInvalidInput)
}

func entry(conv string, enq time.Time, score float64) model.QueueEntry {
	return model.QueueEntry{
		Item:  model.QueueItem{ID: "item-" + conv, ConversationID: conv, EnqueuedAt: enq},
		Score: score,
	}
}

func TestOrderIsDeterministic(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	want := []string{"high", "a-early", "b-early", "c-late", "low"}
	entries := []model.QueueEntry{
		entry("c-late", base.Add(time.Second), 5),
		entry("low", base, 1),
		entry("b-early", base, 5),
		entry("high", base.Add(time.Hour), 9),
		entry("a-early", base, 5),
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		rng.Shuffle(len(entries), func(a, b int) { entries[a], entries[b] = entries[b], entries[a] })
		Order(entries)
		got := make([]string, len(entries))
		for j, e := range entries {
			got[j] = e.Item.ConversationID
		}
		require.Equal(t, want, got)
	}
}

func TestRescoreUsesSharedNow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := []model.PriorityRule{
		{Kind: model.RuleRequesterTier, Weight: 100, Values: map[string]float64{"vip": 1}},
		{Kind: model.RuleWaitTime},
	}
	entries := []model.QueueEntry{
		{Item: model.QueueItem{ConversationID: "old", EnqueuedAt: base}},
		{Item: model.QueueItem{ConversationID: "vip", EnqueuedAt: base.Add(50 * time.Minute)}, Requester: model.Requester{Tier: "vip"}},
	}

	Rescore(policy, entries, base.Add(60*time.Minute))
	assert.Equal(t, "vip", entries[0].Item.ConversationID)
	assert.InDelta(t, 110, entries[0].Score, 1e-9)
	assert.InDelta(t, 60, entries[1].Score, 1e-9)

	assert.Zero(t, entries[0].Item.PriorityScore)

	// At the vip's enqueue instant the old item has waited 50 minutes.
	Rescore([]model.PriorityRule{{Kind: model.RuleWaitTime}}, entries, base.Add(50*time.Minute))
	assert.Equal(t, "old", entries[0].Item.ConversationID)
	assert.InDelta(t, 50, entries[0].Score, 1e-9)
	assert.Zero(t, entries[1].Score)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "fifo", Describe(nil))
	assert.Equal(t, "[wait_time*2]", Describe([]model.PriorityRule{{Kind: model.RuleWaitTime, Weight: 2}}))
}
