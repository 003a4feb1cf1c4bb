// ABOUTME: Priority policy evaluation and the deterministic dequeue order
// ABOUTME: score desc, enqueued_at asc, conversation id asc

package router

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/2389/shovel-router/internal/model"
)

// ScoreInput is what a priority policy may read.
type ScoreInput struct {
	Requester  model.Requester
	Channel    string
	EnqueuedAt time.Time
}

// Score sums every rule's weighted contribution in declared order.
// Unknown tier or channel values contribute zero.
func Score(policy []model.PriorityRule, in ScoreInput, now time.Time) float64 {
	var total float64
	for _, r := range policy {
		w := r.Weight
		if w == 0 {
			w = 1
		}
		total += w * contribution(r, in, now)
	}
	return total
}

func contribution(r model.PriorityRule, in ScoreInput, now time.Time) float64 {
	switch r.Kind {
	case model.RuleRequesterTier:
		return r.Values[in.Requester.Tier]
	case model.RuleChannel:
		return r.Values[in.Channel]
	case model.RuleWaitTime:
		waited := now.Sub(in.EnqueuedAt).Minutes()
		if waited < 0 {
			waited = 0
		}
		if r.MaxMinutes > 0 {
			waited = math.Min(waited, r.MaxMinutes)
		}
		return waited
	case model.RuleConstant:
		return 1
	}
	return 0
}

// ValidatePolicy rejects unknown rule kinds and negative caps.
func ValidatePolicy(policy []model.PriorityRule) error {
	for i, r := range policy {
		if !slices.Contains(model.ValidRuleKinds, r.Kind) {
			return model.InvalidInput("priority_policy[%d]: unknown rule kind %q", i, r.Kind)
		}
		if r.MaxMinutes < 0 {
			return model.InvalidInput("priority_policy[%d]: max_minutes must not be negative", i)
		}
		if math.IsNaN(r.Weight) || math.IsInf(r.Weight, 0) {
			return model.InvalidInput("priority_policy[%d]: weight must be finite", i)
		}
	}
	return nil
}

// Rescore recomputes every entry's score against one shared now and sorts
// the slice into dequeue order. Stored scores are not touched.
func Rescore(policy []model.PriorityRule, entries []model.QueueEntry, now time.Time) {
	for i := range entries {
		e := &entries[i]
		e.Score = Score(policy, ScoreInput{
			Requester:  e.Requester,
			Channel:    e.Channel,
			EnqueuedAt: e.Item.EnqueuedAt,
		}, now)
	}
	Order(entries)
}

// Order sorts entries by score desc, enqueued_at asc, conversation id asc.
func Order(entries []model.QueueEntry) {
	slices.SortStableFunc(entries, compareEntries)
}

func compareEntries(a, b model.QueueEntry) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	if c := a.Item.EnqueuedAt.Compare(b.Item.EnqueuedAt); c != 0 {
		return c
	}
	switch {
	case a.Item.ConversationID < b.Item.ConversationID:
		return -1
	case a.Item.ConversationID > b.Item.ConversationID:
		return 1
	}
	return 0
}

// Describe renders a policy for log lines.
func Describe(policy []model.PriorityRule) string {
	if len(policy) == 0 {
		return "fifo"
	}
	parts := make([]string, 0, len(policy))
	for _, r := range policy {
		w := r.Weight
		if w == 0 {
			w = 1
		}
		parts = append(parts, fmt.Sprintf("%s*%g", r.Kind, w))
	}
	return fmt.Sprint(parts)
}
