// ABOUTME: Queue, QueueItem and priority policy rule types
// ABOUTME: Priority rules are evaluated by package router; this file only defines their shape

package model

import (
	"slices"
	"strings"
	"time"
)

// RuleKind selects how a PriorityRule contributes to a score.
type RuleKind string

const (
	// RuleRequesterTier adds Values[requester.tier].
	RuleRequesterTier RuleKind = "requester_tier"
	// RuleWaitTime adds minutes waited since enqueue, capped at MaxMinutes when set.
	RuleWaitTime RuleKind = "wait_time"
	// RuleChannel adds Values[conversation.channel].
	RuleChannel RuleKind = "channel"
	// RuleConstant adds 1.
	RuleConstant RuleKind = "constant"
)

// ValidRuleKinds lists every supported rule kind.
var ValidRuleKinds = []RuleKind{RuleRequesterTier, RuleWaitTime, RuleChannel, RuleConstant}

// PriorityRule is one weighted term of a queue's priority policy.
// Weight defaults to 1 when omitted.
type PriorityRule struct {
	Kind       RuleKind           `json:"kind"`
	Weight     float64            `json:"weight,omitempty"`
	Values     map[string]float64 `json:"values,omitempty"`
	MaxMinutes float64            `json:"max_minutes,omitempty"`
}

// Queue is a named bucket of pending human work.
type Queue struct {
	ID             string
	Name           string
	Slug           string
	Description    string
	SkillsRequired []string
	PriorityPolicy []PriorityRule
	IsDefault      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Specificity is the number of skills the queue requires.
func (q *Queue) Specificity() int {
	return len(q.SkillsRequired)
}

// Clone returns a deep copy of the queue.
func (q Queue) Clone() Queue {
	out := q
	out.SkillsRequired = slices.Clone(q.SkillsRequired)
	out.PriorityPolicy = slices.Clone(q.PriorityPolicy)
	return out
}

// QueueItem is a claim-eligible reference from a queue to a conversation.
type QueueItem struct {
	ID             string
	QueueID        string
	ConversationID string
	EnqueuedAt     time.Time
	PriorityScore  float64 // score computed at enqueue time
	Version        int64
}

// QueueEntry is a QueueItem joined with the conversation fields the
// priority policy reads. Score is recomputed on every dequeue scan.
type QueueEntry struct {
	Item      QueueItem
	Requester Requester
	Channel   string
	Score     float64
}

// NormalizeSkills trims, sorts and de-duplicates a skill set, dropping
// empty entries. It returns nil for an empty set.
func NormalizeSkills(skills []string) []string {
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
