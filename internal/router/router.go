// ABOUTME: Queue selection by skill subset and specificity with default-queue fallback
// ABOUTME: Pure functions; the caller supplies the catalog snapshot and the pool lookup

package router

import (
	"fmt"
	"slices"

	"github.com/2389/shovel-router/internal/model"
)

// PoolCheck reports whether at least one active operator pool can serve
// the queue's skills. It is answered by the operator directory.
type PoolCheck func(q model.Queue) bool

// Candidates returns the queues whose required skills are a subset of
// required and whose pool check passes, most specific first. The default
// queue is included only when it matches on its own merits.
func Candidates(required []string, queues []model.Queue, covers PoolCheck) []model.Queue {
	var out []model.Queue
	for _, q := range queues {
		if !isSubset(q.SkillsRequired, required) {
			continue
		}
		if covers != nil && !covers(q) {
			continue
		}
		out = append(out, q)
	}
	slices.SortFunc(out, compareCandidates)
	return out
}

// Select picks the one queue a conversation needing a human belongs to.
// The most specific matching queue wins; with no match the default queue
// is used; with no default it fails with model.ErrNoRoutableQueue.
func Select(required []string, queues []model.Queue, covers PoolCheck) (model.Queue, error) {
	if c := Candidates(required, queues, covers); len(c) > 0 {
		return c[0], nil
	}
	for _, q := range queues {
		if q.IsDefault {
			return q, nil
		}
	}
	return model.Queue{}, fmt.Errorf("%w: no queue covers skills %v and no default queue is configured",
		model.ErrNoRoutableQueue, required)
}

// compareCandidates orders by specificity desc, then non-default first,
// then slug and id ascending so selection never depends on catalog order.
func compareCandidates(a, b model.Queue) int {
	if d := b.Specificity() - a.Specificity(); d != 0 {
		return d
	}
	if a.IsDefault != b.IsDefault {
		if a.IsDefault {
			return 1
		}
		return -1
	}
	if a.Slug != b.Slug {
		if a.Slug < b.Slug {
			return -1
		}
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

func isSubset(sub, set []string) bool {
	for _, s := range sub {
		if !slices.Contains(set, s) {
			return false
		}
	}
	return true
}
