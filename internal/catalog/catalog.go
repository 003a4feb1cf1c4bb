// ABOUTME: Queue catalog service: create, update, delete and set-default with audit events
// ABOUTME: Default swaps retry when a concurrent transaction claimed the default first

package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/shovel-router/internal/events"
	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/router"
	"github.com/2389/shovel-router/internal/store"
)

const (
	maxNameLength      = 255
	maxDefaultAttempts = 5

	// DefaultPerPage and MaxPerPage bound List pages.
	DefaultPerPage = 50
	MaxPerPage     = 100
)

// QueueInput describes a queue to create.
type QueueInput struct {
	Name           string
	Slug           string // generated from Name when empty
	Description    string
	SkillsRequired []string
	PriorityPolicy []model.PriorityRule
	IsDefault      bool
}

// QueuePatch changes the non-nil fields of a queue.
type QueuePatch struct {
	Name           *string
	Slug           *string
	Description    *string
	SkillsRequired *[]string
	PriorityPolicy *[]model.PriorityRule
	IsDefault      *bool
}

// ListOptions selects one page of queues.
type ListOptions struct {
	Search  string
	Page    int // 1-based
	PerPage int
}

// Page is one page of List results.
type Page struct {
	Queues  []model.Queue
	Total   int
	Page    int
	PerPage int
}

// Catalog manages queues.
type Catalog struct {
	store  *store.Store
	sink   *events.Sink
	logger *slog.Logger
	now    func() time.Time
}

// New creates a catalog. Pass nil logger for default.
func New(st *store.Store, sink *events.Sink, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:  st,
		sink:   sink,
		logger: logger.With("component", "catalog"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create validates in and stores a new queue. When in.IsDefault is set the
// previous default is cleared in the same transaction.
func (c *Catalog) Create(ctx context.Context, in QueueInput, actor model.Actor) (*model.Queue, error) {
	slug, err := Slugify(in.Slug, in.Name)
	if err != nil {
		return nil, err
	}
	now := c.now()
	qu := &model.Queue{
		ID:             uuid.New().String(),
		Name:           strings.TrimSpace(in.Name),
		Slug:           slug,
		Description:    strings.TrimSpace(in.Description),
		SkillsRequired: model.NormalizeSkills(in.SkillsRequired),
		PriorityPolicy: slices.Clone(in.PriorityPolicy),
		IsDefault:      in.IsDefault,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := validate(qu); err != nil {
		return nil, err
	}

	var batch *events.Batch
	err = c.retryDefault(ctx, func() error {
		return c.store.WithTx(ctx, func(q *store.Queries) error {
			batch = c.sink.Begin(q)
			var cleared []string
			if qu.IsDefault {
				var err error
				if cleared, err = q.ClearDefaults(ctx, qu.ID); err != nil {
					return err
				}
			}
			if err := q.InsertQueue(ctx, qu); err != nil {
				return err
			}
			if err := batch.Record(ctx, queueEvent(model.AuditQueueCreated, qu, actor, map[string]any{
				"name":            qu.Name,
				"slug":            qu.Slug,
				"skills_required": qu.SkillsRequired,
				"priority_policy": router.Describe(qu.PriorityPolicy),
				"is_default":      qu.IsDefault,
			})); err != nil {
				return err
			}
			if qu.IsDefault {
				return batch.Record(ctx, defaultChanged(qu, cleared, actor))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	batch.Publish()

	c.logger.Info("queue created", "id", qu.ID, "slug", qu.Slug, "default", qu.IsDefault)
	return qu, nil
}

// Update applies patch to queue id. Items already waiting in the queue are
// left as they are.
func (c *Catalog) Update(ctx context.Context, id string, patch QueuePatch, actor model.Actor) (*model.Queue, error) {
	var (
		batch   *events.Batch
		updated *model.Queue
	)
	err := c.retryDefault(ctx, func() error {
		return c.store.WithTx(ctx, func(q *store.Queries) error {
			batch = c.sink.Begin(q)
			current, err := q.LockQueue(ctx, id)
			if err != nil {
				return err
			}
			next, changed, err := applyPatch(*current, patch)
			if err != nil {
				return err
			}
			if len(changed) == 0 {
				updated = current
				return nil
			}
			next.UpdatedAt = c.now()

			becameDefault := next.IsDefault && !current.IsDefault
			var cleared []string
			if becameDefault {
				if cleared, err = q.ClearDefaults(ctx, next.ID); err != nil {
					return err
				}
			}
			if err := q.UpdateQueue(ctx, &next); err != nil {
				return err
			}
			if err := batch.Record(ctx, queueEvent(model.AuditQueueUpdated, &next, actor, map[string]any{
				"changed": changed,
				"slug":    next.Slug,
			})); err != nil {
				return err
			}
			if becameDefault || (current.IsDefault && !next.IsDefault) {
				if err := batch.Record(ctx, defaultChanged(&next, cleared, actor)); err != nil {
					return err
				}
			}
			updated = &next
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	batch.Publish()

	c.logger.Info("queue updated", "id", updated.ID, "slug", updated.Slug)
	return updated, nil
}

// SetDefault makes id the single default queue.
func (c *Catalog) SetDefault(ctx context.Context, id string, actor model.Actor) (*model.Queue, error) {
	yes := true
	return c.Update(ctx, id, QueuePatch{IsDefault: &yes}, actor)
}

// Delete removes a queue. The default queue is refused before emptiness is
// considered; a queue holding live items is refused next.
func (c *Catalog) Delete(ctx context.Context, id string, actor model.Actor) error {
	var batch *events.Batch
	err := c.store.WithTx(ctx, func(q *store.Queries) error {
		batch = c.sink.Begin(q)
		qu, err := q.LockQueue(ctx, id)
		if err != nil {
			return err
		}
		if qu.IsDefault {
			return fmt.Errorf("queue %s: %w", qu.Slug, model.ErrCannotDeleteDefault)
		}
		n, err := q.CountQueueItems(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("queue %s holds %d items: %w", qu.Slug, n, model.ErrQueueNotEmpty)
		}
		if err := q.DeleteQueue(ctx, id); err != nil {
			return err
		}
		return batch.Record(ctx, queueEvent(model.AuditQueueDeleted, qu, actor, map[string]any{
			"name": qu.Name,
			"slug": qu.Slug,
		}))
	})
	if err != nil {
		return err
	}
	batch.Publish()

	c.logger.Info("queue deleted", "id", id)
	return nil
}

// Get loads a queue by id.
func (c *Catalog) Get(ctx context.Context, id string) (*model.Queue, error) {
	return c.store.GetQueue(ctx, id)
}

// GetBySlug loads a queue by slug.
func (c *Catalog) GetBySlug(ctx context.Context, slug string) (*model.Queue, error) {
	return c.store.GetQueueBySlug(ctx, slug)
}

// Default returns the default queue or model.ErrNotFound.
func (c *Catalog) Default(ctx context.Context) (*model.Queue, error) {
	return c.store.GetDefaultQueue(ctx)
}

// All returns every queue ordered by name.
func (c *Catalog) All(ctx context.Context) ([]model.Queue, error) {
	return c.store.ListAllQueues(ctx)
}

// List returns one page of queues matching opts.Search.
func (c *Catalog) List(ctx context.Context, opts ListOptions) (Page, error) {
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	perPage = min(perPage, MaxPerPage)
	page := max(opts.Page, 1)

	queues, total, err := c.store.ListQueues(ctx, store.QueueFilter{
		Search: opts.Search,
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	})
	if err != nil {
		return Page{}, err
	}
	return Page{Queues: queues, Total: total, Page: page, PerPage: perPage}, nil
}

// Entries returns the queue's dequeue view: every live item rescored with
// one shared clock reading and sorted in claim order.
func (c *Catalog) Entries(ctx context.Context, queueID string) ([]model.QueueEntry, error) {
	qu, err := c.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	entries, err := c.store.ListQueueEntries(ctx, queueID)
	if err != nil {
		return nil, err
	}
	router.Rescore(qu.PriorityPolicy, entries, c.now())
	return entries, nil
}

// Depths returns live item counts keyed by queue id.
func (c *Catalog) Depths(ctx context.Context) (map[string]int, error) {
	return c.store.QueueDepths(ctx)
}

// retryDefault re-runs fn while a concurrent transaction wins the default
// slot first. Only Postgres reports the conflict; SQLite serializes writers.
func (c *Catalog) retryDefault(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxDefaultAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, store.ErrDefaultConflict) {
			return err
		}
		c.logger.Warn("default queue changed concurrently, retrying", "attempt", attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func validate(qu *model.Queue) error {
	switch {
	case qu.Name == "":
		return model.InvalidInput("name is required")
	case len(qu.Name) > maxNameLength:
		return model.InvalidInput("name must be at most %d characters", maxNameLength)
	case len(qu.Slug) > maxNameLength:
		return model.InvalidInput("slug must be at most %d characters", maxNameLength)
	}
	return router.ValidatePolicy(qu.PriorityPolicy)
}

// applyPatch returns the patched queue and the names of fields that
// actually changed.
func applyPatch(qu model.Queue, p QueuePatch) (model.Queue, []string, error) {
	next := qu.Clone()
	var changed []string

	if p.Name != nil && strings.TrimSpace(*p.Name) != qu.Name {
		next.Name = strings.TrimSpace(*p.Name)
		changed = append(changed, "name")
	}
	if p.Slug != nil {
		slug, err := Slugify(*p.Slug, next.Name)
		if err != nil {
			return qu, nil, err
		}
		if slug != qu.Slug {
			next.Slug = slug
			changed = append(changed, "slug")
		}
	}
	if p.Description != nil && strings.TrimSpace(*p.Description) != qu.Description {
		next.Description = strings.TrimSpace(*p.Description)
		changed = append(changed, "description")
	}
	if p.SkillsRequired != nil {
		skills := model.NormalizeSkills(*p.SkillsRequired)
		if !slices.Equal(skills, qu.SkillsRequired) {
			next.SkillsRequired = skills
			changed = append(changed, "skills_required")
		}
	}
	if p.PriorityPolicy != nil {
		next.PriorityPolicy = slices.Clone(*p.PriorityPolicy)
		changed = append(changed, "priority_policy")
	}
	if p.IsDefault != nil && *p.IsDefault != qu.IsDefault {
		next.IsDefault = *p.IsDefault
		changed = append(changed, "is_default")
	}

	if err := validate(&next); err != nil {
		return qu, nil, err
	}
	return next, changed, nil
}

func queueEvent(eventType string, qu *model.Queue, actor model.Actor, payload map[string]any) *model.AuditEvent {
	id := qu.ID
	return &model.AuditEvent{
		EventType: eventType,
		QueueID:   &id,
		Actor:     actor,
		Payload:   payload,
	}
}

func defaultChanged(qu *model.Queue, cleared []string, actor model.Actor) *model.AuditEvent {
	payload := map[string]any{"queue_id": qu.ID, "is_default": qu.IsDefault}
	if len(cleared) > 0 {
		payload["previous_default_ids"] = cleared
	}
	return queueEvent(model.AuditQueueDefaultChanged, qu, actor, payload)
}
