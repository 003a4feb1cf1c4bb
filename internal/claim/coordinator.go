// ABOUTME: ClaimCoordinator: exactly-once assignment of a queue item to an operator
// ABOUTME: Bounded lock wait turns contention into ErrClaimContended instead of hanging

package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/2389/shovel-router/internal/catalog"
	"github.com/2389/shovel-router/internal/directory"
	"github.com/2389/shovel-router/internal/events"
	"github.com/2389/shovel-router/internal/metrics"
	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/statemachine"
	"github.com/2389/shovel-router/internal/store"
	"github.com/2389/shovel-router/internal/telemetry"
)

// Defaults for Options.
const (
	DefaultClaimTimeout = 2 * time.Second
	DefaultLockTimeout  = time.Second
)

// Options bounds how long a claim may wait.
type Options struct {
	// ClaimTimeout caps the whole claim transaction, including waiting for
	// a connection.
	ClaimTimeout time.Duration
	// LockTimeout caps the wait for the item's row lock on Postgres.
	LockTimeout time.Duration
}

// Assignment is the result of a successful claim.
type Assignment struct {
	Conversation model.Conversation
	Item         model.QueueItem
	OperatorID   string
	Event        *model.AuditEvent
}

// Coordinator serializes claims per queue item.
type Coordinator struct {
	store     *store.Store
	sink      *events.Sink
	directory directory.Directory
	catalog   *catalog.Catalog
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a coordinator. Pass nil logger for default.
func New(st *store.Store, sink *events.Sink, dir directory.Directory, cat *catalog.Catalog, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = DefaultClaimTimeout
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	return &Coordinator{
		store:     st,
		sink:      sink,
		directory: dir,
		catalog:   cat,
		opts:      opts,
		logger:    logger.With("component", "claim"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Claim assigns queue item itemID in queueID to operatorID. It returns
// model.ErrNotEligible before touching the item when the operator lacks a
// required skill, model.ErrAlreadyClaimed when another claim committed
// first, and model.ErrClaimContended when the lock window elapsed.
func (c *Coordinator) Claim(ctx context.Context, queueID, itemID, operatorID string) (_ *Assignment, err error) {
	ctx, span := telemetry.StartSpan(ctx, "claim.claim",
		attribute.String("queue_id", queueID),
		attribute.String("item_id", itemID),
		attribute.String("operator_id", operatorID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		metrics.ClaimDuration.Observe(time.Since(start).Seconds())
		metrics.ClaimOutcomes.WithLabelValues(outcome(err)).Inc()
	}()

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.opts.ClaimTimeout)
	defer cancel()

	qu, err := c.eligibleQueue(ctx, queueID, operatorID)
	if err != nil {
		return nil, c.mapError(parent, err, itemID, operatorID)
	}
	a, err := c.claim(ctx, qu, itemID, operatorID)
	if err != nil {
		return nil, c.mapError(parent, err, itemID, operatorID)
	}
	return a, nil
}

// ClaimNext claims the head of the queue's dequeue order. When the head is
// lost to a concurrent claimer it moves on to the next item. It returns
// model.ErrNotFound when the queue has nothing left to claim.
func (c *Coordinator) ClaimNext(ctx context.Context, queueID, operatorID string) (_ *Assignment, err error) {
	ctx, span := telemetry.StartSpan(ctx, "claim.claim_next",
		attribute.String("queue_id", queueID),
		attribute.String("operator_id", operatorID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		metrics.ClaimDuration.Observe(time.Since(start).Seconds())
		metrics.ClaimOutcomes.WithLabelValues(outcome(err)).Inc()
	}()

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.opts.ClaimTimeout)
	defer cancel()

	qu, err := c.eligibleQueue(ctx, queueID, operatorID)
	if err != nil {
		return nil, c.mapError(parent, err, "", operatorID)
	}
	entries, err := c.catalog.Entries(ctx, queueID)
	if err != nil {
		return nil, c.mapError(parent, err, "", operatorID)
	}
	for _, e := range entries {
		a, err := c.claim(ctx, qu, e.Item.ID, operatorID)
		if errors.Is(err, model.ErrAlreadyClaimed) {
			c.logger.Debug("head claimed concurrently, trying next", "item_id", e.Item.ID)
			continue
		}
		if err != nil {
			return nil, c.mapError(parent, err, e.Item.ID, operatorID)
		}
		return a, nil
	}
	return nil, fmt.Errorf("queue %s has no claimable items: %w", qu.Slug, model.ErrNotFound)
}

func (c *Coordinator) eligibleQueue(ctx context.Context, queueID, operatorID string) (*model.Queue, error) {
	qu, err := c.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	ok, err := directory.Eligible(ctx, c.directory, *qu, operatorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.logger.Info("claim rejected: operator not eligible", "queue", qu.Slug, "operator_id", operatorID)
		return nil, fmt.Errorf("operator %s for queue %s: %w", operatorID, qu.Slug, model.ErrNotEligible)
	}
	return qu, nil
}

func (c *Coordinator) claim(ctx context.Context, qu *model.Queue, itemID, operatorID string) (*Assignment, error) {
	var (
		batch  *events.Batch
		result *Assignment
	)
	err := c.store.WithTx(ctx, func(q *store.Queries) error {
		batch = c.sink.Begin(q)
		if err := q.SetLockTimeout(ctx, c.opts.LockTimeout); err != nil {
			return err
		}

		item, err := q.LockQueueItem(ctx, itemID)
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("queue item %s: %w", itemID, model.ErrAlreadyClaimed)
		}
		if err != nil {
			return err
		}
		if item.QueueID != qu.ID {
			return fmt.Errorf("queue item %s is not in queue %s: %w", itemID, qu.Slug, model.ErrNotFound)
		}

		conv, err := q.GetConversation(ctx, item.ConversationID)
		if err != nil {
			return err
		}
		next, tr, err := statemachine.Apply(*conv, model.EventClaimed, statemachine.Context{
			Actor:      model.Actor{Type: model.ActorOperator, ID: operatorID},
			QueueID:    qu.ID,
			OperatorID: operatorID,
			Extra:      map[string]any{"queue_item_id": item.ID},
			Now:        c.now(),
		})
		if err != nil {
			return err
		}

		if err := q.DeleteQueueItem(ctx, item.ID, item.Version); err != nil {
			if errors.Is(err, model.ErrVersionConflict) {
				return fmt.Errorf("queue item %s: %w", itemID, model.ErrAlreadyClaimed)
			}
			return err
		}
		if err := q.UpdateConversation(ctx, &next); err != nil {
			if errors.Is(err, model.ErrVersionConflict) {
				return fmt.Errorf("conversation %s changed during claim: %w", conv.ID, model.ErrAlreadyClaimed)
			}
			return err
		}
		queueID := qu.ID
		if err := batch.RecordTransition(ctx, tr, &queueID); err != nil {
			return err
		}

		result = &Assignment{
			Conversation: next,
			Item:         *item,
			OperatorID:   operatorID,
			Event:        batch.Events()[len(batch.Events())-1],
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	batch.Publish()
	metrics.TransitionsTotal.WithLabelValues(string(model.EventClaimed)).Inc()

	c.logger.Info("queue item claimed",
		"queue", qu.Slug,
		"item_id", itemID,
		"conversation_id", result.Conversation.ID,
		"operator_id", operatorID,
	)
	return result, nil
}

// mapError turns lock and connection waits that ran out the claim window
// into ErrClaimContended. parent is the caller's context; if it was
// cancelled its error is returned as is.
func (c *Coordinator) mapError(ctx context.Context, err error, itemID, operatorID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case errors.Is(err, model.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn("claim contended", "item_id", itemID, "operator_id", operatorID, "error", err)
		return fmt.Errorf("queue item %s: %w", itemID, model.ErrClaimContended)
	case errors.Is(err, model.ErrAlreadyClaimed):
		c.logger.Info("claim lost", "item_id", itemID, "operator_id", operatorID)
	}
	var te *model.TransitionError
	if errors.As(err, &te) {
		metrics.TransitionRejections.WithLabelValues(string(te.Event), string(te.From)).Inc()
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "won"
	case errors.Is(err, model.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, model.ErrClaimContended):
		return "contended"
	case errors.Is(err, model.ErrNotEligible):
		return "not_eligible"
	default:
		return "error"
	}
}
