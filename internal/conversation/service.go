// ABOUTME: Conversation service: creation, messages, lifecycle signals and queue routing
// ABOUTME: Each transition commits with a version check and its audit event in one transaction

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/2389/shovel-router/internal/claim"
	"github.com/2389/shovel-router/internal/directory"
	"github.com/2389/shovel-router/internal/events"
	"github.com/2389/shovel-router/internal/metrics"
	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/router"
	"github.com/2389/shovel-router/internal/statemachine"
	"github.com/2389/shovel-router/internal/store"
	"github.com/2389/shovel-router/internal/telemetry"
)

// DefaultMaxCommitRetries bounds re-reads after a version conflict.
const DefaultMaxCommitRetries = 3

// automationChannel is recorded in the agent_begins payload when a
// requester message starts automation. The conversation's own channel is
// left alone.
const automationChannel = "api"

// Claimer performs exactly-once claims. *claim.Coordinator implements it.
type Claimer interface {
	Claim(ctx context.Context, queueID, itemID, operatorID string) (*claim.Assignment, error)
}

// Options tunes the service.
type Options struct {
	MaxCommitRetries int
}

// Service is the entry point for inbound conversation traffic.
type Service struct {
	store     *store.Store
	sink      *events.Sink
	directory directory.Directory
	claimer   Claimer
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a conversation service. Pass nil logger for default.
func New(st *store.Store, sink *events.Sink, dir directory.Directory, claimer Claimer, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxCommitRetries <= 0 {
		opts.MaxCommitRetries = DefaultMaxCommitRetries
	}
	return &Service{
		store:     st,
		sink:      sink,
		directory: dir,
		claimer:   claimer,
		opts:      opts,
		logger:    logger.With("component", "conversation"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest opens a conversation.
type CreateRequest struct {
	Requester model.Requester
	Channel   string
}

// Result is what a committed operation produced.
type Result struct {
	Conversation model.Conversation
	Message      *model.Message
	QueueItem    *model.QueueItem
	Events       []*model.AuditEvent
}

// Create stores a new conversation in state New.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	req.Requester.Type = strings.TrimSpace(req.Requester.Type)
	req.Requester.Identifier = strings.TrimSpace(req.Requester.Identifier)
	if req.Requester.Type == "" || req.Requester.Identifier == "" {
		return nil, model.InvalidInput("requester type and identifier are required")
	}

	now := s.now()
	conv := model.Conversation{
		ID:             uuid.New().String(),
		State:          model.StateNew,
		Requester:      req.Requester,
		Channel:        strings.TrimSpace(req.Channel),
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var batch *events.Batch
	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		batch = s.sink.Begin(q)
		if err := q.InsertConversation(ctx, &conv); err != nil {
			return err
		}
		id := conv.ID
		return batch.Record(ctx, &model.AuditEvent{
			EventType:      model.AuditConversationCreated,
			ConversationID: &id,
			Actor:          requesterActor(conv.Requester),
			Payload: map[string]any{
				"requester_type": conv.Requester.Type,
				"channel":        conv.Channel,
			},
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	batch.Publish()

	s.logger.Info("conversation created", "id", conv.ID, "channel", conv.Channel)
	return &Result{Conversation: conv, Events: batch.Events()}, nil
}

// Get loads a conversation.
func (s *Service) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// List returns conversations matching f, most recently active first.
func (s *Service) List(ctx context.Context, f store.ConversationFilter) ([]*model.Conversation, error) {
	return s.store.ListConversations(ctx, f)
}

// ListMessages returns up to limit messages oldest first.
func (s *Service) ListMessages(ctx context.Context, id string, limit int) ([]*model.Message, error) {
	if _, err := s.store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, id, limit)
}

// AppendRequesterMessage appends a requester message and bumps
// last_activity_at. When agent_begins is legal from the current state it is
// applied in the same transaction.
func (s *Service) AppendRequesterMessage(ctx context.Context, id, body string) (*Result, error) {
	return s.appendMessage(ctx, id, model.AuthorRequester, "", body)
}

// AppendOperatorMessage appends a message written by a human operator.
func (s *Service) AppendOperatorMessage(ctx context.Context, id, operatorID, body string) (*Result, error) {
	if strings.TrimSpace(operatorID) == "" {
		return nil, model.InvalidInput("operator id is required")
	}
	return s.appendMessage(ctx, id, model.AuthorOperator, operatorID, body)
}

func (s *Service) appendMessage(ctx context.Context, id string, author model.MessageAuthor, authorID, body string) (*Result, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, model.InvalidInput("message body is required")
	}

	var msg *model.Message
	conv, batch, err := s.commit(ctx, id, func(q *store.Queries, batch *events.Batch) (model.Conversation, error) {
		conv, err := q.GetConversation(ctx, id)
		if err != nil {
			return model.Conversation{}, err
		}
		if conv.State.Terminal() {
			return model.Conversation{}, model.InvalidInput("conversation %s is %s", id, conv.State)
		}

		now := s.now()
		msg = &model.Message{
			ID:             uuid.New().String(),
			ConversationID: id,
			Author:         author,
			AuthorID:       authorID,
			Body:           body,
			CreatedAt:      now,
		}
		if err := q.InsertMessage(ctx, msg); err != nil {
			return model.Conversation{}, err
		}
		actor := requesterActor(conv.Requester)
		if author == model.AuthorOperator {
			actor = model.Actor{Type: model.ActorOperator, ID: authorID}
		}
		convID := id
		if err := batch.Record(ctx, &model.AuditEvent{
			EventType:      model.AuditMessageCreated,
			ConversationID: &convID,
			QueueID:        conv.QueueID,
			Actor:          actor,
			Payload:        map[string]any{"message_id": msg.ID, "author": string(author)},
			OccurredAt:     now,
		}); err != nil {
			return model.Conversation{}, err
		}

		next := *conv
		if author == model.AuthorRequester && statemachine.Can(conv.State, model.EventAgentBegins) {
			next, err = s.applyLoaded(ctx, q, batch, conv, model.EventAgentBegins, statemachine.Context{
				Actor: model.SystemActor,
				Extra: map[string]any{"message_id": msg.ID, "channel": automationChannel},
				Now:   now,
			})
			if err != nil {
				return model.Conversation{}, err
			}
		}
		if err := q.TouchConversation(ctx, id, now); err != nil {
			return model.Conversation{}, err
		}
		next.LastActivityAt = now
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	s.countTransitions(batch)
	return &Result{Conversation: conv, Message: msg, Events: batch.Events()}, nil
}

// Signal applies event to conversation id. handoff_requested also routes
// the conversation; enqueued routes it (or places it in sctx.QueueID when
// set); claimed goes through the claim coordinator; abandoned drops any
// live queue item in the same transaction.
func (s *Service) Signal(ctx context.Context, id string, event model.Event, sctx statemachine.Context) (_ *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "conversation.signal",
		attribute.String("conversation_id", id),
		attribute.String("event", string(event)),
	)
	defer func() {
		telemetry.EndSpan(span, err)
		var te *model.TransitionError
		if errors.As(err, &te) {
			metrics.TransitionRejections.WithLabelValues(string(te.Event), string(te.From)).Inc()
		}
	}()

	if !event.Valid() {
		return nil, model.InvalidInput("unknown event %q", event)
	}
	if sctx.Now.IsZero() {
		sctx.Now = s.now()
	}

	switch event {
	case model.EventHandoffRequested:
		return s.handoff(ctx, id, sctx)
	case model.EventEnqueued:
		if sctx.QueueID != "" {
			return s.enqueueInto(ctx, id, sctx)
		}
		return s.route(ctx, id, sctx.Actor)
	case model.EventClaimed:
		return s.claim(ctx, id, sctx)
	case model.EventAbandoned:
		return s.abandon(ctx, id, sctx)
	default:
		return s.simple(ctx, id, event, sctx)
	}
}

// Reroute routes a conversation left in AwaitingHuman, for example after
// a queue was created to cover its skills.
func (s *Service) Reroute(ctx context.Context, id string, actor model.Actor) (*Result, error) {
	return s.Signal(ctx, id, model.EventEnqueued, statemachine.Context{Actor: actor})
}

func (s *Service) simple(ctx context.Context, id string, event model.Event, sctx statemachine.Context) (*Result, error) {
	conv, batch, err := s.commit(ctx, id, func(q *store.Queries, batch *events.Batch) (model.Conversation, error) {
		return s.apply(ctx, q, batch, id, event, sctx)
	})
	if err != nil {
		return nil, err
	}
	s.countTransitions(batch)
	s.logger.Info("conversation transitioned", "id", id, "event", event, "state", conv.State)
	return &Result{Conversation: conv, Events: batch.Events()}, nil
}

func (s *Service) handoff(ctx context.Context, id string, sctx statemachine.Context) (*Result, error) {
	handed, err := s.simple(ctx, id, model.EventHandoffRequested, sctx)
	if err != nil {
		return nil, err
	}
	routed, err := s.route(ctx, id, sctx.Actor)
	if err != nil {
		// The handoff is committed either way; callers see the routing error.
		return handed, err
	}
	routed.Events = append(handed.Events, routed.Events...)
	return routed, nil
}

func (s *Service) abandon(ctx context.Context, id string, sctx statemachine.Context) (*Result, error) {
	conv, batch, err := s.commit(ctx, id, func(q *store.Queries, batch *events.Batch) (model.Conversation, error) {
		if _, err := q.DeleteQueueItemsByConversation(ctx, id); err != nil {
			return model.Conversation{}, err
		}
		return s.apply(ctx, q, batch, id, model.EventAbandoned, sctx)
	})
	if err != nil {
		return nil, err
	}
	s.countTransitions(batch)
	s.logger.Info("conversation abandoned", "id", id)
	return &Result{Conversation: conv, Events: batch.Events()}, nil
}

func (s *Service) claim(ctx context.Context, id string, sctx statemachine.Context) (*Result, error) {
	if sctx.OperatorID == "" {
		return nil, model.InvalidInput("operator_id is required to claim")
	}
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := statemachine.Target(conv.State, model.EventClaimed); err != nil {
		var te *model.TransitionError
		if errors.As(err, &te) {
			te.ConversationID = id
		}
		return nil, err
	}
	item, err := s.store.GetQueueItemByConversation(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", id, model.ErrAlreadyClaimed)
	}
	if err != nil {
		return nil, err
	}
	a, err := s.claimer.Claim(ctx, item.QueueID, item.ID, sctx.OperatorID)
	if err != nil {
		return nil, err
	}
	return &Result{Conversation: a.Conversation, QueueItem: &a.Item, Events: []*model.AuditEvent{a.Event}}, nil
}

// route selects a queue for an AwaitingHuman conversation and enqueues it.
// Selection runs outside the transaction; the enqueue re-reads the
// conversation and fails with ErrInvalidTransition if it moved on. Any
// other failure leaves the conversation in AwaitingHuman and is recorded
// as conversation.routing_failed.
func (s *Service) route(ctx context.Context, id string, actor model.Actor) (_ *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "conversation.route", attribute.String("conversation_id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := statemachine.Target(conv.State, model.EventEnqueued); err != nil {
		var te *model.TransitionError
		if errors.As(err, &te) {
			te.ConversationID = id
		}
		return nil, err
	}

	res, outcome, err := s.selectAndEnqueue(ctx, conv, actor)
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return nil, err
		}
		label := "error"
		if errors.Is(err, model.ErrNoRoutableQueue) {
			label = "no_routable_queue"
			s.logger.Warn("no routable queue", "id", id, "required_skills", conv.RequiredSkills)
		} else {
			s.logger.Warn("routing failed", "id", id, "error", err)
		}
		metrics.RoutingOutcomes.WithLabelValues(label).Inc()
		// The handoff already committed; record the failure even when the
		// caller has gone away.
		if recErr := s.recordRoutingFailure(context.WithoutCancel(ctx), conv, actor, err); recErr != nil {
			s.logger.Error("failed to record routing failure", "id", id, "error", recErr)
		}
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	metrics.RoutingOutcomes.WithLabelValues(outcome).Inc()
	return res, nil
}

func (s *Service) selectAndEnqueue(ctx context.Context, conv *model.Conversation, actor model.Actor) (*Result, string, error) {
	queues, err := s.store.ListAllQueues(ctx)
	if err != nil {
		return nil, "", err
	}
	covers, err := directory.PoolCheck(ctx, s.directory)
	if err != nil {
		return nil, "", fmt.Errorf("operator directory: %w", err)
	}
	outcome := "matched"
	if len(router.Candidates(conv.RequiredSkills, queues, covers)) == 0 {
		outcome = "default"
	}
	selected, err := router.Select(conv.RequiredSkills, queues, covers)
	if err != nil {
		return nil, "", err
	}

	res, err := s.enqueueInto(ctx, conv.ID, statemachine.Context{
		Actor:   actor,
		QueueID: selected.ID,
		Extra:   map[string]any{"routing": outcome, "specificity": selected.Specificity()},
		Now:     s.now(),
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, "", fmt.Errorf("selected queue %s was removed: %w", selected.Slug, err)
		}
		return nil, "", err
	}
	return res, outcome, nil
}

// enqueueInto moves an AwaitingHuman conversation into sctx.QueueID.
func (s *Service) enqueueInto(ctx context.Context, id string, sctx statemachine.Context) (*Result, error) {
	if sctx.Actor.Type == "" {
		sctx.Actor = model.SystemActor
	}
	var item *model.QueueItem
	conv, batch, err := s.commit(ctx, id, func(q *store.Queries, batch *events.Batch) (model.Conversation, error) {
		qu, err := q.GetQueue(ctx, sctx.QueueID)
		if err != nil {
			return model.Conversation{}, err
		}
		conv, err := q.GetConversation(ctx, id)
		if err != nil {
			return model.Conversation{}, err
		}

		now := s.now()
		score := router.Score(qu.PriorityPolicy, router.ScoreInput{
			Requester:  conv.Requester,
			Channel:    conv.Channel,
			EnqueuedAt: now,
		}, now)
		item = &model.QueueItem{
			ID:             uuid.New().String(),
			QueueID:        qu.ID,
			ConversationID: id,
			EnqueuedAt:     now,
			PriorityScore:  score,
		}

		ectx := sctx
		ectx.Now = now
		ectx.Extra = map[string]any{"queue_item_id": item.ID, "queue_slug": qu.Slug, "priority_score": score}
		maps.Copy(ectx.Extra, sctx.Extra)
		next, err := s.applyLoaded(ctx, q, batch, conv, model.EventEnqueued, ectx)
		if err != nil {
			return model.Conversation{}, err
		}
		if err := q.InsertQueueItem(ctx, item); err != nil {
			return model.Conversation{}, err
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	s.countTransitions(batch)
	s.logger.Info("conversation enqueued", "id", id, "queue_id", item.QueueID, "score", item.PriorityScore)
	return &Result{Conversation: conv, QueueItem: item, Events: batch.Events()}, nil
}

func (s *Service) recordRoutingFailure(ctx context.Context, conv *model.Conversation, actor model.Actor, cause error) error {
	var batch *events.Batch
	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		batch = s.sink.Begin(q)
		id := conv.ID
		return batch.Record(ctx, &model.AuditEvent{
			EventType:      model.AuditRoutingFailed,
			ConversationID: &id,
			Actor:          actor,
			Payload: map[string]any{
				"required_skills": conv.RequiredSkills,
				"reason":          cause.Error(),
			},
		})
	})
	if err != nil {
		return err
	}
	batch.Publish()
	return nil
}

// apply loads the conversation and applies event inside the transaction.
func (s *Service) apply(ctx context.Context, q *store.Queries, batch *events.Batch, id string, event model.Event, sctx statemachine.Context) (model.Conversation, error) {
	conv, err := q.GetConversation(ctx, id)
	if err != nil {
		return model.Conversation{}, err
	}
	return s.applyLoaded(ctx, q, batch, conv, event, sctx)
}

// applyLoaded applies event to a snapshot read in this transaction,
// commits it with a version check and records the audit event.
func (s *Service) applyLoaded(ctx context.Context, q *store.Queries, batch *events.Batch, conv *model.Conversation, event model.Event, sctx statemachine.Context) (model.Conversation, error) {
	next, tr, err := statemachine.Apply(*conv, event, sctx)
	if err != nil {
		return model.Conversation{}, err
	}
	if err := q.UpdateConversation(ctx, &next); err != nil {
		return model.Conversation{}, err
	}
	// Resolve and abandon report the queue the conversation just left.
	queueID := next.QueueID
	if queueID == nil {
		queueID = conv.QueueID
	}
	if err := batch.RecordTransition(ctx, tr, queueID); err != nil {
		return model.Conversation{}, err
	}
	return next, nil
}

// commit runs fn in a transaction and publishes its events once committed.
// A version conflict re-runs fn from a fresh read.
func (s *Service) commit(ctx context.Context, id string, fn func(q *store.Queries, batch *events.Batch) (model.Conversation, error)) (model.Conversation, *events.Batch, error) {
	var (
		conv  model.Conversation
		batch *events.Batch
	)
	for attempt := 0; ; attempt++ {
		err := s.store.WithTx(ctx, func(q *store.Queries) error {
			batch = s.sink.Begin(q)
			var err error
			conv, err = fn(q, batch)
			return err
		})
		if err == nil {
			batch.Publish()
			return conv, batch, nil
		}
		if !errors.Is(err, model.ErrVersionConflict) || attempt >= s.opts.MaxCommitRetries {
			return model.Conversation{}, nil, err
		}
		metrics.VersionConflicts.Inc()
		s.logger.Warn("conversation changed concurrently, retrying", "id", id, "attempt", attempt+1)
	}
}

func (s *Service) countTransitions(batch *events.Batch) {
	for _, ev := range batch.Events() {
		if e, ok := strings.CutPrefix(ev.EventType, "conversation."); ok && model.Event(e).Valid() {
			metrics.TransitionsTotal.WithLabelValues(e).Inc()
		}
	}
}

func requesterActor(r model.Requester) model.Actor {
	return model.Actor{Type: model.ActorRequester, ID: r.Identifier}
}
