// ABOUTME: Pure transition function over (conversation snapshot, event) -> next snapshot
// ABOUTME: Clears or sets queue/operator fields so the assignment invariants hold after every step

package statemachine

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/2389/shovel-router/internal/model"
)

// rule is one row of the transition table.
type rule struct {
	from []model.State
	to   model.State
}

// table is the complete lifecycle. Abandoned is handled separately because
// it is legal from every non-terminal state.
var table = map[model.Event]rule{
	model.EventAgentBegins:      {from: []model.State{model.StateNew, model.StateResolved}, to: model.StateAIHandling},
	model.EventHandoffRequested: {from: []model.State{model.StateAIHandling}, to: model.StateAwaitingHuman},
	model.EventEnqueued:         {from: []model.State{model.StateAwaitingHuman}, to: model.StateQueued},
	model.EventClaimed:          {from: []model.State{model.StateQueued}, to: model.StateAssigned},
	model.EventResolved:         {from: []model.State{model.StateAIHandling, model.StateAssigned}, to: model.StateResolved},
}

// Context carries the event-specific inputs of a transition.
type Context struct {
	Actor model.Actor
	// QueueID is required for enqueued.
	QueueID string
	// OperatorID is required for claimed.
	OperatorID string
	// RequiredSkills accompany handoff_requested and are kept on the conversation.
	RequiredSkills []string
	Channel        string
	Reason         string
	Extra          map[string]any
	// Now stamps UpdatedAt. Zero means time.Now().
	Now time.Time
	// ExpectedState, when set, is the state the caller last saw. The event
	// is rejected if the conversation has moved on since, so an abandon
	// racing a claim loses instead of cancelling the new assignment.
	ExpectedState model.State
}

// Payload flattens the context into an audit payload.
func (c Context) Payload() map[string]any {
	out := make(map[string]any, len(c.Extra)+5)
	maps.Copy(out, c.Extra)
	if c.QueueID != "" {
		out["queue_id"] = c.QueueID
	}
	if c.OperatorID != "" {
		out["operator_id"] = c.OperatorID
	}
	if len(c.RequiredSkills) > 0 {
		out["required_skills"] = slices.Clone(c.RequiredSkills)
	}
	if c.Channel != "" {
		out["channel"] = c.Channel
	}
	if c.Reason != "" {
		out["reason"] = c.Reason
	}
	return out
}

// Transition describes one applied event.
type Transition struct {
	ConversationID string
	Event          model.Event
	From           model.State
	To             model.State
	Context        Context
}

// Target returns the destination state for event from state, or an error
// when the event is not permitted there.
func Target(from model.State, event model.Event) (model.State, error) {
	if !from.Valid() {
		return "", &model.TransitionError{From: from, Event: event, Reason: "unknown state"}
	}
	if event == model.EventAbandoned {
		if from.Terminal() {
			return "", &model.TransitionError{From: from, Event: event, Reason: "conversation already abandoned"}
		}
		return model.StateAbandoned, nil
	}
	r, ok := table[event]
	if !ok {
		return "", &model.TransitionError{From: from, Event: event, Reason: "unknown event"}
	}
	if !slices.Contains(r.from, from) {
		return "", &model.TransitionError{From: from, Event: event}
	}
	return r.to, nil
}

// Can reports whether event is permitted from the conversation's state.
func Can(state model.State, event model.Event) bool {
	_, err := Target(state, event)
	return err == nil
}

// Permitted lists the events legal from state, in table order.
func Permitted(state model.State) []model.Event {
	var out []model.Event
	for _, e := range model.AllEvents {
		if Can(state, e) {
			out = append(out, e)
		}
	}
	return out
}

// Apply validates event against conv and returns the next snapshot. conv
// itself is never modified. The returned conversation keeps conv's Version;
// the store bumps it on commit.
func Apply(conv model.Conversation, event model.Event, ctx Context) (model.Conversation, Transition, error) {
	if ctx.ExpectedState != "" && ctx.ExpectedState != conv.State {
		return conv, Transition{}, &model.TransitionError{
			ConversationID: conv.ID, From: conv.State, Event: event,
			Reason: fmt.Sprintf("expected state %s", ctx.ExpectedState),
		}
	}
	to, err := Target(conv.State, event)
	if err != nil {
		var te *model.TransitionError
		if errors.As(err, &te) {
			te.ConversationID = conv.ID
		}
		return conv, Transition{}, err
	}

	next := conv.Clone()
	switch event {
	case model.EventAgentBegins:
		next.QueueID = nil
		next.AssignedOperatorID = nil
		if ctx.Channel != "" {
			next.Channel = ctx.Channel
		}
	case model.EventHandoffRequested:
		next.RequiredSkills = model.NormalizeSkills(ctx.RequiredSkills)
	case model.EventEnqueued:
		if ctx.QueueID == "" {
			return conv, Transition{}, &model.TransitionError{
				ConversationID: conv.ID, From: conv.State, Event: event, Reason: "queue id required",
			}
		}
		q := ctx.QueueID
		next.QueueID = &q
	case model.EventClaimed:
		if ctx.OperatorID == "" {
			return conv, Transition{}, &model.TransitionError{
				ConversationID: conv.ID, From: conv.State, Event: event, Reason: "operator id required",
			}
		}
		op := ctx.OperatorID
		next.AssignedOperatorID = &op
	case model.EventResolved, model.EventAbandoned:
		next.QueueID = nil
		next.AssignedOperatorID = nil
	}
	next.State = to

	now := ctx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	next.UpdatedAt = now

	if err := next.CheckInvariants(); err != nil {
		// Unreachable with the table above; guards future edits.
		return conv, Transition{}, fmt.Errorf("apply %s: %w", event, err)
	}

	return next, Transition{
		ConversationID: conv.ID,
		Event:          event,
		From:           conv.State,
		To:             to,
		Context:        ctx,
	}, nil
}
