// ABOUTME: Conversation endpoints: create, list, get, transcript, signals and reroute
// ABOUTME: Mutations return the committed snapshot together with the audit events they produced

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/2389/shovel-router/internal/conversation"
	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/statemachine"
	"github.com/2389/shovel-router/internal/store"
)

const (
	defaultListLimit    = 50
	maxListLimit        = 500
	defaultMessageLimit = 200
)

// CreateConversationRequest opens a conversation.
type CreateConversationRequest struct {
	Requester model.Requester `json:"requester"`
	Channel   string          `json:"channel"`
}

// AppendMessageRequest adds a transcript entry. Author is "requester" or
// "operator"; operator messages need AuthorID.
type AppendMessageRequest struct {
	Author   string `json:"author"`
	AuthorID string `json:"author_id"`
	Body     string `json:"body"`
}

// SignalRequest applies a lifecycle event.
type SignalRequest struct {
	Event          model.Event    `json:"event"`
	QueueID        string         `json:"queue_id,omitempty"`
	OperatorID     string         `json:"operator_id,omitempty"`
	RequiredSkills []string       `json:"required_skills,omitempty"`
	Channel        string         `json:"channel,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	// ExpectedState rejects the signal with 409 invalid_transition when the
	// conversation is no longer in this state.
	ExpectedState model.State `json:"expected_state,omitempty"`
}

func (s *Server) writeResult(w http.ResponseWriter, status int, res *conversation.Result) {
	writeJSON(w, status, toResult(res, statemachine.Permitted(res.Conversation.State)))
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Conversations.Create(r.Context(), conversation.CreateRequest{
		Requester: req.Requester,
		Channel:   req.Channel,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, http.StatusCreated, res)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	f := store.ConversationFilter{QueueID: queryString(r, "queue_id"), Limit: limit, Offset: offset}
	if raw := queryString(r, "state"); raw != nil {
		st := model.State(*raw)
		if !st.Valid() {
			s.writeError(w, r, model.InvalidInput("unknown state %q", *raw))
			return
		}
		f.State = &st
	}

	convs, err := s.deps.Conversations.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversation(*c, statemachine.Permitted(c.State)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.deps.Conversations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversation(*conv, statemachine.Permitted(conv.State)))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultMessageLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.deps.Conversations.ListMessages(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req AppendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")

	var (
		res *conversation.Result
		err error
	)
	switch model.MessageAuthor(strings.ToLower(strings.TrimSpace(req.Author))) {
	case model.AuthorRequester, "":
		res, err = s.deps.Conversations.AppendRequesterMessage(r.Context(), id, req.Body)
	case model.AuthorOperator:
		operatorID := strings.TrimSpace(req.AuthorID)
		if operatorID == "" {
			if actor := actorFrom(r); actor.Type == model.ActorOperator {
				operatorID = actor.ID
			}
		}
		res, err = s.deps.Conversations.AppendOperatorMessage(r.Context(), id, operatorID, req.Body)
	default:
		err = model.InvalidInput("author must be requester or operator")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, http.StatusCreated, res)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := actorFrom(r)
	operatorID := strings.TrimSpace(req.OperatorID)
	if operatorID == "" && actor.Type == model.ActorOperator && req.Event == model.EventClaimed {
		operatorID = actor.ID
	}
	if req.ExpectedState != "" && !req.ExpectedState.Valid() {
		s.writeError(w, r, model.InvalidInput("unknown expected_state %q", req.ExpectedState))
		return
	}

	res, err := s.deps.Conversations.Signal(r.Context(), chi.URLParam(r, "id"), req.Event, statemachine.Context{
		Actor:          actor,
		QueueID:        strings.TrimSpace(req.QueueID),
		OperatorID:     operatorID,
		RequiredSkills: req.RequiredSkills,
		Channel:        req.Channel,
		Reason:         req.Reason,
		Extra:          req.Payload,
		ExpectedState:  req.ExpectedState,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, http.StatusOK, res)
}

func (s *Server) handleReroute(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Conversations.Reroute(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, http.StatusOK, res)
}
