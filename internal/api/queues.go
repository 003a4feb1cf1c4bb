// ABOUTME: Queue catalog endpoints plus the claim surface for operators
// ABOUTME: Item listings show the live dequeue order with freshly computed scores

package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/2389/shovel-router/internal/catalog"
	"github.com/2389/shovel-router/internal/claim"
	"github.com/2389/shovel-router/internal/events"
	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/statemachine"
)

// CreateQueueRequest creates a queue. Slug is derived from Name when empty.
type CreateQueueRequest struct {
	Name           string               `json:"name"`
	Slug           string               `json:"slug"`
	Description    string               `json:"description"`
	SkillsRequired []string             `json:"skills_required"`
	PriorityPolicy []model.PriorityRule `json:"priority_policy"`
	IsDefault      bool                 `json:"is_default"`
}

// UpdateQueueRequest changes only the fields present in the body.
type UpdateQueueRequest struct {
	Name           *string               `json:"name"`
	Slug           *string               `json:"slug"`
	Description    *string               `json:"description"`
	SkillsRequired *[]string             `json:"skills_required"`
	PriorityPolicy *[]model.PriorityRule `json:"priority_policy"`
	IsDefault      *bool                 `json:"is_default"`
}

// ClaimRequest names the claiming operator. The operator actor header is
// used when OperatorID is empty.
type ClaimRequest struct {
	OperatorID string `json:"operator_id"`
}

// AssignmentResponse is a won claim.
type AssignmentResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Item         QueueItemResponse    `json:"item"`
	OperatorID   string               `json:"operator_id"`
	Event        *events.Envelope     `json:"event,omitempty"`
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	perPage, err := queryInt(r, "per_page", catalog.DefaultPerPage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.deps.Catalog.List(r.Context(), catalog.ListOptions{
		Search:  r.URL.Query().Get("search"),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	depths, err := s.deps.Catalog.Depths(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]QueueResponse, 0, len(result.Queues))
	for _, q := range result.Queues {
		resp := toQueue(q)
		d := depths[q.ID]
		resp.Depth = &d
		out = append(out, resp)
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(result.Total))
	writeJSON(w, http.StatusOK, map[string]any{
		"queues":   out,
		"total":    result.Total,
		"page":     result.Page,
		"per_page": result.PerPage,
	})
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.deps.Catalog.Create(r.Context(), catalog.QueueInput{
		Name:           req.Name,
		Slug:           req.Slug,
		Description:    req.Description,
		SkillsRequired: req.SkillsRequired,
		PriorityPolicy: req.PriorityPolicy,
		IsDefault:      req.IsDefault,
	}, actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toQueue(*q))
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := toQueue(*q)
	if depths, err := s.deps.Catalog.Depths(r.Context()); err == nil {
		d := depths[q.ID]
		resp.Depth = &d
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	var req UpdateQueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.deps.Catalog.Update(r.Context(), chi.URLParam(r, "id"), catalog.QueuePatch{
		Name:           req.Name,
		Slug:           req.Slug,
		Description:    req.Description,
		SkillsRequired: req.SkillsRequired,
		PriorityPolicy: req.PriorityPolicy,
		IsDefault:      req.IsDefault,
	}, actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueue(*q))
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.Delete(r.Context(), chi.URLParam(r, "id"), actorFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Catalog.SetDefault(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueue(*q))
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Catalog.Entries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]QueueItemResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntry(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) claimOperator(w http.ResponseWriter, r *http.Request) (string, error) {
	var req ClaimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return "", err
	}
	operatorID := strings.TrimSpace(req.OperatorID)
	if operatorID == "" {
		if actor := actorFrom(r); actor.Type == model.ActorOperator {
			operatorID = actor.ID
		}
	}
	if operatorID == "" {
		return "", model.InvalidInput("operator_id is required")
	}
	return operatorID, nil
}

func (s *Server) handleClaimItem(w http.ResponseWriter, r *http.Request) {
	operatorID, err := s.claimOperator(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Claims.Claim(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemID"), operatorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignment(a))
}

func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	operatorID, err := s.claimOperator(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Claims.ClaimNext(r.Context(), chi.URLParam(r, "id"), operatorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignment(a))
}

func toAssignment(a *claim.Assignment) AssignmentResponse {
	item := a.Item
	resp := AssignmentResponse{
		Conversation: toConversation(a.Conversation, statemachine.Permitted(a.Conversation.State)),
		Item:         *toQueueItem(&item),
		OperatorID:   a.OperatorID,
	}
	if a.Event != nil {
		env := events.NewEnvelope(a.Event)
		resp.Event = &env
	}
	return resp
}
