// ABOUTME: Webhook subscription endpoints including secret rotation and the event catalog
// ABOUTME: Secrets are returned in plain text only by create and rotate

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/store"
	"github.com/2389/shovel-router/internal/webhook"
)

// CreateWebhookRequest registers a subscription.
type CreateWebhookRequest struct {
	Name     string         `json:"name"`
	URL      string         `json:"url"`
	Events   []string       `json:"events"`
	Active   *bool          `json:"active"`
	Metadata map[string]any `json:"metadata"`
}

// UpdateWebhookRequest changes the fields present in the body.
type UpdateWebhookRequest struct {
	Name     *string        `json:"name"`
	URL      *string        `json:"url"`
	Events   []string       `json:"events"`
	Active   *bool          `json:"active"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleWebhookEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": model.AvailableEvents()})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	f := store.WebhookFilter{
		Search: r.URL.Query().Get("search"),
		Event:  strings.TrimSpace(r.URL.Query().Get("event")),
	}
	switch r.URL.Query().Get("active") {
	case "true":
		yes := true
		f.Active = &yes
	case "false":
		no := false
		f.Active = &no
	}
	hooks, err := s.deps.Webhooks.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]WebhookResponse, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, toWebhook(h, ""))
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req CreateWebhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	hook, secret, err := s.deps.Webhooks.Create(r.Context(), webhook.Input{
		Name:     req.Name,
		URL:      req.URL,
		Events:   req.Events,
		Active:   req.Active,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWebhook(hook, secret))
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.deps.Webhooks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhook(hook, ""))
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req UpdateWebhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	hook, err := s.deps.Webhooks.Update(r.Context(), chi.URLParam(r, "id"), webhook.Patch{
		Name:     req.Name,
		URL:      req.URL,
		Events:   req.Events,
		Active:   req.Active,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhook(hook, ""))
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Webhooks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateWebhook(w http.ResponseWriter, r *http.Request) {
	hook, secret, err := s.deps.Webhooks.Rotate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhook(hook, secret))
}
