// ABOUTME: Operator directory endpoints: list, upsert and remove operators and their skills
// ABOUTME: Claim eligibility reads the same directory rows these endpoints write

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389/shovel-router/internal/model"
)

// UpsertOperatorRequest replaces an operator's directory entry.
type UpsertOperatorRequest struct {
	Name   string   `json:"name"`
	Active *bool    `json:"active"`
	Skills []string `json:"skills"`
}

func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	ops, err := s.deps.Operators.List(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]OperatorResponse, 0, len(ops))
	for _, op := range ops {
		out = append(out, toOperator(op))
	}
	writeJSON(w, http.StatusOK, map[string]any{"operators": out})
}

func (s *Server) handleUpsertOperator(w http.ResponseWriter, r *http.Request) {
	var req UpsertOperatorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	op, err := s.deps.Operators.Upsert(r.Context(), model.Operator{
		ID:     chi.URLParam(r, "id"),
		Name:   req.Name,
		Active: active,
		Skills: req.Skills,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperator(op))
}

func (s *Server) handleDeleteOperator(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Operators.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
