// ABOUTME: JSON response helpers and the error-kind to HTTP status mapping
// ABOUTME: Every engine error kind gets its own status and machine-readable code

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/2389/shovel-router/internal/model"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// retryAfterSeconds is suggested to clients that hit a contended claim.
const retryAfterSeconds = "1"

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorKinds = []struct {
	err    error
	status int
	code   string
}{
	{model.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{model.ErrNoRoutableQueue, http.StatusUnprocessableEntity, "no_routable_queue"},
	{model.ErrAlreadyClaimed, http.StatusConflict, "already_claimed"},
	{model.ErrClaimContended, http.StatusServiceUnavailable, "claim_contended"},
	{model.ErrNotEligible, http.StatusForbidden, "not_eligible"},
	{model.ErrQueueNotEmpty, http.StatusConflict, "queue_not_empty"},
	{model.ErrCannotDeleteDefault, http.StatusUnprocessableEntity, "cannot_delete_default"},
	{model.ErrNotFound, http.StatusNotFound, "not_found"},
	{model.ErrDuplicateSlug, http.StatusUnprocessableEntity, "duplicate_slug"},
	{model.ErrInvalidInput, http.StatusUnprocessableEntity, "invalid_input"},
	{model.ErrVersionConflict, http.StatusConflict, "version_conflict"},
	{model.ErrLockTimeout, http.StatusServiceUnavailable, "lock_timeout"},
}

// classify returns the status and code for err. Unknown errors are 500.
func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	if code == "claim_contended" || code == "lock_timeout" {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: msg}})
}

func writeProblem(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("failed to encode response", "error", err)
	}
}

// decodeJSON reads a JSON body into v. An empty body leaves v unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return model.InvalidInput("invalid JSON body: %v", err)
	}
	return nil
}
