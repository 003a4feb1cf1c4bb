// ABOUTME: Audit log query endpoint with conversation, queue, type, actor and time filters
// ABOUTME: Date-only bounds cover the whole day; RFC3339 bounds are taken as given

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/store"
)

const dateLayout = "2006-01-02"

// parseBound reads an audit time bound. A bare date is widened to the start
// of the day for "from" and the end of the day for "to".
func parseBound(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, model.InvalidInput("invalid time %q: use YYYY-MM-DD or RFC3339", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
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
	since, err := parseBound(r.URL.Query().Get("from"), false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	until, err := parseBound(r.URL.Query().Get("to"), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	evs, total, err := s.deps.Store.ListAuditEvents(r.Context(), store.AuditFilter{
		ConversationID: queryString(r, "conversation_id"),
		QueueID:        queryString(r, "queue_id"),
		EventType:      queryString(r, "event_type"),
		Since:          since,
		Until:          until,
		Actor:          r.URL.Query().Get("actor"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ptrs := make([]*model.AuditEvent, len(evs))
	for i := range evs {
		ptrs[i] = &evs[i]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": toEnvelopes(ptrs),
		"total":  total,
	})
}
