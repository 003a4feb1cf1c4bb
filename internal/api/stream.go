// ABOUTME: Server-Sent Events stream of committed audit events
// ABOUTME: Subscribers scope to one conversation, one queue, or everything, optionally by event type

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/2389/shovel-router/internal/events"
	"github.com/2389/shovel-router/internal/model"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		writeProblem(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	if s.deps.Broadcaster == nil {
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", "event stream is disabled")
		return
	}

	key := events.AllKey
	switch {
	case r.URL.Query().Get("conversation_id") != "":
		key = events.ConversationKey(r.URL.Query().Get("conversation_id"))
	case r.URL.Query().Get("queue_id") != "":
		key = events.QueueKey(r.URL.Query().Get("queue_id"))
	}
	var types []string
	for t := range strings.SplitSeq(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ch, subID := s.deps.Broadcaster.Subscribe(ctx, key)
	s.logger.Debug("stream opened", "key", key, "sub_id", subID)

	s.writeSSEEvent(w, "ready", "", map[string]string{"subscription": subID})
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stream closed", "sub_id", subID)
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !wants(types, ev) {
				continue
			}
			s.writeSSEEvent(w, ev.EventType, ev.ID, events.NewEnvelope(ev))
			flusher.Flush()
		}
	}
}

func wants(types []string, ev *model.AuditEvent) bool {
	return len(types) == 0 || slices.Contains(types, ev.EventType)
}

// writeSSEEvent writes one SSE frame. id is omitted when empty.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event, id string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
