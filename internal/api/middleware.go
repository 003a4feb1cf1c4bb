// ABOUTME: HTTP middleware for request logging, Prometheus metrics and Idempotency-Key replay
// ABOUTME: Metrics are labelled by chi route pattern to keep label cardinality bounded

package api

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/2389/shovel-router/internal/dedupe"
	"github.com/2389/shovel-router/internal/metrics"
)

// HeaderIdempotencyKey lets clients retry a POST safely.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotentReplayed marks a response served from the idempotency cache.
const HeaderIdempotentReplayed = "Idempotent-Replayed"

const maxIdempotencyKeyLength = 255

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"latency", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// idempotency replays the first finished response for a repeated
// Idempotency-Key on POST. A repeat that arrives while the first request
// is still running gets 409. Server errors release the key so the client
// can retry.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if s.deps.Dedupe == nil || r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			writeProblem(w, http.StatusUnprocessableEntity, "invalid_input", "Idempotency-Key is too long")
			return
		}

		cacheKey := r.Method + " " + r.URL.Path + " " + key
		state, resp := s.deps.Dedupe.Reserve(cacheKey)
		switch state {
		case dedupe.Done:
			if resp.ContentType != "" {
				w.Header().Set("Content-Type", resp.ContentType)
			}
			w.Header().Set(HeaderIdempotentReplayed, "true")
			w.WriteHeader(resp.Status)
			_, _ = w.Write(resp.Body)
			return
		case dedupe.InFlight:
			writeProblem(w, http.StatusConflict, "duplicate_request", "a request with this Idempotency-Key is still in progress")
			return
		}

		var body bytes.Buffer
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&body)

		completed := false
		defer func() {
			if !completed {
				s.deps.Dedupe.Release(cacheKey)
			}
		}()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		s.deps.Dedupe.Complete(cacheKey, dedupe.Response{
			Status:      status,
			ContentType: ww.Header().Get("Content-Type"),
			Body:        body.Bytes(),
		})
		completed = true
	})
}
