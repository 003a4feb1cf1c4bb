// ABOUTME: HTTP API server wiring conversations, queues, claims, operators and webhooks onto chi
// ABOUTME: Mounts health, metrics, the audit query endpoint and the live event stream

package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/shovel-router/internal/catalog"
	"github.com/2389/shovel-router/internal/claim"
	"github.com/2389/shovel-router/internal/conversation"
	"github.com/2389/shovel-router/internal/dedupe"
	"github.com/2389/shovel-router/internal/directory"
	"github.com/2389/shovel-router/internal/events"
	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/store"
	"github.com/2389/shovel-router/internal/webhook"
)

// Actor headers identify who is calling. Requests without them act as admin.
const (
	HeaderActorType = "X-Shovel-Actor-Type"
	HeaderActorID   = "X-Shovel-Actor-ID"
	HeaderActorName = "X-Shovel-Actor-Name"
)

// DefaultHeartbeat is the interval between stream keepalive comments.
const DefaultHeartbeat = 15 * time.Second

// Deps are the engine services the API exposes.
type Deps struct {
	Store         *store.Store
	Conversations *conversation.Service
	Catalog       *catalog.Catalog
	Claims        *claim.Coordinator
	Operators     *directory.SQL
	Webhooks      *webhook.Service // nil leaves webhook routes unmounted
	Broadcaster   *events.Broadcaster
	Dedupe        *dedupe.Cache // nil disables Idempotency-Key handling
}

// Options configures the outer HTTP surface.
type Options struct {
	MetricsEnabled bool
	MetricsPath    string
	CORSOrigins    []string
	Version        string
	Heartbeat      time.Duration
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	router chi.Router
}

// New builds the router. Pass nil logger for default.
func New(deps Deps, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "api"),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	if s.opts.MetricsEnabled {
		r.Use(s.recordMetrics)
	}
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", HeaderActorType, HeaderActorID, HeaderActorName},
			ExposedHeaders:   []string{"Retry-After", "Idempotent-Replayed", "X-Total-Count"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	if s.opts.MetricsEnabled {
		r.Handle(s.opts.MetricsPath, promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.idempotency)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", s.handleCreateConversation)
			r.Get("/", s.handleListConversations)
			r.Get("/{id}", s.handleGetConversation)
			r.Get("/{id}/messages", s.handleListMessages)
			r.Post("/{id}/messages", s.handleAppendMessage)
			r.Post("/{id}/signal", s.handleSignal)
			r.Post("/{id}/reroute", s.handleReroute)
		})

		r.Route("/queues", func(r chi.Router) {
			r.Get("/", s.handleListQueues)
			r.Post("/", s.handleCreateQueue)
			r.Get("/{id}", s.handleGetQueue)
			r.Patch("/{id}", s.handleUpdateQueue)
			r.Delete("/{id}", s.handleDeleteQueue)
			r.Post("/{id}/default", s.handleSetDefault)
			r.Get("/{id}/items", s.handleListItems)
			r.Post("/{id}/items/{itemID}/claim", s.handleClaimItem)
			r.Post("/{id}/claim-next", s.handleClaimNext)
		})

		r.Route("/operators", func(r chi.Router) {
			r.Get("/", s.handleListOperators)
			r.Put("/{id}", s.handleUpsertOperator)
			r.Delete("/{id}", s.handleDeleteOperator)
		})

		if s.deps.Webhooks != nil {
			r.Route("/webhooks", func(r chi.Router) {
				r.Get("/events", s.handleWebhookEvents)
				r.Get("/", s.handleListWebhooks)
				r.Post("/", s.handleCreateWebhook)
				r.Get("/{id}", s.handleGetWebhook)
				r.Patch("/{id}", s.handleUpdateWebhook)
				r.Delete("/{id}", s.handleDeleteWebhook)
				r.Post("/{id}/rotate", s.handleRotateWebhook)
			})
		}

		r.Get("/audit", s.handleListAudit)
		r.Get("/events/stream", s.handleStream)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.opts.Version})
}

// actorFrom reads the caller identity from the actor headers.
func actorFrom(r *http.Request) model.Actor {
	actor := model.Actor{
		Type: model.ActorType(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorType)))),
		ID:   strings.TrimSpace(r.Header.Get(HeaderActorID)),
		Name: strings.TrimSpace(r.Header.Get(HeaderActorName)),
	}
	switch actor.Type {
	case model.ActorOperator, model.ActorRequester, model.ActorSystem, model.ActorAdmin:
	default:
		actor.Type = model.ActorAdmin
	}
	if actor.ID == "" {
		actor.ID = string(actor.Type)
	}
	return actor
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.InvalidInput("%s must be a non-negative integer", name)
	}
	return n, nil
}

// queryString returns a pointer to a trimmed query value, or nil when empty.
func queryString(r *http.Request, name string) *string {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return nil
	}
	return &v
}
