// ABOUTME: Prometheus collectors for routing, claims, transitions, webhooks and HTTP
// ABOUTME: Registered on the default registry via promauto and served at the metrics path

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shovel_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shovel_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Lifecycle metrics
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shovel_transitions_total",
			Help: "Committed conversation transitions",
		},
		[]string{"event"},
	)

	TransitionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shovel_transition_rejections_total",
			Help: "Transitions rejected as invalid from the current state",
		},
		[]string{"event", "from"},
	)

	VersionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shovel_version_conflicts_total",
			Help: "Conversation commits retried after a concurrent update",
		},
	)

	// Routing metrics
	RoutingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shovel_routing_outcomes_total",
			Help: "Queue selection outcomes",
		},
		[]string{"outcome"}, // "matched", "default", "no_routable_queue"
	)

	// Claim metrics
	ClaimOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shovel_claim_outcomes_total",
			Help: "Claim attempt outcomes",
		},
		[]string{"outcome"}, // "won", "already_claimed", "contended", "not_eligible", "error"
	)

	ClaimDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shovel_claim_duration_seconds",
			Help:    "Claim attempt latency including lock wait",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Event metrics
	AuditEventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shovel_audit_events_total",
			Help: "Audit events committed",
		},
		[]string{"event_type"},
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shovel_webhook_deliveries_total",
			Help: "Webhook outbox dispatch attempts",
		},
		[]string{"transport", "result"}, // result: "ok", "error"
	)

	WebhookPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shovel_webhook_pending",
			Help: "Outbox deliveries waiting for dispatch",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shovel_stream_subscribers",
			Help: "Live event stream subscribers",
		},
	)
)
