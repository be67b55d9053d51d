// Package metrics defines the Prometheus instrumentation for the real-time
// core. All collectors are registered at init via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumenchat_connections_active",
			Help: "Currently open WebSocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumenchat_connections_total",
			Help: "Total accepted WebSocket connections",
		},
	)

	ConnectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumenchat_connections_rejected_total",
			Help: "Connections rejected before registration",
		},
	)

	// Message metrics
	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumenchat_messages_persisted_total",
			Help: "Direct messages durably stored",
		},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumenchat_messages_delivered_total",
			Help: "Live deliveries to recipient connections",
		},
	)

	MessageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumenchat_message_errors_total",
			Help: "Message sends that failed validation or persistence",
		},
		[]string{"reason"}, // "invalid" or "storage"
	)

	// Ephemeral signal metrics
	SignalsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumenchat_signals_sent_total",
			Help: "Ephemeral signals fanned out to live connections",
		},
		[]string{"event"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumenchat_rate_limit_hits_total",
			Help: "Inbound frames dropped by per-connection rate limiting",
		},
	)
)
