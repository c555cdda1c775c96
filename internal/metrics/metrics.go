// Package metrics declares every Prometheus series the pusher exposes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pusher"

var (
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "active_connections",
		Help:      "Number of currently open client WebSocket connections.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "active_total",
		Help:      "Number of PusherRooms currently tracked.",
	})

	RoomClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "clients",
		Help:      "Number of clients in a given room.",
	}, []string{"room_id"})

	ActiveSpaces = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "space",
		Name:      "active_total",
		Help:      "Number of Spaces currently tracked.",
	})

	ActiveBackStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "backstream",
		Name:      "active",
		Help:      "Number of active back-end streams by kind (room|space).",
	}, []string{"kind"})

	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Count of inbound client events by tag and outcome.",
	}, []string{"event_tag", "status"})

	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent dispatching one inbound client message.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_tag"})

	BatchFlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "flush_seconds",
		Help:      "Time spent encoding and delivering one BatchEmitter flush.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"reason"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "0=closed 1=open 2=half-open, by collaborator name.",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Requests rejected because the breaker was open, by collaborator name.",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by a rate limiter, by endpoint and key kind.",
	}, []string{"endpoint", "key_kind"})

	EmbedProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embed",
		Name:      "probe_total",
		Help:      "Embeddable-URL probe outcomes.",
	}, []string{"outcome", "source"})

	AdminServiceCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admin_service",
		Name:      "calls_total",
		Help:      "Admin-service HTTP calls by method and outcome.",
	}, []string{"method", "status"})
)

func IncConnection() { ActiveWebSocketConnections.Inc() }
func DecConnection() { ActiveWebSocketConnections.Dec() }
