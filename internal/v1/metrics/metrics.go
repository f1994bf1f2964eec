package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaborative relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: relay (application-level grouping)
// - subsystem: websocket, room, store, bridge (feature-level grouping)
// - name: specific metric (connections_active, updates_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, bridges)
// - Counter: Cumulative events (updates relayed, flushes, rejections)
// - Histogram: Latency distributions (flush duration)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// UpdatesRelayed counts document updates accepted and fanned out, by origin (CounterVec - cumulative)
	UpdatesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "updates_total",
		Help:      "Total document updates relayed",
	}, []string{"origin"})

	// UpdatesRejected counts updates refused before application (CounterVec - cumulative)
	UpdatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "updates_rejected_total",
		Help:      "Total document updates rejected",
	}, []string{"reason"})

	// AuthRejections counts connections refused by the token gate (CounterVec - cumulative)
	AuthRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "auth_rejections_total",
		Help:      "Total connections rejected for token mismatch",
	}, []string{"reason"})

	// SnapshotFlushes counts persistence flushes by outcome (CounterVec - cumulative)
	SnapshotFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "store",
		Name:      "flushes_total",
		Help:      "Total snapshot flushes to disk",
	}, []string{"status"})

	// SnapshotFlushDuration tracks time spent encrypting and writing snapshots (Histogram - latency distribution)
	SnapshotFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "store",
		Name:      "flush_duration_seconds",
		Help:      "Time spent encrypting and writing a snapshot",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveBridges tracks upstream relay links by state (GaugeVec - current state)
	ActiveBridges = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "bridge",
		Name:      "links_active",
		Help:      "Current upstream bridge links by state",
	}, []string{"state"})

	// BridgeReconnects counts bridge reconnect attempts by outcome (CounterVec - cumulative)
	BridgeReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "bridge",
		Name:      "reconnects_total",
		Help:      "Total bridge reconnect attempts",
	}, []string{"status"})

	// RateLimitExceeded counts requests rejected by rate limiting (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "rate_limited_total",
		Help:      "Total upgrade attempts rejected by rate limiting",
	}, []string{"scope"})

	// CircuitBreakerState tracks circuit breaker states (GaugeVec - current state)
	// Values: 0=Closed, 1=Half-Open, 2=Open
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Current circuit breaker state (0=Closed, 1=Half-Open, 2=Open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts operations rejected by an open breaker (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total operations rejected by the circuit breaker",
	}, []string{"service"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
