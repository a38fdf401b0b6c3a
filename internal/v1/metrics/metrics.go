package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the clustered chat server.
//
// Naming convention: namespace_subsystem_name
// - namespace: parley (application-level grouping)
// - subsystem: session, room, cluster, fanout (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (sessions, rooms, logged-in users)
// - Counter: Cumulative events (commands, registry ops, deliveries)
// - Histogram: Latency distributions (command handling, remote calls)

var (
	// ActiveSessions tracks the current number of connected client sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "session",
		Name:      "connections_active",
		Help:      "Current number of active client sessions",
	})

	// ActiveRooms tracks the number of rooms resident on this node,
	// labelled by room kind (public or private).
	ActiveRooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "resident_rooms",
		Help:      "Rooms currently resident on this node",
	}, []string{"kind"})

	// LoggedInUsers tracks users whose connection is owned by this node.
	LoggedInUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "session",
		Name:      "users_logged_in",
		Help:      "Users currently logged in on this node",
	})

	// Commands counts processed client commands by kind and status.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "session",
		Name:      "commands_total",
		Help:      "Total client commands processed",
	}, []string{"kind", "status"})

	// CommandDuration tracks time spent handling one client command.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "parley",
		Subsystem: "session",
		Name:      "command_seconds",
		Help:      "Time spent handling client commands",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"kind"})

	// RegistryOps counts cluster name registry mutations and lookups.
	RegistryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "cluster",
		Name:      "registry_ops_total",
		Help:      "Cluster registry operations",
	}, []string{"op", "status"})

	// RemoteCalls counts inter-node invocations by outcome.
	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "cluster",
		Name:      "remote_calls_total",
		Help:      "Remote invocations dispatched to other nodes",
	}, []string{"op", "status"})

	// RemoteCallDuration tracks inter-node request/reply round trips.
	RemoteCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "parley",
		Subsystem: "cluster",
		Name:      "remote_call_seconds",
		Help:      "Round-trip time of remote invocations",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})

	// FanoutDeliveries counts broadcast payloads written to member sockets.
	FanoutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "fanout",
		Name:      "deliveries_total",
		Help:      "Broadcast deliveries to member sockets",
	}, []string{"target", "status"})

	// RateLimitRequests counts admin API requests that passed the limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "admin",
		Name:      "ratelimit_requests_total",
		Help:      "Admin API requests checked by the rate limiter",
	}, []string{"path"})

	// RateLimitExceeded counts requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "admin",
		Name:      "ratelimit_exceeded_total",
		Help:      "Admin API requests rejected by the rate limiter",
	}, []string{"path", "limit"})

	// CircuitBreakerState reflects the redis breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "cluster",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "cluster",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"backend"})
)

func IncSession() {
	ActiveSessions.Inc()
}

func DecSession() {
	ActiveSessions.Dec()
}
