// ABOUTME: Prometheus instrumentation for the gate coordination core.
// ABOUTME: Counters and gauges for sessions, commands, event fan-out, and stale updates.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StaleUpdatesIgnored counts registry updates discarded because an equal
	// or newer timestamp was already stored.
	StaleUpdatesIgnored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatehouse_stale_updates_ignored_total",
			Help: "Total number of out-of-order registry updates silently ignored",
		},
	)

	// EventsPublished counts events fanned out to console subscribers.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_events_published_total",
			Help: "Total number of events published on the console event bus",
		},
		[]string{"type"},
	)

	// EventsDropped counts events dropped because a subscriber channel was full.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatehouse_events_dropped_total",
			Help: "Total number of events dropped for slow console subscribers",
		},
	)

	// ActiveSessions tracks non-terminal assist-call sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatehouse_active_sessions",
			Help: "Current number of non-terminal assist-call sessions",
		},
	)

	// ConnectedGates tracks live gate controller connections.
	ConnectedGates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatehouse_connected_gates",
			Help: "Current number of connected gate controllers",
		},
	)

	// ConnectedConsoles tracks live operator console connections.
	ConnectedConsoles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatehouse_connected_consoles",
			Help: "Current number of connected operator consoles",
		},
	)

	// CommandsSent counts commands dispatched to gate controllers.
	CommandsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_commands_sent_total",
			Help: "Total number of gate commands dispatched",
		},
		[]string{"kind"},
	)

	// CommandOutcomes counts how pending commands concluded.
	CommandOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_command_outcomes_total",
			Help: "Total number of command resolutions by outcome",
		},
		[]string{"outcome"}, // "acked", "rejected", "timeout", "gate_offline", "cancelled"
	)

	// CommandRoundTrip measures issue-to-acknowledgment latency.
	CommandRoundTrip = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatehouse_command_round_trip_seconds",
			Help:    "Latency from command dispatch to hardware acknowledgment",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BackendCalls counts fire-and-forget collaborator REST calls.
	BackendCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_backend_calls_total",
			Help: "Total number of collaborator backend calls by action and result",
		},
		[]string{"action", "result"},
	)
)
