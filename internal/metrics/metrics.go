// Package metrics defines the Prometheus collectors of the sync layer.
//
// Collectors are package-level and registered with the default registry at
// init, mirroring the HTTP middleware metrics. Label sets are kept to closed
// enumerations (action, outcome, dimension, mode) so cardinality stays bounded;
// scope ids are never used as labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsReceived counts inbound events by action and pipeline outcome
	// (delivered, duplicate, invalid, rate_limited, deferred, late).
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partysync_events_received_total",
			Help: "Inbound events by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	// HandlerErrors counts handler panics or returned errors per action.
	HandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partysync_handler_errors_total",
			Help: "Event handler failures by action.",
		},
		[]string{"action"},
	)

	// RateLimitBlocks counts rejected admission checks by failing dimension.
	RateLimitBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partysync_ratelimit_blocks_total",
			Help: "Rate limiter rejections by dimension.",
		},
		[]string{"dimension"},
	)

	// ReconnectAttempts counts reconnection attempts by result.
	ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partysync_reconnect_attempts_total",
			Help: "Relay reconnection attempts by result (success, failure).",
		},
		[]string{"result"},
	)

	// ReconnectDelay records scheduled backoff delays in seconds.
	ReconnectDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partysync_reconnect_delay_seconds",
			Help:    "Scheduled reconnection backoff delay.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	// FallbackTransitions counts fallback mode entries by target mode.
	FallbackTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partysync_fallback_transitions_total",
			Help: "Fallback manager mode transitions by target mode.",
		},
		[]string{"mode"},
	)

	// FallbackQueueLength gauges persisted fallback queue entries.
	FallbackQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partysync_fallback_queue_length",
			Help: "Entries currently held in the fallback queue.",
		},
	)

	// BroadcastsSent counts outbound state broadcasts by category.
	BroadcastsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partysync_broadcasts_sent_total",
			Help: "Outbound state broadcasts by category.",
		},
		[]string{"category"},
	)

	// EventsPublished counts events accepted by the server publish endpoint.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partysync_events_published_total",
			Help: "Events accepted by the server by action.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsReceived,
		HandlerErrors,
		RateLimitBlocks,
		ReconnectAttempts,
		ReconnectDelay,
		FallbackTransitions,
		FallbackQueueLength,
		BroadcastsSent,
		EventsPublished,
	)
}
