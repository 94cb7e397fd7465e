// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RealtimeConnectionsActive tracks open realtime connections.
	RealtimeConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Number of active realtime connections",
		},
	)

	// RealtimeAuthFailures counts rejected realtime handshakes.
	RealtimeAuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_auth_failures_total",
			Help: "Realtime handshakes rejected by the authenticator",
		},
	)

	// RealtimeEventsIn counts inbound realtime events by type.
	RealtimeEventsIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_in_total",
			Help: "Inbound realtime events",
		},
		[]string{"type"},
	)

	// RealtimeEventsOut counts outbound realtime frames by type.
	RealtimeEventsOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_out_total",
			Help: "Outbound realtime frames enqueued",
		},
		[]string{"type"},
	)

	// RealtimeEventsDropped counts frames dropped because a client queue was full.
	RealtimeEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Outbound realtime frames dropped under backpressure",
		},
		[]string{"type"},
	)

	// OnlineUsers tracks users with at least one live connection.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_online_users",
			Help: "Users currently online on this process",
		},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"type"},
	)

	// MessagesTotal tracks total messages sent.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages sent",
		},
		[]string{"path", "type"},
	)

	// StoreOpDuration tracks document store latency.
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Document store operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op", "outcome"},
	)

	// EventPublishFailures counts domain events that could not be handed to the bus.
	EventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Domain events that failed to publish",
		},
		[]string{"subject"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStoreOp records the duration and outcome of a store call started at start.
func RecordStoreOp(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StoreOpDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

// IncrementRealtimeConnections increments the active connection count.
func IncrementRealtimeConnections() {
	RealtimeConnectionsActive.Inc()
}

// DecrementRealtimeConnections decrements the active connection count.
func DecrementRealtimeConnections() {
	RealtimeConnectionsActive.Dec()
}
