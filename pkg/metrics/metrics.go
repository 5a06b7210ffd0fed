// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
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

	// ConversationsActive tracks conversations in a non-terminal status.
	ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_conversations_active",
			Help: "Number of conversations currently queued or running",
		},
	)

	// QueueDepth tracks conversations awaiting a scheduling slot.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Number of conversations waiting in the priority queue",
		},
	)

	// ConversationsEnded tracks terminal conversations by end reason.
	ConversationsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_conversations_ended_total",
			Help: "Total conversations ended, by reason",
		},
		[]string{"reason"},
	)

	// AdmissionRejections tracks conversation requests refused at admission.
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_admission_rejections_total",
			Help: "Conversation requests rejected by admission control",
		},
		[]string{"reason"},
	)

	// MessagesTotal tracks completed dialogue turns by transport mode.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_messages_total",
			Help: "Total completed dialogue messages",
		},
		[]string{"transport"},
	)

	// StreamDuration tracks wall time from conversation start to natural end.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_conversation_duration_seconds",
			Help:    "Duration of conversations from start to terminal status",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"status"},
	)

	// TickDuration tracks scheduling tick execution time.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_tick_duration_seconds",
			Help:    "Scheduling tick execution time",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	// SSEConnectionsActive tracks active SSE event feed connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SSEEventsDropped counts events shed to protect slow SSE clients.
	SSEEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sse_events_dropped_total",
			Help: "Events dropped because a client buffer was full",
		},
	)

	// NATSStreamMessages tracks messages in the NATS mirror stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordConversationEnd records a conversation reaching a terminal status.
func RecordConversationEnd(reason, status string, durationSec float64) {
	ConversationsEnded.WithLabelValues(reason).Inc()
	StreamDuration.WithLabelValues(status).Observe(durationSec)
}

// SetEngineGauges updates the active conversation and queue depth gauges.
func SetEngineGauges(active, queued int) {
	ConversationsActive.Set(float64(active))
	QueueDepth.Set(float64(queued))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
