package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	chatRequestsTotal  *prometheus.CounterVec
	chatLatencySeconds *prometheus.HistogramVec
	chatErrorsTotal    *prometheus.CounterVec

	chatConnections      *prometheus.GaugeVec
	chatMessagesSent     *prometheus.CounterVec
	chatFramesDropped    *prometheus.CounterVec
	fanoutDeliveries     prometheus.Counter
	fanoutEvictions      prometheus.Counter
	fanoutRelayErrors    *prometheus.CounterVec
	notificationsCreated *prometheus.CounterVec
	notificationsFailed  prometheus.Counter
	notificationsDropped prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the chat core.
func RegisterMetrics() {
	registerOnce.Do(func() {
		chatRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Total number of chat API requests served.",
		}, []string{"method", "route", "status"})

		chatLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_latency_seconds",
			Help:    "Latency distribution for chat API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		chatErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_errors_total",
			Help: "Total number of error responses returned by chat endpoints.",
		}, []string{"method", "route", "status"})

		chatConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Live realtime connections by endpoint kind.",
		}, []string{"kind"})

		chatMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages accepted by the pipeline, by message kind.",
		}, []string{"kind"})

		chatFramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_frames_dropped_total",
			Help: "Inbound frames discarded before processing.",
		}, []string{"reason"})

		fanoutDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_deliveries_total",
			Help: "Events handed to local subscriber buffers.",
		})

		fanoutEvictions = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_evictions_total",
			Help: "Subscribers dropped for falling behind.",
		})

		fanoutRelayErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_relay_errors_total",
			Help: "Failures forwarding events to another node.",
		}, []string{"relay"})

		notificationsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Notifications persisted, by kind.",
		}, []string{"kind"})

		notificationsFailed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Notifications that could not be persisted.",
		})

		notificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Message fan-outs skipped because the notification queue was full.",
		})

		prometheus.MustRegister(
			chatRequestsTotal, chatLatencySeconds, chatErrorsTotal,
			chatConnections, chatMessagesSent, chatFramesDropped,
			fanoutDeliveries, fanoutEvictions, fanoutRelayErrors,
			notificationsCreated, notificationsFailed, notificationsDropped,
		)
	})
}

// ChatRequests exposes the counter for chat API requests.
func ChatRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return chatRequestsTotal
}

// ChatLatency exposes the latency histogram for chat API requests.
func ChatLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return chatLatencySeconds
}

// ChatErrors exposes the counter for chat error responses.
func ChatErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return chatErrorsTotal
}

// ChatConnections tracks open websocket and SSE connections.
func ChatConnections() *prometheus.GaugeVec {
	RegisterMetrics()
	return chatConnections
}

func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSent
}

func ChatFramesDropped() *prometheus.CounterVec {
	RegisterMetrics()
	return chatFramesDropped
}

func FanoutDeliveries() prometheus.Counter {
	RegisterMetrics()
	return fanoutDeliveries
}

func FanoutEvictions() prometheus.Counter {
	RegisterMetrics()
	return fanoutEvictions
}

func FanoutRelayErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return fanoutRelayErrors
}

func NotificationsCreated() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsCreated
}

func NotificationsFailed() prometheus.Counter {
	RegisterMetrics()
	return notificationsFailed
}

func NotificationsDropped() prometheus.Counter {
	RegisterMetrics()
	return notificationsDropped
}
