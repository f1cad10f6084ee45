package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	wsConnectionsActive   prometheus.Gauge
	gatewayEventsTotal    *prometheus.CounterVec
	fanoutEventsTotal     *prometheus.CounterVec
	messagesSentTotal     *prometheus.CounterVec
	notificationsTotal    *prometheus.CounterVec
	sseClientsActive      prometheus.Gauge
	uploadRequestsTotal   *prometheus.CounterVec
	uploadRejectedTotal   *prometheus.CounterVec
	uploadLatencySeconds  prometheus.Histogram
	conversationsArchived prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used across the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rally_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rally_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rally_http_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		wsConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rally_ws_connections_active",
			Help: "Number of websocket sessions currently connected to this node.",
		})

		gatewayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rally_gateway_events_total",
			Help: "Inbound websocket events handled by the gateway.",
		}, []string{"event", "outcome"})

		fanoutEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rally_fanout_events_total",
			Help: "Push events exchanged with other nodes.",
		}, []string{"transport", "direction"})

		messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rally_messages_sent_total",
			Help: "Messages accepted, by message type.",
		}, []string{"type"})

		notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rally_notifications_published_total",
			Help: "Notifications published, by notification type.",
		}, []string{"type"})

		sseClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rally_sse_clients_active",
			Help: "Number of notification SSE streams currently open.",
		})

		uploadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rally_upload_requests_total",
			Help: "Stored attachments, by attachment kind.",
		}, []string{"kind"})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rally_upload_rejected_total",
			Help: "Rejected attachment uploads, by reason.",
		}, []string{"reason"})

		uploadLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rally_upload_latency_seconds",
			Help:    "Time spent validating and storing attachments.",
			Buckets: prometheus.DefBuckets,
		})

		conversationsArchived = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rally_conversations_auto_archived_total",
			Help: "Conversations archived because of archiveAfterDays.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			wsConnectionsActive, gatewayEventsTotal, fanoutEventsTotal,
			messagesSentTotal, notificationsTotal, sseClientsActive,
			uploadRequestsTotal, uploadRejectedTotal, uploadLatencySeconds,
			conversationsArchived,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// WSConnectionsActive exposes the websocket session gauge.
func WSConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return wsConnectionsActive
}

// GatewayEvents exposes the inbound event counter.
func GatewayEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return gatewayEventsTotal
}

// FanoutEvents exposes the cross-node fan-out counter.
func FanoutEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return fanoutEventsTotal
}

// MessagesSent exposes the accepted message counter.
func MessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSentTotal
}

// NotificationsPublishedTotal exposes the notification counter.
func NotificationsPublishedTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsTotal
}

// SSEClientsActive exposes the SSE stream gauge.
func SSEClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return sseClientsActive
}

// UploadRequests exposes the stored attachment counter.
func UploadRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRequestsTotal
}

// UploadRejected exposes the rejected upload counter.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}

// UploadLatency exposes the upload latency histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatencySeconds
}

// ConversationsArchived exposes the auto-archive counter.
func ConversationsArchived() prometheus.Counter {
	RegisterMetrics()
	return conversationsArchived
}
