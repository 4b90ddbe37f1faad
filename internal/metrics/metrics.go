package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every feedhub metric
const Namespace = "feedhub"

var (
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for feedhub
type Metrics struct {
	// Control API
	APIRequestsTotal     *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
	APIErrorsTotal       *prometheus.CounterVec
	APIActiveConnections prometheus.Gauge

	// Storage
	RecordsTotal             prometheus.Counter
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	WatchersActive           prometheus.Gauge
	DBSize                   prometheus.Gauge

	// Coordinator
	RouterMessagesTotal *prometheus.CounterVec
	RouterQueueSize     prometheus.Gauge
	RouterEventsRouted  prometheus.Counter
	RouterEventDuration prometheus.Histogram
	SurfacesActive      prometheus.Gauge
	SessionsOpened      prometheus.Counter

	// Surface gateway
	NotifierConnectionsActive prometheus.Gauge
	NotifierEventsPublished   *prometheus.CounterVec
	NotifierEventsDropped     *prometheus.CounterVec
	NotifierEventDelay        prometheus.Histogram
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func counter(subsystem, name, help string) prometheus.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help})
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return promauto.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help})
}

func histogram(subsystem, name, help string, buckets []float64) prometheus.Histogram {
	return promauto.NewHistogram(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets})
}

func histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}

func newMetrics() *Metrics {
	// 0.1ms to ~1.6s
	storageBuckets := prometheus.ExponentialBuckets(0.0001, 2, 15)
	// 0.1ms to ~51ms
	stepBuckets := prometheus.ExponentialBuckets(0.0001, 2, 10)

	return &Metrics{
		APIRequestsTotal: counterVec("api", "requests_total",
			"Total number of control API requests", "method", "path", "status"),
		APIRequestDuration: histogramVec("api", "request_duration_seconds",
			"Control API request duration in seconds", prometheus.ExponentialBuckets(0.001, 2, 15), "method", "path"),
		APIErrorsTotal: counterVec("api", "errors_total",
			"Total number of control API errors", "method", "path", "error_type"),
		APIActiveConnections: gauge("api", "active_connections",
			"Number of in-flight control API requests"),

		RecordsTotal: counter("", "records_total",
			"Total number of records stored"),
		StorageOperations: counterVec("storage", "operations_total",
			"Total number of storage operations", "operation", "success"),
		StorageOperationDuration: histogramVec("storage", "operation_duration_seconds",
			"Duration of storage operations in seconds", storageBuckets, "operation"),
		WatchersActive: gauge("storage", "watchers_active",
			"Number of live feed subscriptions held by the store"),
		DBSize: gauge("", "db_size_bytes",
			"Size of the database in bytes"),

		RouterMessagesTotal: counterVec("router", "messages_total",
			"Total number of inbound messages handled by the coordinator", "action", "success"),
		RouterQueueSize: gauge("router", "queue_size",
			"Current size of the coordinator mailbox"),
		RouterEventsRouted: counter("router", "events_routed_total",
			"Total number of feed change events routed to surfaces"),
		RouterEventDuration: histogram("router", "event_duration_seconds",
			"Duration of a single coordinator step in seconds", stepBuckets),
		SurfacesActive: gauge("", "surfaces_active",
			"Number of tracked surfaces"),
		SessionsOpened: counter("", "sessions_opened_total",
			"Total number of coordinator sessions opened"),

		NotifierConnectionsActive: gauge("notifier", "connections_active",
			"Number of connected surfaces"),
		NotifierEventsPublished: counterVec("notifier", "events_published_total",
			"Total number of events written to surfaces", "protocol"),
		NotifierEventsDropped: counterVec("notifier", "events_dropped_total",
			"Total number of events dropped before reaching a surface", "reason"),
		NotifierEventDelay: histogram("notifier", "event_delay_seconds",
			"Delay between queueing an event and writing it to a surface", stepBuckets),
	}
}
