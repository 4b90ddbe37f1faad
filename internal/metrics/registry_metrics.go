package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegistryMetrics contains Prometheus metrics for the subscription registry and auth gate
type RegistryMetrics struct {
	// Registry metrics
	EntriesActive     prometheus.Gauge
	SubscriptionsLive prometheus.Gauge
	OpensTotal        *prometheus.CounterVec
	OpenDuration      prometheus.Histogram
	StaleCompletions  prometheus.Counter
	EventsDiscarded   *prometheus.CounterVec
	ResyncsTotal      prometheus.Counter
	SuspensionsTotal  prometheus.Counter
	ResumptionsTotal  prometheus.Counter

	// Auth gate metrics
	AuthTransitions   *prometheus.CounterVec
	BootstrapsTotal   *prometheus.CounterVec
	BootstrapDuration prometheus.Histogram
}

var (
	registryMetrics     *RegistryMetrics
	registryMetricsOnce sync.Once
)

// GetRegistryMetrics returns the singleton instance of registry metrics
func GetRegistryMetrics() *RegistryMetrics {
	registryMetricsOnce.Do(func() {
		registryMetrics = newRegistryMetrics()
	})
	return registryMetrics
}

// newRegistryMetrics initializes and registers registry metrics
func newRegistryMetrics() *RegistryMetrics {
	m := &RegistryMetrics{}

	m.EntriesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedhub_registry_entries_active",
			Help: "Number of resource keys with at least one reference",
		},
	)

	m.SubscriptionsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedhub_registry_subscriptions_live",
			Help: "Number of store subscriptions currently held by the registry",
		},
	)

	m.OpensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedhub_registry_opens_total",
			Help: "Total number of store subscription opens",
		},
		[]string{"result"}, // ok, error, stale
	)

	m.OpenDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feedhub_registry_open_duration_seconds",
			Help:    "Duration of store subscription opens in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
	)

	m.StaleCompletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedhub_registry_stale_completions_total",
			Help: "Total number of opens that completed after interest was gone",
		},
	)

	m.EventsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedhub_registry_events_discarded_total",
			Help: "Total number of change events discarded by the registry",
		},
		[]string{"reason"}, // cancelled, unknown_key
	)

	m.ResyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedhub_registry_resyncs_total",
			Help: "Total number of subscriptions reopened after falling behind the store",
		},
	)

	m.SuspensionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedhub_registry_suspensions_total",
			Help: "Total number of suspend-all operations",
		},
	)

	m.ResumptionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedhub_registry_resumptions_total",
			Help: "Total number of resume-all operations",
		},
	)

	m.AuthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedhub_auth_transitions_total",
			Help: "Total number of auth state transitions applied by the gate",
		},
		[]string{"to"}, // active, inactive, switch
	)

	m.BootstrapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedhub_auth_bootstraps_total",
			Help: "Total number of bootstrap role assignments",
		},
		[]string{"result"}, // ok, error
	)

	m.BootstrapDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feedhub_auth_bootstrap_duration_seconds",
			Help:    "Duration of bootstrap role assignment in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // from 1ms to ~2s
		},
	)

	return m
}
