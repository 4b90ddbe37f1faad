package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMetrics(t *testing.T) {
	metrics := GetMetrics()
	assert.NotNil(t, metrics)
	assert.Same(t, metrics, GetMetrics(), "GetMetrics should return the same instance")
}

func TestAllMetricsInitialized(t *testing.T) {
	m := GetMetrics()

	assert.NotNil(t, m.APIRequestsTotal, "APIRequestsTotal should be initialized")
	assert.NotNil(t, m.APIRequestDuration, "APIRequestDuration should be initialized")
	assert.NotNil(t, m.APIErrorsTotal, "APIErrorsTotal should be initialized")
	assert.NotNil(t, m.APIActiveConnections, "APIActiveConnections should be initialized")

	assert.NotNil(t, m.RecordsTotal, "RecordsTotal should be initialized")
	assert.NotNil(t, m.StorageOperations, "StorageOperations should be initialized")
	assert.NotNil(t, m.StorageOperationDuration, "StorageOperationDuration should be initialized")
	assert.NotNil(t, m.WatchersActive, "WatchersActive should be initialized")
	assert.NotNil(t, m.DBSize, "DBSize should be initialized")

	assert.NotNil(t, m.RouterMessagesTotal, "RouterMessagesTotal should be initialized")
	assert.NotNil(t, m.RouterQueueSize, "RouterQueueSize should be initialized")
	assert.NotNil(t, m.RouterEventsRouted, "RouterEventsRouted should be initialized")
	assert.NotNil(t, m.SurfacesActive, "SurfacesActive should be initialized")

	assert.NotNil(t, m.NotifierConnectionsActive, "NotifierConnectionsActive should be initialized")
	assert.NotNil(t, m.NotifierEventsPublished, "NotifierEventsPublished should be initialized")
	assert.NotNil(t, m.NotifierEventsDropped, "NotifierEventsDropped should be initialized")
}

func TestRegistryMetricsSingleton(t *testing.T) {
	m := GetRegistryMetrics()
	assert.Same(t, m, GetRegistryMetrics())

	assert.NotNil(t, m.EntriesActive)
	assert.NotNil(t, m.OpensTotal)
	assert.NotNil(t, m.AuthTransitions)
	assert.NotNil(t, m.BootstrapsTotal)
}

func TestMetricNamesAreNamespaced(t *testing.T) {
	GetRegistryMetrics()
	m := GetMetrics()
	m.APIRequestsTotal.WithLabelValues("GET", "/state", "200").Inc()
	m.NotifierEventsDropped.WithLabelValues("outbox_full").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, name := range []string{
		"feedhub_api_requests_total",
		"feedhub_records_total",
		"feedhub_db_size_bytes",
		"feedhub_router_queue_size",
		"feedhub_surfaces_active",
		"feedhub_notifier_events_dropped_total",
		"feedhub_registry_entries_active",
	} {
		assert.True(t, names[name], "missing %s", name)
	}
}

func TestCounterValues(t *testing.T) {
	m := GetMetrics()
	before := testutil.ToFloat64(m.StorageOperations.WithLabelValues("put", "true"))

	m.StorageOperations.WithLabelValues("put", "true").Inc()
	m.StorageOperations.WithLabelValues("put", "true").Add(2)

	assert.Equal(t, before+3, testutil.ToFloat64(m.StorageOperations.WithLabelValues("put", "true")))
}
