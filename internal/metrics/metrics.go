package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	GraphRequests     *prometheus.CounterVec
	GraphLatency      *prometheus.HistogramVec
	GatewayRetries    *prometheus.CounterVec
	GatewayBatchSize  prometheus.Histogram
	SyncRuns          *prometheus.CounterVec
	SyncRecords       *prometheus.CounterVec
	SyncCursor        *prometheus.GaugeVec
	ListCacheRequests *prometheus.CounterVec
	TokenRefreshes    *prometheus.CounterVec
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = build(namespace)
		prometheus.MustRegister(metricsInstance.collectors()...)
	})
	return metricsInstance
}

// NewUnregistered returns collectors that are not attached to any registry.
// Tests use it to assert on counters without touching the global registry.
func NewUnregistered(namespace string) *Metrics {
	return build(namespace)
}

func build(namespace string) *Metrics {
	return &Metrics{
		GraphRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_requests_total",
			Help:      "Total Graph API requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		GraphLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graph_request_duration_seconds",
			Help:      "Latency distribution for Graph API requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),
		GatewayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_retries_total",
			Help:      "Retries issued by the batch gateway by kind.",
		}, []string{"kind"}),
		GatewayBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_batch_size",
			Help:      "Number of sub-requests per physical batch call.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50},
		}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync invocations by job and outcome.",
		}, []string{"job", "status"}),
		SyncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_total",
			Help:      "Records written by sync jobs by operation.",
		}, []string{"job", "op"}),
		SyncCursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_cursor_timestamp_seconds",
			Help:      "Unix time of the last committed cursor per job.",
		}, []string{"job"}),
		ListCacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "list_cache_requests_total",
			Help:      "List cache lookups by kind and result.",
		}, []string{"kind", "result"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Long-lived token refresh attempts by outcome.",
		}, []string{"status"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors grouped by component.",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.GraphRequests,
		m.GraphLatency,
		m.GatewayRetries,
		m.GatewayBatchSize,
		m.SyncRuns,
		m.SyncRecords,
		m.SyncCursor,
		m.ListCacheRequests,
		m.TokenRefreshes,
		m.Errors,
	}
}

// IncError bumps the error counter for component. Safe on a nil receiver.
func (m *Metrics) IncError(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}
