// Package metrics provides Prometheus metrics for the lookout service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values shared by poll cycles and compaction runs.
const (
	OutcomeSuccess = "success"
	OutcomeEmpty   = "empty"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Manager manages all Prometheus metrics for the lookout service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Polling
	pollCycles      *prometheus.CounterVec
	pollLatency     *prometheus.HistogramVec
	eventsObserved  *prometheus.CounterVec
	eventsDuplicate *prometheus.CounterVec

	// Summarizer
	summarizerLatency *prometheus.HistogramVec
	summarizerErrors  *prometheus.CounterVec

	// Store
	storeLatency *prometheus.HistogramVec
	tierSize     *prometheus.GaugeVec

	// Compaction
	compactionRuns       *prometheus.CounterVec
	windowsCompacted     prometheus.Counter
	observationsArchived prometheus.Counter
	stalledWindows       prometheus.Gauge
	stragglers           prometheus.Gauge

	// HTTP Performance Metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorRateByComponent *prometheus.CounterVec

	// System Performance Metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithRegisterer(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "lookout",
		subsystem:        "engine",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
		Buckets:     m.histogramBuckets,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) initializeMetrics() {
	m.pollCycles = m.counterVec("poll_cycles_total",
		"Poll cycles by source and outcome", "source", "outcome")
	m.pollLatency = m.histogramVec("poll_duration_milliseconds",
		"Duration of a full poll cycle in milliseconds", "source")
	m.eventsObserved = m.counterVec("events_observed_total",
		"New events accepted from a source", "source")
	m.eventsDuplicate = m.counterVec("events_duplicate_total",
		"Events dropped because they were already recorded", "source")

	m.summarizerLatency = m.histogramVec("summarizer_latency_milliseconds",
		"Summarizer call latency in milliseconds", "kind")
	m.summarizerErrors = m.counterVec("summarizer_errors_total",
		"Summarizer failures", "kind")

	m.storeLatency = m.histogramVec("store_write_latency_milliseconds",
		"Store write latency in milliseconds by operation", "op")

	auto := promauto.With(m.registry)
	m.tierSize = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "tier_records",
		Help:        "Number of records held in each storage tier",
		ConstLabels: m.customLabels,
	}, []string{"tier"})

	m.compactionRuns = m.counterVec("compaction_runs_total",
		"Compaction runs by outcome", "outcome")
	m.windowsCompacted = m.counter("windows_compacted_total",
		"Compacted summaries written")
	m.observationsArchived = m.counter("observations_archived_total",
		"Raw observations moved to the processed tier")
	m.stalledWindows = m.gauge("stalled_windows",
		"Compaction windows that reached the failure limit")
	m.stragglers = m.gauge("stragglers",
		"Eligible raw observations that fall before the latest compacted window")

	m.httpRequests = m.counterVec("http_requests_total",
		"Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds", "endpoint", "method", "status_code")

	m.errorRateByComponent = m.counterVec("errors_by_component_total",
		"Total number of errors by component", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
}

// RecordPollCycle counts a finished poll cycle.
func RecordPollCycle(source, outcome string) {
	globalManager.pollCycles.WithLabelValues(source, outcome).Inc()
}

// RecordPollLatency records the duration of a poll cycle in milliseconds.
func RecordPollLatency(source string, latencyMs float64) {
	globalManager.pollLatency.WithLabelValues(source).Observe(latencyMs)
}

// RecordEventsObserved adds n newly accepted events for source.
func RecordEventsObserved(source string, n int) {
	globalManager.eventsObserved.WithLabelValues(source).Add(float64(n))
}

// RecordEventsDuplicate adds n dropped duplicates for source.
func RecordEventsDuplicate(source string, n int) {
	globalManager.eventsDuplicate.WithLabelValues(source).Add(float64(n))
}

// RecordSummarizerLatency records a summarizer call; kind is "poll" or "compaction".
func RecordSummarizerLatency(kind string, latencyMs float64) {
	globalManager.summarizerLatency.WithLabelValues(kind).Observe(latencyMs)
}

// RecordSummarizerError counts a failed summarizer call.
func RecordSummarizerError(kind string) {
	globalManager.summarizerErrors.WithLabelValues(kind).Inc()
}

// RecordStoreLatency records a store write.
func RecordStoreLatency(op string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(op).Observe(latencyMs)
}

// UpdateTierSize sets the record count of a tier.
func UpdateTierSize(tier string, n int) {
	globalManager.tierSize.WithLabelValues(tier).Set(float64(n))
}

// RecordCompactionRun counts a compaction run by outcome.
func RecordCompactionRun(outcome string) {
	globalManager.compactionRuns.WithLabelValues(outcome).Inc()
}

// RecordWindowCompacted counts a written compacted summary.
func RecordWindowCompacted() {
	globalManager.windowsCompacted.Inc()
}

// RecordObservationsArchived adds n archived raw observations.
func RecordObservationsArchived(n int) {
	globalManager.observationsArchived.Add(float64(n))
}

// UpdateStalledWindows sets the number of stalled compaction windows.
func UpdateStalledWindows(n int) {
	globalManager.stalledWindows.Set(float64(n))
}

// UpdateStragglers sets the number of straggling raw observations.
func UpdateStragglers(n int) {
	globalManager.stragglers.Set(float64(n))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
