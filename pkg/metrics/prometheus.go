// Package metrics provides Prometheus metrics for the IUU watch service.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultRefreshInterval = 10 * time.Second
)

// Event stage labels.
const (
	StageFetched    = "fetched"
	StageOutside    = "outside"
	StageExempt     = "exempt"
	StageMalformed  = "malformed"
	StageScored     = "scored"
	StageAlerted    = "alerted"
	StageDuplicate  = "duplicate"
	StageSinkError  = "sink_error"
	StageScoreError = "score_error"
)

// Manager manages all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Pipeline
	cyclesTotal        *prometheus.CounterVec
	cycleDuration      prometheus.Histogram
	lastCycleTimestamp prometheus.Gauge
	eventsTotal        *prometheus.CounterVec
	exemptionFailures  prometheus.Counter
	scoringLatency     prometheus.Histogram
	scoreDistribution  prometheus.Histogram

	// Upstream
	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	pagesFetched     prometheus.Counter
	pageCeilingHits  prometheus.Counter
	geofenceFetches  *prometheus.CounterVec

	// Queue
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueueRate   prometheus.Counter
	queueDequeueRate   prometheus.Counter
	queueEnqueueErrors prometheus.Counter

	// Workers
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Stream
	streamSubscribers prometheus.Gauge
	streamForwarded   prometheus.Counter
	streamPollErrors  prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // keeps default Go collectors out

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "iuuwatch",
		subsystem:        "",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

// RefreshInterval is how often runtime gauges should be sampled.
func (m *Manager) RefreshInterval() time.Duration { return m.refreshInterval }

// Enabled reports whether recording is active.
func (m *Manager) Enabled() bool { return m.enabled }

func (m *Manager) name(n string) string { return m.metricPrefix + n }

func (m *Manager) initializeMetrics() { //nolint:funlen // flat list of metric definitions
	auto := promauto.With(m.registry)
	constLabels := prometheus.Labels(m.customLabels)

	m.cyclesTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("cycles_total"),
		Help: "Ingestion cycles by outcome",
	}, []string{"outcome"})

	m.cycleDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name:    m.name("cycle_duration_seconds"),
		Help:    "Wall time of one ingestion cycle",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	m.lastCycleTimestamp = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("last_cycle_timestamp_seconds"),
		Help: "Unix time the last ingestion cycle finished",
	})

	m.eventsTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("events_total"),
		Help: "Events by pipeline stage outcome",
	}, []string{"stage"})

	m.exemptionFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("exemption_lookup_failures_total"),
		Help: "Exemption registry lookups that failed and were treated as not exempt",
	})

	m.scoringLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name:    m.name("scoring_latency_milliseconds"),
		Help:    "Classifier scoring latency in milliseconds",
		Buckets: m.histogramBuckets,
	})

	m.scoreDistribution = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name:    m.name("score"),
		Help:    "Distribution of classifier probabilities",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	m.upstreamRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("upstream_requests_total"),
		Help: "Upstream HTTP requests by source and status",
	}, []string{"source", "status"})

	m.upstreamLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name:    m.name("upstream_request_duration_seconds"),
		Help:    "Upstream HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	m.breakerState = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("circuit_breaker_state"),
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	m.pagesFetched = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("event_pages_fetched_total"),
		Help: "Event source pages fetched",
	})

	m.pageCeilingHits = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("event_page_ceiling_hits_total"),
		Help: "Fetches truncated by the page-count ceiling",
	})

	m.geofenceFetches = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("geofence_fetches_total"),
		Help: "Geofence region fetches by outcome",
	}, []string{"outcome"})

	m.queueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("queue_size"),
		Help: "Scoring jobs waiting in the queue",
	})

	m.queueCapacity = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("queue_capacity"),
		Help: "Scoring queue capacity",
	})

	m.queueEnqueueRate = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("queue_enqueue_total"),
		Help: "Scoring jobs enqueued",
	})

	m.queueDequeueRate = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("queue_dequeue_total"),
		Help: "Scoring jobs dequeued",
	})

	m.queueEnqueueErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("queue_enqueue_errors_total"),
		Help: "Scoring jobs rejected by a closed queue or cancelled context",
	})

	m.workerCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("worker_count"),
		Help: "Scoring workers started",
	})

	m.workerActiveCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("worker_active_count"),
		Help: "Scoring workers currently running",
	})

	m.workerProcessingLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name:    m.name("worker_processing_latency_milliseconds"),
		Help:    "Score, threshold and persist latency per job",
		Buckets: m.histogramBuckets,
	})

	m.workerErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("worker_errors_total"),
		Help: "Jobs that ended with a scoring or sink error",
	})

	m.streamSubscribers = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("stream_subscribers"),
		Help: "Connected alert stream subscribers",
	})

	m.streamForwarded = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("stream_alerts_forwarded_total"),
		Help: "Alerts forwarded to stream subscribers",
	})

	m.streamPollErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("stream_poll_errors_total"),
		Help: "Alert store reads that failed in the stream loop",
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("http_requests_total"),
		Help: "HTTP requests by endpoint, method and status",
	}, []string{"endpoint", "method", "status_code"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name:    m.name("http_request_duration_seconds"),
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method", "status_code"})

	m.systemMemoryUsage = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("system_memory_usage_bytes"),
		Help: "Heap memory in use",
	})

	m.systemGoroutineCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name: m.name("system_goroutine_count"),
		Help: "Number of goroutines",
	})

	m.systemGCPauseTime = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: constLabels,
		Name:    m.name("system_gc_pause_time_milliseconds"),
		Help:    "GC pause time in milliseconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
}

// Manager-level recorders. Package functions delegate to the global manager.

func (m *Manager) RecordCycle(outcome string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.lastCycleTimestamp.SetToCurrentTime()
}

func (m *Manager) RecordEvents(stage string, n int) {
	if !m.enabled || n <= 0 {
		return
	}
	m.eventsTotal.WithLabelValues(stage).Add(float64(n))
}

func (m *Manager) RecordUpstreamRequest(source, status string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.upstreamRequests.WithLabelValues(source, status).Inc()
	m.upstreamLatency.WithLabelValues(source).Observe(d.Seconds())
}

// RecordCycle counts one finished cycle.
func RecordCycle(outcome string, d time.Duration) { globalManager.RecordCycle(outcome, d) }

// RecordEvents adds n events to a stage counter.
func RecordEvents(stage string, n int) { globalManager.RecordEvents(stage, n) }

// RecordEvent adds one event to a stage counter.
func RecordEvent(stage string) { globalManager.RecordEvents(stage, 1) }

// RecordExemptionLookupFailure counts a failed registry lookup.
func RecordExemptionLookupFailure() { globalManager.exemptionFailures.Inc() }

// RecordScoringLatency records scoring latency in milliseconds.
func RecordScoringLatency(latencyMs float64) { globalManager.scoringLatency.Observe(latencyMs) }

// RecordScore records one classifier output.
func RecordScore(p float64) { globalManager.scoreDistribution.Observe(p) }

// RecordUpstreamRequest records one upstream call.
func RecordUpstreamRequest(source, status string, d time.Duration) {
	globalManager.RecordUpstreamRequest(source, status, d)
}

// UpdateCircuitBreakerState sets the breaker gauge from a state name
// ("closed", "half-open" or "open").
func UpdateCircuitBreakerState(name, state string) error {
	var v float64
	switch state {
	case "closed":
		v = 0
	case "half-open":
		v = 1
	case "open":
		v = 2
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBreakerState, state)
	}
	globalManager.breakerState.WithLabelValues(name).Set(v)
	return nil
}

// RecordPageFetched counts one fetched event page.
func RecordPageFetched() { globalManager.pagesFetched.Inc() }

// RecordPageCeilingHit counts a fetch truncated by the page ceiling.
func RecordPageCeilingHit() { globalManager.pageCeilingHits.Inc() }

// RecordGeofenceFetch counts a geofence fetch by outcome.
func RecordGeofenceFetch(outcome string) { globalManager.geofenceFetches.WithLabelValues(outcome).Inc() }

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() { globalManager.queueEnqueueRate.Inc() }

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() { globalManager.queueDequeueRate.Inc() }

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrors.Inc() }

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) { globalManager.workerCount.Set(float64(count)) }

// UpdateWorkerActiveCount sets the number of running workers.
func UpdateWorkerActiveCount(count int) { globalManager.workerActiveCount.Set(float64(count)) }

// RecordWorkerProcessingLatency records per-job latency in milliseconds.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// UpdateStreamSubscribers adjusts the subscriber gauge by delta.
func UpdateStreamSubscribers(delta int) { globalManager.streamSubscribers.Add(float64(delta)) }

// RecordStreamForwarded counts alerts pushed to a subscriber.
func RecordStreamForwarded(n int) { globalManager.streamForwarded.Add(float64(n)) }

// RecordStreamPollError counts a failed alert store read in the stream loop.
func RecordStreamPollError() { globalManager.streamPollErrors.Inc() }

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in seconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// RefreshInterval returns the sampling interval of the global manager.
func RefreshInterval() time.Duration { return globalManager.refreshInterval }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
