package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// FUNVISIS feed fetches by outcome (success or error kind).
	UpstreamFetchTotal *prometheus.CounterVec

	// FUNVISIS fetch latency. Watch for: p95 close to the fetch timeout.
	UpstreamFetchDuration *prometheus.HistogramVec

	// Retry attempts inside a refresh. Watch for: high retries = unstable upstream.
	UpstreamRetriesTotal prometheus.Counter

	// Refresh runs by trigger (startup, scheduled, manual) and outcome.
	RefreshRunsTotal *prometheus.CounterVec

	// Refresh wall time including retries.
	RefreshDuration *prometheus.HistogramVec

	// Refresh requests turned away because one was already running.
	RefreshRejectedTotal *prometheus.CounterVec

	// Coordinator state: 0 idle, 1 fetching, 2 merging, 3 publishing, 4 failed.
	RefreshState prometheus.Gauge

	// Feed records dropped during normalization, by reason.
	RecordsDroppedTotal *prometheus.CounterVec

	// Merge outcome per record: added, updated, retained, pruned.
	RecordsMergedTotal *prometheus.CounterVec

	// Records in the published snapshot.
	SnapshotRecords prometheus.Gauge

	// Unix time of the published snapshot. Watch for: age > 2x refresh interval.
	SnapshotLastUpdatedSeconds prometheus.Gauge

	// Snapshot persistence failures by operation.
	PersistErrorsTotal *prometheus.CounterVec

	// Backup attempts by outcome.
	SnapshotBackupsTotal *prometheus.CounterVec

	// Mirror (memcached/redis) operations by op and outcome.
	MirrorOperationsTotal *prometheus.CounterVec

	// Circuit breaker state per component: 0 closed, 1 open, 2 half_open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Earthquake queries by endpoint.
	SismosQueriesTotal *prometheus.CounterVec

	// Rate limit denials per route.
	RateLimitDeniedTotal *prometheus.CounterVec

	// Connected websocket stream clients.
	StreamClients prometheus.Gauge

	// Messages broadcast to stream clients.
	StreamMessagesTotal prometheus.Counter

	snapshotAgeOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamFetchTotal",
			Help: "Total number of FUNVISIS feed fetches",
		},
		[]string{"status"},
	)
	UpstreamFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamFetchDurationSeconds",
			Help:    "FUNVISIS feed fetch latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total number of retry attempts for FUNVISIS fetches",
		},
	)
	RefreshRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshRunsTotal",
			Help: "Total number of refresh runs by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)
	RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refreshDurationSeconds",
			Help:    "Refresh duration in seconds, fetch through publish",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)
	RefreshRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshRejectedTotal",
			Help: "Refresh requests rejected because a refresh was already in flight",
		},
		[]string{"trigger"},
	)
	RefreshState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "refreshState",
			Help: "Refresh coordinator state: 0=idle, 1=fetching, 2=merging, 3=publishing, 4=failed",
		},
	)
	RecordsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsDroppedTotal",
			Help: "Feed records dropped during normalization",
		},
		[]string{"reason"},
	)
	RecordsMergedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsMergedTotal",
			Help: "Records by merge outcome",
		},
		[]string{"result"},
	)
	SnapshotRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapshotRecords",
			Help: "Number of earthquake records in the published snapshot",
		},
	)
	SnapshotLastUpdatedSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapshotLastUpdatedSeconds",
			Help: "Unix time of the published snapshot",
		},
	)
	PersistErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistErrorsTotal",
			Help: "Snapshot persistence failures by operation",
		},
		[]string{"op"},
	)
	SnapshotBackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshotBackupsTotal",
			Help: "Snapshot backup attempts by outcome",
		},
		[]string{"outcome"},
	)
	MirrorOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrorOperationsTotal",
			Help: "Snapshot mirror operations by backend, op and outcome",
		},
		[]string{"backend", "op", "outcome"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half_open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	SismosQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sismosQueriesTotal",
			Help: "Earthquake queries by endpoint",
		},
		[]string{"endpoint"},
	)
	RateLimitDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
		[]string{"route"},
	)
	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamClients",
			Help: "Connected websocket stream clients",
		},
	)
	StreamMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamMessagesTotal",
			Help: "Snapshot notifications broadcast to stream clients",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamFetchTotal, UpstreamFetchDuration, UpstreamRetriesTotal,
		RefreshRunsTotal, RefreshDuration, RefreshRejectedTotal, RefreshState,
		RecordsDroppedTotal, RecordsMergedTotal,
		SnapshotRecords, SnapshotLastUpdatedSeconds,
		PersistErrorsTotal, SnapshotBackupsTotal,
		MirrorOperationsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		SismosQueriesTotal, RateLimitDeniedTotal,
		StreamClients, StreamMessagesTotal,
	)
}

// RegisterSnapshotAgeGauge exposes the age of the published snapshot, computed at scrape time.
// ageSeconds returns a negative value when nothing has been published yet.
func RegisterSnapshotAgeGauge(ageSeconds func() float64) {
	snapshotAgeOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "snapshotAgeSeconds",
					Help: "Seconds since the published snapshot was produced; -1 before the first publish",
				},
				ageSeconds,
			),
		)
	})
}

// RecordDropped adds per-reason drop counts from one normalization batch.
func RecordDropped(reasons map[string]int) {
	for reason, n := range reasons {
		if n > 0 {
			RecordsDroppedTotal.WithLabelValues(reason).Add(float64(n))
		}
	}
}

// RecordQuery counts one read against the snapshot.
func RecordQuery(endpoint string) {
	SismosQueriesTotal.WithLabelValues(endpoint).Inc()
}

// CircuitBreakerStateValue maps a breaker state name to its gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(CircuitBreakerStateValue(to))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
