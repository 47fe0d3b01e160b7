package observability

import (
	"net/http"

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

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Wall-clock time of one multi-city analysis batch.
	AnalysisBatchDurationSeconds prometheus.Histogram

	// Cities analysed per batch outcome (success, failure).
	AnalysisCitiesTotal *prometheus.CounterVec

	// Historical readings flagged as anomalous across all batches.
	AnomaliesDetectedTotal prometheus.Counter

	// Live lookups by outcome kind (success, auth, not_found, network, provider).
	LiveFetchTotal *prometheus.CounterVec

	// Live lookup latency. Watch for: p99 approaching the client timeout.
	LiveFetchDuration *prometheus.HistogramVec

	// Cache hits. Misses = sum(liveFetchTotal) - requestCoalescedTotal.
	CacheHitsTotal *prometheus.CounterVec

	// Cache backend failures by operation (get, set).
	CacheErrorsTotal *prometheus.CounterVec

	// Callers that waited on another caller's in-flight lookup instead of fetching.
	RequestCoalescedTotal prometheus.Counter

	CacheWarmingTotal       prometheus.Counter
	CacheWarmingErrorsTotal prometheus.Counter
	CacheWarmingDuration    prometheus.Histogram

	// Rate limit denials on the live endpoint.
	RateLimitDeniedTotal prometheus.Counter
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
	AnalysisBatchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysisBatchDurationSeconds",
			Help:    "Wall-clock duration of a multi-city analysis batch",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	AnalysisCitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysisCitiesTotal",
			Help: "Cities analysed, by result",
		},
		[]string{"result"},
	)
	AnomaliesDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaliesDetectedTotal",
			Help: "Historical readings flagged as anomalous",
		},
	)
	LiveFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveFetchTotal",
			Help: "Live temperature lookups by outcome kind",
		},
		[]string{"kind"},
	)
	LiveFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "liveFetchDurationSeconds",
			Help:    "Live temperature lookup latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of live-reading cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation",
		},
		[]string{"op"},
	)
	RequestCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescedTotal",
			Help: "Lookups served by waiting on an identical in-flight lookup",
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed city",
		},
	)
	CacheWarmingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of a cache warming run",
			Buckets: prometheus.DefBuckets,
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		AnalysisBatchDurationSeconds, AnalysisCitiesTotal, AnomaliesDetectedTotal,
		LiveFetchTotal, LiveFetchDuration,
		CacheHitsTotal, CacheErrorsTotal, RequestCoalescedTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDuration,
		RateLimitDeniedTotal,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
