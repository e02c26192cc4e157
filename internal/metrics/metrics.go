// Package metrics registers the Prometheus metrics exported by the API cache.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch-level counters and histograms.
var (
	// FetchTotal counts completed Fetch calls labelled by category, strategy
	// and outcome ("network", "hit", "offline", "fallback", "stale", "error").
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_fetch_total",
			Help: "Total number of fetches served by the API cache.",
		},
		[]string{"category", "strategy", "outcome"},
	)

	// FetchDuration observes end-to-end fetch latency in seconds.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apicache_fetch_duration_seconds",
			Help:    "End-to-end fetch duration in seconds.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"strategy"},
	)

	// NetworkRequests counts calls issued to the backend REST API, labelled
	// by status ("ok", "http_error", "network_error", "circuit_open").
	NetworkRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_network_requests_total",
			Help: "Total backend requests issued by the API cache.",
		},
		[]string{"status"},
	)

	// DedupShared counts callers that joined an in-flight request for the
	// same cache key instead of issuing their own.
	DedupShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apicache_dedup_shared_total",
			Help: "Total fetches satisfied by an already in-flight request.",
		},
	)

	// BackgroundRefresh counts cache-first revalidations by outcome
	// ("success", "error").
	BackgroundRefresh = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_background_refresh_total",
			Help: "Total background revalidations of cache-first entries.",
		},
		[]string{"outcome"},
	)
)

// Store and lifecycle gauges.
var (
	// Entries tracks the number of entries currently held by the cache store.
	Entries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apicache_entries",
			Help: "Number of entries in the API cache.",
		},
	)

	// Swept counts entries removed by the periodic expiry sweep.
	Swept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apicache_swept_total",
			Help: "Total expired entries removed by the cleanup sweep.",
		},
	)

	// SubscriberPanics counts subscriber callbacks that panicked while
	// handling a bus event.
	SubscriberPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apicache_subscriber_panics_total",
			Help: "Total subscriber callbacks that panicked.",
		},
	)

	// Online is 1 while the backend is considered reachable, 0 otherwise.
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apicache_online",
			Help: "Backend reachability (1=online 0=offline).",
		},
	)

	// BreakerState tracks the backend circuit breaker state:
	// 0 = closed, 1 = open, 2 = half_open.
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apicache_backend_breaker_state",
			Help: "Backend circuit breaker state (0=closed 1=open 2=half_open).",
		},
	)

	// InstallState tracks the PWA install state:
	// 0 = browser, 1 = installable, 2 = installed.
	InstallState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apicache_pwa_install_state",
			Help: "PWA install state (0=browser 1=installable 2=installed).",
		},
	)

	// RateLimitRejections counts /api requests rejected by the per-client
	// rate limiter.
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apicache_rate_limit_rejections_total",
			Help: "Total requests rejected by rate limiting.",
		},
	)
)
