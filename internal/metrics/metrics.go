package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name
const Namespace = "tokenmeta"

var latencyBuckets = []float64{
	5, 10, 25,
	50, 100, 250,
	500, 1000, 2500,
	5000, 10000, 30000,
}

// Metrics groups the collectors shared by the limiter, the cache and the HTTP server
type Metrics struct {
	LimiterRequests  *prometheus.CounterVec
	LimiterShared    prometheus.Counter
	LimiterThrottled prometheus.Counter
	LimiterLatency   prometheus.Histogram

	CacheLookups *prometheus.CounterVec
	CacheBatches *prometheus.CounterVec
	CacheSwept   prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		LimiterRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ratelimit",
				Name:      "requests_total",
				Help:      "Outbound provider calls executed, by outcome",
			},
			[]string{"outcome"},
		),
		LimiterShared: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ratelimit",
				Name:      "shared_results_total",
				Help:      "Callers served by an in-flight call with the same signature",
			},
		),
		LimiterThrottled: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ratelimit",
				Name:      "throttled_total",
				Help:      "Calls that had to wait for the cooldown before proceeding",
			},
		),
		LimiterLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "ratelimit",
				Name:      "latency_ms",
				Help:      "Outbound call latency in milliseconds, including throttling",
				Buckets:   latencyBuckets,
			},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Per-address cache lookups, by result",
			},
			[]string{"result"},
		),
		CacheBatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "cache",
				Name:      "batches_total",
				Help:      "Batch fetches, by outcome",
			},
			[]string{"outcome"},
		),
		CacheSwept: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "cache",
				Name:      "swept_entries_total",
				Help:      "Expired entries removed by the periodic sweep",
			},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Inbound API requests, by route and status code",
			},
			[]string{"route", "code"},
		),
		HTTPLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "latency_ms",
				Help:      "Inbound API latency in milliseconds",
				Buckets:   latencyBuckets,
			},
			[]string{"route"},
		),
	}
}

// NewUnregistered creates collectors on a private registry, for tests and
// components built without a shared registry
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
