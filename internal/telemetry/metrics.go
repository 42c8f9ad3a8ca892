// Package telemetry provides observability primitives for the API gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheBypass      prometheus.Counter
	CacheStores      prometheus.Counter
	CacheDiscards    *prometheus.CounterVec
	CacheCoalesced   prometheus.Counter
	CacheEntries     prometheus.Gauge
	CacheStoredBytes prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apigateway",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route, status and cache decision.",
		}, []string{"method", "path", "status", "cache"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "apigateway",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apigateway",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "apigateway",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream service call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"upstream"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apigateway",
			Name:      "upstream_errors_total",
			Help:      "Total upstream transport errors.",
		}, []string{"upstream"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apigateway",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apigateway",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses, including stale entries.",
		}),

		CacheBypass: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apigateway",
			Name:      "cache_bypass_total",
			Help:      "Total requests not eligible for caching.",
		}),

		CacheStores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apigateway",
			Name:      "cache_stores_total",
			Help:      "Total captured responses committed to the cache.",
		}),

		CacheDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apigateway",
			Name:      "cache_discards_total",
			Help:      "Total captured responses dropped instead of committed.",
		}, []string{"reason"}),

		CacheCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apigateway",
			Name:      "cache_coalesced_total",
			Help:      "Total misses served from a concurrent request's capture.",
		}),

		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apigateway",
			Name:      "cache_entries",
			Help:      "Estimated number of stored cache entries.",
		}),

		CacheStoredBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apigateway",
			Name:      "cache_stored_bytes_total",
			Help:      "Total body bytes committed to the cache.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.CacheBypass,
		m.CacheStores,
		m.CacheDiscards,
		m.CacheCoalesced,
		m.CacheEntries,
		m.CacheStoredBytes,
	)

	return m
}
