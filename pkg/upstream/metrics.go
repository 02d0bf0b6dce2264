package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musiccache_upstream_requests_total",
		Help: "Upstream audio requests by status (status code or network_error)",
	}, []string{"status"})

	upstreamRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "musiccache_upstream_request_duration_seconds",
		Help:    "Time until upstream response headers arrive",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	upstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musiccache_upstream_retries_total",
		Help: "Upstream retry attempts by error class",
	}, []string{"error_class"})

	upstreamRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "musiccache_upstream_retry_backoff_seconds",
		Help:    "Backoff before upstream retries by error class",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"error_class"})

	upstreamRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musiccache_upstream_retry_exhausted_total",
		Help: "Upstream requests that failed after every attempt by error class",
	}, []string{"error_class"})
)
