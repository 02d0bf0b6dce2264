// Package metrics exposes the Prometheus metrics of the music cache.
// Metrics are defined next to the code that records them (audiocache,
// store, httpcache, upstream, proxy) and registered via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the music cache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Engine Metrics (pkg/audiocache):
//   - musiccache_memory_hits_total (Counter): In-memory lookups that found a handle
//   - musiccache_memory_misses_total (Counter): In-memory lookups that found nothing
//   - musiccache_evictions_total{reason} (Counter): Released entries (lru, resize, idle, clear)
//   - musiccache_preloads_total{result} (Counter): Processed queue entries (cached, failed, dropped)
//   - musiccache_rehydrations_total{result} (Counter): Store-to-memory moves (hit, miss, error)
//   - musiccache_fetch_duration_seconds (Histogram): Whole-resource fetch time
//   - musiccache_mirror_failures_total (Counter): Failed best-effort store writes
//
// Store Metrics (pkg/store):
//   - musiccache_store_hits_total{backend} (Counter): Persistent store hits (memory, redis, bucket)
//   - musiccache_store_misses_total{backend} (Counter): Persistent store misses
//   - musiccache_store_written_bytes_total{backend} (Counter): Body bytes written
//   - musiccache_store_errors_total{backend, operation} (Counter): Failed store operations
//
// HTTP Cache Metrics (pkg/httpcache):
//   - musiccache_httpcache_requests_total{result} (Counter): hit, miss, bypass
//   - musiccache_httpcache_range_responses_total{status} (Counter): 206/416 synthesized from stored bodies
//
// Upstream Metrics (pkg/upstream):
//   - musiccache_upstream_requests_total{status} (Counter): Upstream answers by status or network_error
//   - musiccache_upstream_request_duration_seconds (Histogram): Time to response headers
//   - musiccache_upstream_retries_total{error_class} (Counter): Retry attempts
//   - musiccache_upstream_retry_backoff_seconds{error_class} (Histogram): Backoff before retries
//   - musiccache_upstream_retry_exhausted_total{error_class} (Counter): Requests failing every attempt
//
// Proxy Metrics (pkg/proxy):
//   - musiccache_proxy_requests_total{endpoint, status} (Counter): audio, r2, cache
//   - musiccache_proxy_bytes_total{endpoint} (Counter): Bytes streamed to clients
//
// Example Prometheus Queries:
//
//   # Memory Hit Rate
//   sum(rate(musiccache_memory_hits_total[5m])) /
//   (sum(rate(musiccache_memory_hits_total[5m])) + sum(rate(musiccache_memory_misses_total[5m])))
//
//   # Preload Failure Ratio
//   rate(musiccache_preloads_total{result="failed"}[5m]) / rate(musiccache_preloads_total[5m])
//
//   # Range Requests Answered Without Upstream
//   rate(musiccache_httpcache_range_responses_total{status="206"}[5m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(musiccache_upstream_request_duration_seconds_bucket[5m]))
