package audiocache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memoryHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "musiccache_memory_hits_total",
		Help: "Total in-memory audio cache hits",
	})

	memoryMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "musiccache_memory_misses_total",
		Help: "Total in-memory audio cache misses",
	})

	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musiccache_evictions_total",
		Help: "Total evicted audio entries by reason",
	}, []string{"reason"}) // "lru", "resize", "idle", "clear"

	preloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musiccache_preloads_total",
		Help: "Total processed preload queue entries by result",
	}, []string{"result"}) // "cached", "failed", "dropped"

	rehydrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musiccache_rehydrations_total",
		Help: "Total rehydrations from the persistent store by result",
	}, []string{"result"}) // "hit", "miss", "error"

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "musiccache_fetch_duration_seconds",
		Help:    "Duration of whole-resource audio fetches",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20},
	})

	mirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "musiccache_mirror_failures_total",
		Help: "Total failed best-effort writes to the persistent store",
	})
)
