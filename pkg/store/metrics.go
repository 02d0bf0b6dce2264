package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreHits tracks persistent store hits by backend
	StoreHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musiccache_store_hits_total",
			Help: "Total number of persistent byte store hits",
		},
		[]string{"backend"}, // "memory", "redis", "bucket"
	)

	// StoreMisses tracks persistent store misses by backend
	StoreMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musiccache_store_misses_total",
			Help: "Total number of persistent byte store misses",
		},
		[]string{"backend"},
	)

	// StoreBytesWritten tracks body bytes written by backend
	StoreBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musiccache_store_written_bytes_total",
			Help: "Total number of body bytes written to the persistent byte store",
		},
		[]string{"backend"},
	)

	// StoreErrors tracks store operation errors
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musiccache_store_errors_total",
			Help: "Total number of persistent byte store operation errors",
		},
		[]string{"backend", "operation"}, // "match", "put", "delete", ...
	)
)
