// Package httpcache is a network-level response cache. It intercepts GET
// requests, stores whole 200 responses keyed by URL and answers Range
// requests by slicing the stored body.
//
// Misses are streamed to the caller as they arrive. The body is copied on
// the way through and written to the store only once the caller has read
// it to a clean EOF.
//
// The cache writes to the same persistent partition as the audio cache
// engine (store.Name), so either layer can warm the other. Both only ever
// store whole responses.
package httpcache

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/music-cache/pkg/rangeutil"
	"github.com/Sternrassler/music-cache/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musiccache_httpcache_requests_total",
		Help: "Requests seen by the HTTP cache by result (hit, miss, bypass)",
	}, []string{"result"})

	rangeResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musiccache_httpcache_range_responses_total",
		Help: "Responses synthesized from stored bodies for Range requests by status",
	}, []string{"status"})

	storesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musiccache_httpcache_stores_total",
		Help: "Streamed misses by outcome (stored, failed, too_large, incomplete)",
	}, []string{"result"})
)

const (
	// DefaultMaxEntrySize bounds the copy kept of a streamed response.
	DefaultMaxEntrySize = 64 << 20

	// storeTimeout bounds the write after the caller has finished reading.
	storeTimeout = 30 * time.Second

	skipTooLarge   = "too_large"
	skipIncomplete = "incomplete"
)

// Option customises a Transport.
type Option func(*Transport)

// WithMaxEntrySize caps the size of responses the transport stores. Larger
// responses are streamed through uncached.
func WithMaxEntrySize(n int64) Option {
	return func(t *Transport) { t.maxEntrySize = n }
}

// Transport is an http.RoundTripper backed by a store partition.
type Transport struct {
	base    http.RoundTripper
	storage store.Storage
	name    string
	logger  zerolog.Logger

	maxEntrySize int64
}

// NewTransport creates a transport over storage. A nil base uses
// http.DefaultTransport.
func NewTransport(storage store.Storage, base http.RoundTripper, logger zerolog.Logger, opts ...Option) *Transport {
	if storage == nil {
		panic("storage cannot be nil")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{
		base:         base,
		storage:      storage,
		name:         store.Name,
		logger:       logger.With().Str("component", "http-cache").Logger(),
		maxEntrySize: DefaultMaxEntrySize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		requestsTotal.WithLabelValues("bypass").Inc()
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	key := req.URL.String()

	c := t.open(ctx)
	if c != nil {
		entry, err := c.Match(ctx, key)
		switch {
		case err == nil:
			requestsTotal.WithLabelValues("hit").Inc()
			resp := rangeutil.Respond(req, entry.Data, entry.Headers)
			if req.Header.Get("Range") != "" {
				rangeResponsesTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
			}
			t.logger.Debug().
				Str("url", key).
				Int("status", resp.StatusCode).
				Msg("Served from HTTP cache")
			return resp, nil
		case !errors.Is(err, store.ErrCacheMiss):
			t.logger.Warn().Err(err).Str("url", key).Msg("HTTP cache read failed")
		}
	}
	requestsTotal.WithLabelValues("miss").Inc()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// Partial answers to Range requests are passed through and never stored.
	if c == nil || req.Header.Get("Range") != "" || resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	if resp.ContentLength > t.maxEntrySize {
		storesTotal.WithLabelValues(skipTooLarge).Inc()
		return resp, nil
	}

	header := resp.Header.Clone()
	storeCtx := context.WithoutCancel(ctx)
	resp.Body = newStoringBody(resp.Body, t.maxEntrySize, resp.ContentLength, func(data []byte) {
		t.store(storeCtx, c, key, header, data)
	})
	return resp, nil
}

// store writes a completely read response body.
func (t *Transport) store(ctx context.Context, c store.Cache, key string, header http.Header, data []byte) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	entry := &store.Entry{
		URL:        key,
		StatusCode: http.StatusOK,
		Headers:    header,
		Data:       data,
		CachedAt:   time.Now(),
	}
	if err := c.Put(ctx, key, entry); err != nil {
		storesTotal.WithLabelValues("failed").Inc()
		t.logger.Warn().Err(err).Str("url", key).Msg("HTTP cache write failed")
		return
	}
	storesTotal.WithLabelValues("stored").Inc()
	t.logger.Debug().Str("url", key).Int64("bytes", entry.Size()).Msg("Stored response in HTTP cache")
}

// open returns the shared partition, or nil when the store is unavailable.
func (t *Transport) open(ctx context.Context) store.Cache {
	c, err := t.storage.Open(ctx, t.name)
	if err != nil {
		t.logger.Warn().Err(err).Str("store", t.name).Msg("HTTP cache store unavailable")
		return nil
	}
	return c
}
