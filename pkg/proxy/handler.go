package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Sternrassler/music-cache/pkg/store"
	"github.com/Sternrassler/music-cache/pkg/upstream"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musiccache_proxy_requests_total",
		Help: "Proxy requests by endpoint and response status",
	}, []string{"endpoint", "status"})

	proxyBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musiccache_proxy_bytes_total",
		Help: "Bytes streamed to clients by endpoint",
	}, []string{"endpoint"})
)

// AdminPasswordHeader carries the admin password on admin endpoints.
const AdminPasswordHeader = "X-Admin-Password"

// passthroughHeaders are copied from upstream responses to the client.
var passthroughHeaders = []string{
	"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges",
	"Etag", "Last-Modified", "Cache-Control",
}

// Config holds the handler dependencies. Bucket and Storage are optional;
// their endpoints answer 503 without them.
type Config struct {
	Upstream      *upstream.Client
	Bucket        *minio.Client
	BucketName    string
	Storage       store.Storage
	AdminPassword string
	Logger        *zerolog.Logger
}

// Handler serves the proxy endpoints.
type Handler struct {
	upstream      *upstream.Client
	bucket        *minio.Client
	bucketName    string
	storage       store.Storage
	adminPassword string
	logger        zerolog.Logger
}

// NewHandler creates a handler. A nil Upstream uses upstream defaults.
func NewHandler(cfg Config) *Handler {
	if cfg.Upstream == nil {
		cfg.Upstream = upstream.New(upstream.DefaultConfig())
	}
	logger := log.With().Str("component", "proxy").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "proxy").Logger()
	}
	return &Handler{
		upstream:      cfg.Upstream,
		bucket:        cfg.Bucket,
		bucketName:    cfg.BucketName,
		storage:       cfg.Storage,
		adminPassword: cfg.AdminPassword,
		logger:        logger,
	}
}

// Register adds the proxy routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/audio", h.Audio)
	mux.HandleFunc("GET /api/r2", h.Bucket)
	mux.HandleFunc("DELETE /api/cache", h.ClearCache)
	mux.HandleFunc("OPTIONS /api/", h.preflight)
}

// Audio streams the upstream file named by the url query parameter.
func (h *Handler) Audio(w http.ResponseWriter, r *http.Request) {
	const endpoint = "audio"
	setCORS(w)

	raw := r.URL.Query().Get("url")
	if raw == "" {
		h.fail(w, endpoint, http.StatusBadRequest, "missing url parameter")
		return
	}
	target, err := upstream.ParseTarget(raw)
	if err != nil {
		h.fail(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.upstream.Fetch(r.Context(), target, r.Header)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, upstream.ErrContextCancelled) {
			h.logger.Debug().Str("url", raw).Msg("Client went away before upstream answered")
			return
		}
		h.logger.Warn().Err(err).Str("url", raw).Msg("Upstream fetch failed")
		h.fail(w, endpoint, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	for _, k := range passthroughHeaders {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	if resp.StatusCode == http.StatusPartialContent || w.Header().Get("Accept-Ranges") == "" {
		w.Header().Set("Accept-Ranges", "bytes")
	}

	h.stream(w, r, endpoint, resp.StatusCode, resp.Body)
}

// ClearCache purges the audio partitions of the persistent store. The
// request must carry the admin password.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	const endpoint = "cache"

	if !h.authorized(r) {
		h.fail(w, endpoint, http.StatusUnauthorized, "invalid admin password")
		return
	}
	if h.storage == nil {
		h.fail(w, endpoint, http.StatusServiceUnavailable, "persistent store not configured")
		return
	}

	removed, err := store.PurgeAudio(r.Context(), h.storage)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to purge persistent store")
		h.fail(w, endpoint, http.StatusInternalServerError, "purge failed")
		return
	}

	h.logger.Info().Int("partitions", removed).Msg("Persistent audio store purged")
	proxyRequestsTotal.WithLabelValues(endpoint, "200").Inc()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.adminPassword == "" {
		return false
	}
	got := r.Header.Get(AdminPasswordHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.adminPassword)) == 1
}

func (h *Handler) preflight(w http.ResponseWriter, _ *http.Request) {
	setCORS(w)
	w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Range, "+AdminPasswordHeader)
	w.WriteHeader(http.StatusNoContent)
}

// stream writes status and copies body to the client.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, endpoint string, status int, body io.Reader) {
	w.WriteHeader(status)
	proxyRequestsTotal.WithLabelValues(endpoint, statusLabel(status)).Inc()
	if r.Method == http.MethodHead {
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	n, err := io.Copy(flushWriter{w: w, rc: rc}, body)
	proxyBytesTotal.WithLabelValues(endpoint).Add(float64(n))
	if err != nil {
		// Usually the player seeking away and dropping the connection.
		h.logger.Debug().Err(err).Int64("bytes", n).Str("endpoint", endpoint).Msg("Stream interrupted")
	}
}

// flushWriter pushes every chunk to the client as soon as it is written.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

func (h *Handler) fail(w http.ResponseWriter, endpoint string, status int, msg string) {
	proxyRequestsTotal.WithLabelValues(endpoint, statusLabel(status)).Inc()
	writeJSON(w, status, map[string]string{"error": msg})
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, Content-Length")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusLabel(code int) string {
	return strconv.Itoa(code)
}
