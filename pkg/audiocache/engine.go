package audiocache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/music-cache/pkg/resolver"
	"github.com/Sternrassler/music-cache/pkg/store"
	"github.com/Sternrassler/music-cache/pkg/track"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxCacheSize is the default number of in-memory entries.
	DefaultMaxCacheSize = 50

	// DefaultFetchTimeout bounds whole-resource fetches.
	DefaultFetchTimeout = 20 * time.Second
)

// Config holds the engine configuration.
type Config struct {
	// MaxCacheSize bounds the number of in-memory entries (clamped to >= 1).
	MaxCacheSize int

	// FetchTimeout aborts a whole-resource fetch.
	FetchTimeout time.Duration

	// BaseURL resolves relative fetch URLs such as "/api/audio?url=...".
	BaseURL string

	// StoreName is the persistent partition to use (default store.Name).
	StoreName string

	// Settings are the resolver's local loading preferences.
	Settings resolver.Settings
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxCacheSize: DefaultMaxCacheSize,
		FetchTimeout: DefaultFetchTimeout,
		StoreName:    store.Name,
		Settings:     resolver.Settings{LoadMethod: resolver.LoadAuto},
	}
}

// Option customises an Engine.
type Option func(*Engine)

// WithHTTPClient sets the client used for network fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithStorage sets the persistent byte store. Without one the engine
// neither mirrors nor rehydrates.
func WithStorage(s store.Storage) Option {
	return func(e *Engine) { e.storage = s }
}

// WithResolver sets the URL resolver.
func WithResolver(r *resolver.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithObjectURLs sets the object URL registry.
func WithObjectURLs(u ObjectURLs) Option {
	return func(e *Engine) { e.urls = u }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now, mainly for recency tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Stats is a read-only snapshot of the engine.
type Stats struct {
	CacheSize          int  `json:"cacheSize"`
	MaxCacheSize       int  `json:"maxCacheSize"`
	PreloadQueueLength int  `json:"preloadQueueLength"`
	IsPreloading       bool `json:"isPreloading"`

	// PreloadCount is the number of queue entries that ended up cached.
	PreloadCount int `json:"preloadCount"`
}

// HasRoom reports whether another entry fits without eviction.
func (s Stats) HasRoom() bool {
	return s.CacheSize < s.MaxCacheSize
}

type entry struct {
	handle    *Handle
	objectURL string
	sourceURL string
	lastUsed  time.Time
	seq       uint64
}

// Engine is the audio cache and preload engine. It is safe for concurrent
// use. Create it with New and release it with Dispose.
type Engine struct {
	cfg        Config
	httpClient *http.Client
	storage    store.Storage
	resolver   *resolver.Resolver
	urls       ObjectURLs
	logger     zerolog.Logger
	now        func() time.Time
	baseURL    *url.URL

	mu           sync.Mutex
	entries      map[string]*entry
	queue        []*queued
	pending      map[string]*queued
	maxSize      int
	isPreloading bool
	preloadCount int
	seq          uint64
	disposed     bool

	// generation changes on every ClearCache. Loads started under an older
	// generation neither insert nor mirror.
	generation uint64

	// mirrorMu orders store mirroring against the purge of ClearCache.
	mirrorMu sync.RWMutex

	storeMu    sync.Mutex
	storeCache store.Cache

	group  singleflight.Group
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.MaxCacheSize < 1 {
		cfg.MaxCacheSize = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.StoreName == "" {
		cfg.StoreName = store.Name
	}

	e := &Engine{
		cfg:        cfg,
		httpClient: &http.Client{},
		urls:       NewBlobRegistry(),
		logger:     log.With().Str("component", "audio-cache").Logger(),
		now:        time.Now,
		entries:    make(map[string]*entry),
		pending:    make(map[string]*queued),
		maxSize:    cfg.MaxCacheSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = resolver.New(resolver.Options{Origin: cfg.BaseURL})
	}

	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
		}
		e.baseURL = u
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Preload returns the live handle when t is cached. Otherwise it queues t at
// priority p, starts the drain loop if it is not running and returns nil.
func (e *Engine) Preload(t track.Track, p Priority) *Handle {
	h, _ := e.schedule(t, p)
	return h
}

// schedule is Preload that also returns the completion channel of the
// queued entry (nil on a hit or when nothing was queued).
func (e *Engine) schedule(t track.Track, p Priority) (*Handle, <-chan struct{}) {
	if !t.Valid() {
		return nil, nil
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil, nil
	}
	if en, ok := e.entries[t.Key()]; ok {
		en.lastUsed = e.now()
		e.mu.Unlock()
		memoryHits.Inc()
		return en.handle, nil
	}

	q := e.enqueueLocked(t, p)
	start := !e.isPreloading
	if start {
		e.isPreloading = true
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if start {
		go e.drain()
	}
	return nil, q.done
}

// drain loads queued entries one at a time until the queue is empty or the
// cache has no room for anything left.
func (e *Engine) drain() {
	defer e.wg.Done()

	e.logger.Debug().Msg("Preload loop started")
	for {
		e.mu.Lock()
		q := e.nextLocked()
		if q == nil {
			e.isPreloading = false
			e.mu.Unlock()
			e.logger.Debug().Msg("Preload loop finished")
			return
		}
		e.mu.Unlock()

		_, err := e.load(e.ctx, q.track)
		switch {
		case errors.Is(err, ErrCleared):
			preloads.WithLabelValues("dropped").Inc()
			e.logger.Debug().Str("track", q.track.Key()).Msg("Preload discarded by cache clear")
		case err != nil:
			preloads.WithLabelValues("failed").Inc()
			e.logger.Warn().Err(err).
				Str("track", q.track.Key()).
				Str("priority", q.priority.String()).
				Msg("Preload failed")
		default:
			preloads.WithLabelValues("cached").Inc()
			e.mu.Lock()
			e.preloadCount++
			e.mu.Unlock()
		}
		close(q.done)
	}
}

// GetCached returns the in-memory handle for t, refreshing its recency. It
// never consults the persistent store.
func (e *Engine) GetCached(t track.Track) *Handle {
	e.mu.Lock()
	en, ok := e.entries[t.Key()]
	if ok {
		en.lastUsed = e.now()
	}
	e.mu.Unlock()

	if !ok {
		memoryMisses.Inc()
		return nil
	}
	memoryHits.Inc()
	return en.handle
}

// GetCachedAsync returns the in-memory handle for t or rehydrates it from the
// persistent store. It returns ErrNotCached when neither holds the track.
func (e *Engine) GetCachedAsync(ctx context.Context, t track.Track) (*Handle, error) {
	if !t.Valid() {
		return nil, ErrInvalidTrack
	}
	if h := e.GetCached(t); h != nil {
		return h, nil
	}
	return e.rehydrate(ctx, t)
}

// Cache loads t right away, bypassing the queue, and returns its handle.
// Unlike Preload it reports failures.
func (e *Engine) Cache(ctx context.Context, t track.Track) (*Handle, error) {
	if !t.Valid() {
		return nil, ErrInvalidTrack
	}
	return e.load(ctx, t)
}

// PreloadNext preloads the cyclic successor of index i at high priority and
// waits for it. It is a no-op for lists with fewer than two tracks.
func (e *Engine) PreloadNext(ctx context.Context, tracks []track.Track, i int) error {
	if len(tracks) < 2 {
		return nil
	}
	return e.preloadAndWait(ctx, tracks[track.Next(i, len(tracks))], PriorityHigh)
}

// PreloadPrev preloads the cyclic predecessor of index i at high priority
// and waits for it. It is a no-op for lists with fewer than two tracks.
func (e *Engine) PreloadPrev(ctx context.Context, tracks []track.Track, i int) error {
	if len(tracks) < 2 {
		return nil
	}
	return e.preloadAndWait(ctx, tracks[track.Prev(i, len(tracks))], PriorityHigh)
}

func (e *Engine) preloadAndWait(ctx context.Context, t track.Track, p Priority) error {
	_, done := e.schedule(t, p)
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Contains reports whether t is in memory without touching its recency.
func (e *Engine) Contains(t track.Track) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[t.Key()]
	return ok
}

// SetMaxCacheSize changes the capacity, clamped to at least 1, and evicts
// least recently used entries when the cache is now over capacity.
func (e *Engine) SetMaxCacheSize(n int) {
	if n < 1 {
		n = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxSize = n
	if over := len(e.entries) - n; over > 0 {
		e.evictLocked(over, "resize")
	}
	e.logger.Info().Int("max_cache_size", n).Int("cache_size", len(e.entries)).Msg("Cache size changed")
}

// Stats returns a snapshot of the engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		CacheSize:          len(e.entries),
		MaxCacheSize:       e.maxSize,
		PreloadQueueLength: len(e.queue),
		IsPreloading:       e.isPreloading,
		PreloadCount:       e.preloadCount,
	}
}

// Prune evicts entries that have not been used for longer than idle and
// returns how many were removed.
func (e *Engine) Prune(idle time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-idle)
	removed := 0
	for key, en := range e.entries {
		if en.lastUsed.Before(cutoff) {
			delete(e.entries, key)
			e.releaseLocked(en)
			evictions.WithLabelValues("idle").Inc()
			removed++
		}
	}
	if removed > 0 {
		e.logger.Debug().Int("removed", removed).Dur("idle", idle).Msg("Pruned idle entries")
	}
	return removed
}

// ClearCache releases every entry, empties the queue and purges the audio
// partitions of the persistent store in the background. Loads already in
// flight finish with ErrCleared and leave nothing behind.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	e.generation++
	n := len(e.entries)
	for key, en := range e.entries {
		delete(e.entries, key)
		e.releaseLocked(en)
		evictions.WithLabelValues("clear").Inc()
	}
	e.clearQueueLocked()
	e.mu.Unlock()

	e.storeMu.Lock()
	e.storeCache = nil
	e.storeMu.Unlock()

	e.logger.Info().Int("released", n).Msg("Cache cleared")

	if e.storage == nil {
		return
	}
	e.spawn(func(ctx context.Context) {
		e.mirrorMu.Lock()
		defer e.mirrorMu.Unlock()
		removed, err := store.PurgeAudio(ctx, e.storage)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to purge persistent audio store")
			return
		}
		e.logger.Debug().Int("partitions", removed).Msg("Purged persistent audio store")
	})
}

// Wait blocks until background work (drain loop, store mirroring,
// rehydration, purges) has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Dispose releases every entry, aborts in-flight fetches and waits for
// background work. The engine is unusable afterwards.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	for key, en := range e.entries {
		delete(e.entries, key)
		e.releaseLocked(en)
	}
	e.clearQueueLocked()
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Debug().Msg("Audio cache disposed")
}

// spawn runs fn in a tracked goroutine bound to the engine lifetime. It
// reports false once the engine is disposed.
func (e *Engine) spawn(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

// currentGeneration returns the generation new loads run under.
func (e *Engine) currentGeneration() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// insert adds a handle for t built from data, evicting first when the cache
// is full. An existing entry wins and is returned instead. Data loaded
// before the last ClearCache (gen is stale) is rejected with ErrCleared.
func (e *Engine) insert(t track.Track, sourceURL string, data []byte, contentType string, gen uint64) (*Handle, error) {
	key := t.Key()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed {
		return nil, ErrDisposed
	}
	if e.generation != gen {
		return nil, ErrCleared
	}
	if en, ok := e.entries[key]; ok {
		en.lastUsed = e.now()
		return en.handle, nil
	}

	if over := len(e.entries) + 1 - e.maxSize; over > 0 {
		e.evictLocked(over, "lru")
	}

	objectURL := e.urls.Create(data, contentType)
	h := newHandle(e.urls, objectURL, sourceURL, contentType, int64(len(data)))
	e.seq++
	e.entries[key] = &entry{
		handle:    h,
		objectURL: objectURL,
		sourceURL: sourceURL,
		lastUsed:  e.now(),
		seq:       e.seq,
	}

	e.logger.Debug().
		Str("track", key).
		Int64("bytes", int64(len(data))).
		Int("cache_size", len(e.entries)).
		Msg("Cached audio")
	return h, nil
}

// evictLocked removes the n least recently used entries. Ties on lastUsed
// fall back to insertion order.
func (e *Engine) evictLocked(n int, reason string) {
	if n <= 0 {
		return
	}

	type candidate struct {
		key string
		en  *entry
	}
	all := make([]candidate, 0, len(e.entries))
	for k, en := range e.entries {
		all = append(all, candidate{k, en})
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].en, all[j].en
		if !a.lastUsed.Equal(b.lastUsed) {
			return a.lastUsed.Before(b.lastUsed)
		}
		return a.seq < b.seq
	})

	if n > len(all) {
		n = len(all)
	}
	for _, c := range all[:n] {
		delete(e.entries, c.key)
		e.releaseLocked(c.en)
		evictions.WithLabelValues(reason).Inc()
		e.logger.Debug().Str("track", c.key).Str("reason", reason).Msg("Evicted audio")
	}
}

// releaseLocked revokes the entry's object URL and unloads its handle. The
// entry must already be removed from the map so it is released only once.
func (e *Engine) releaseLocked(en *entry) {
	e.urls.Revoke(en.objectURL)
	en.handle.release()
}
