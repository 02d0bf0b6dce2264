package audiocache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/music-cache/pkg/store"
	"github.com/Sternrassler/music-cache/pkg/track"
)

// FetchURL returns the absolute URL the engine fetches for t. It is also the
// key of t in the persistent store.
func (e *Engine) FetchURL(t track.Track) (string, error) {
	resolved := e.resolver.Resolve(t, e.cfg.Settings)
	if resolved == "" {
		return "", ErrInvalidTrack
	}

	u, err := url.Parse(resolved)
	if err != nil {
		return "", fmt.Errorf("parse fetch url: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if e.baseURL == nil {
		return "", fmt.Errorf("%w: %s", ErrRelativeURL, resolved)
	}
	return e.baseURL.ResolveReference(u).String(), nil
}

// persistent opens the shared partition lazily. It returns nil when no
// storage is configured or it cannot be opened; callers then behave as if
// the store were empty.
func (e *Engine) persistent(ctx context.Context) store.Cache {
	if e.storage == nil {
		return nil
	}

	e.storeMu.Lock()
	defer e.storeMu.Unlock()
	if e.storeCache != nil {
		return e.storeCache
	}

	c, err := e.storage.Open(ctx, e.cfg.StoreName)
	if err != nil {
		e.logger.Warn().Err(err).Str("store", e.cfg.StoreName).Msg("Persistent store unavailable")
		return nil
	}
	e.storeCache = c
	return c
}

// InStore reports whether the persistent store holds t. Store failures read
// as absent.
func (e *Engine) InStore(ctx context.Context, t track.Track) bool {
	c := e.persistent(ctx)
	if c == nil {
		return false
	}
	fetchURL, err := e.FetchURL(t)
	if err != nil {
		return false
	}
	ok, err := c.Has(ctx, fetchURL)
	if err != nil {
		e.logger.Warn().Err(err).Str("url", fetchURL).Msg("Persistent store lookup failed")
		return false
	}
	return ok
}

// load runs the fetch-and-cache sequence for t once per key and generation
// at a time.
func (e *Engine) load(ctx context.Context, t track.Track) (*Handle, error) {
	key := t.Key()
	gen := e.currentGeneration()
	v, err, _ := e.group.Do(strconv.FormatUint(gen, 10)+"|"+key, func() (interface{}, error) {
		if h := e.lookup(key); h != nil {
			return h, nil
		}

		fetchURL, err := e.FetchURL(t)
		if err != nil {
			return nil, err
		}

		entry, err := e.fetchEntry(ctx, fetchURL, gen)
		if err != nil {
			return nil, err
		}
		return e.insert(t, fetchURL, entry.Data, entry.ContentType(), gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// lookup returns the in-memory handle for key, refreshing recency, without
// counting a hit or miss.
func (e *Engine) lookup(key string) *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[key]
	if !ok {
		return nil
	}
	en.lastUsed = e.now()
	return en.handle
}

// fetchEntry returns a whole response for fetchURL, preferring the
// persistent store and falling back to the network. Network results are
// mirrored into the store in the background unless the cache is cleared
// first.
func (e *Engine) fetchEntry(ctx context.Context, fetchURL string, gen uint64) (*store.Entry, error) {
	c := e.persistent(ctx)
	if c != nil {
		entry, err := c.Match(ctx, fetchURL)
		switch {
		case err == nil:
			e.logger.Debug().Str("url", fetchURL).Msg("Reusing persisted response")
			return entry, nil
		case !errors.Is(err, store.ErrCacheMiss):
			e.logger.Warn().Err(err).Str("url", fetchURL).Msg("Persistent store read failed")
		}
	}

	entry, err := e.fetchNetwork(ctx, fetchURL)
	if err != nil {
		return nil, err
	}

	if c != nil {
		e.spawn(func(ctx context.Context) {
			e.mirror(ctx, c, fetchURL, entry, gen)
		})
	}
	return entry, nil
}

// mirror writes entry to the persistent store if no ClearCache ran since
// the load started.
func (e *Engine) mirror(ctx context.Context, c store.Cache, fetchURL string, entry *store.Entry, gen uint64) {
	e.mirrorMu.RLock()
	defer e.mirrorMu.RUnlock()

	if e.currentGeneration() != gen {
		e.logger.Debug().Str("url", fetchURL).Msg("Skipping mirror after cache clear")
		return
	}
	if err := c.Put(ctx, fetchURL, entry); err != nil {
		mirrorFailures.Inc()
		e.logger.Warn().Err(err).Str("url", fetchURL).Msg("Failed to mirror response into persistent store")
	}
}

// fetchNetwork downloads the complete resource. It never sends Range.
func (e *Engine) fetchNetwork(ctx context.Context, fetchURL string) (*store.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		fetchDuration.Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: fetchURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &FetchError{URL: fetchURL, StatusCode: resp.StatusCode}
	}

	entry, err := store.ResponseToEntry(fetchURL, resp)
	if err != nil {
		return nil, &FetchError{URL: fetchURL, StatusCode: resp.StatusCode, Err: err}
	}
	return entry, nil
}

// rehydrate moves a persisted response for t into memory.
func (e *Engine) rehydrate(ctx context.Context, t track.Track) (*Handle, error) {
	gen := e.currentGeneration()
	c := e.persistent(ctx)
	if c == nil {
		rehydrations.WithLabelValues("miss").Inc()
		return nil, ErrNotCached
	}

	fetchURL, err := e.FetchURL(t)
	if err != nil {
		return nil, err
	}

	entry, err := c.Match(ctx, fetchURL)
	if errors.Is(err, store.ErrCacheMiss) {
		rehydrations.WithLabelValues("miss").Inc()
		return nil, ErrNotCached
	}
	if err != nil {
		rehydrations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read persistent store: %w", err)
	}

	h, err := e.insert(t, fetchURL, entry.Data, entry.ContentType(), gen)
	if err != nil {
		return nil, err
	}
	rehydrations.WithLabelValues("hit").Inc()
	return h, nil
}

// PreloadBatch preloads count cyclic successors starting at start (inclusive)
// at normal priority and waits for all of them. Cached tracks are skipped.
func (e *Engine) PreloadBatch(ctx context.Context, tracks []track.Track, start, count int) error {
	n := len(tracks)
	if n == 0 || count <= 0 {
		return nil
	}
	if count > n {
		count = n
	}

	var waits []<-chan struct{}
	for k := 0; k < count; k++ {
		t := tracks[mod(start+k, n)]
		if e.Contains(t) {
			continue
		}
		if _, done := e.schedule(t, PriorityNormal); done != nil {
			waits = append(waits, done)
		}
	}
	return waitAll(ctx, waits)
}

// PreloadUntilFull walks forward cyclically from start and schedules tracks
// until the cache would be full. Tracks already in the persistent store are
// rehydrated in the background; the rest are queued at normal priority.
// The walk stops after 2*len(tracks) steps or after a full pass that
// scheduled nothing. It returns the number of tracks scheduled.
func (e *Engine) PreloadUntilFull(ctx context.Context, tracks []track.Track, start int) int {
	n := len(tracks)
	if n == 0 {
		return 0
	}

	scheduled := make(map[string]bool)
	addedInPass := 0
	for attempt := 0; attempt < 2*n; attempt++ {
		if attempt > 0 && attempt%n == 0 {
			if addedInPass == 0 {
				break
			}
			addedInPass = 0
		}

		if e.occupancy(scheduled) >= e.Stats().MaxCacheSize {
			break
		}

		t := tracks[mod(start+attempt, n)]
		key := t.Key()
		if !t.Valid() || scheduled[key] || e.Contains(t) {
			continue
		}

		if e.InStore(ctx, t) {
			e.spawn(func(ctx context.Context) {
				if _, err := e.rehydrate(ctx, t); err != nil {
					e.logger.Warn().Err(err).Str("track", key).Msg("Background rehydrate failed")
				}
			})
		} else {
			e.schedule(t, PriorityNormal)
		}
		scheduled[key] = true
		addedInPass++
	}

	e.logger.Debug().
		Int("start", start).
		Int("scheduled", len(scheduled)).
		Msg("Filled cache towards capacity")
	return len(scheduled)
}

// occupancy counts cached entries plus scheduled keys that have not landed
// in memory yet.
func (e *Engine) occupancy(scheduled map[string]bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.entries)
	for key := range scheduled {
		if _, ok := e.entries[key]; !ok {
			n++
		}
	}
	return n
}

func waitAll(ctx context.Context, waits []<-chan struct{}) error {
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}
