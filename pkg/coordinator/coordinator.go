package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/music-cache/pkg/audiocache"
	"github.com/Sternrassler/music-cache/pkg/track"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrGistNotFound indicates the configured Gist does not exist or is not
// visible with the given token.
var ErrGistNotFound = errors.New("gist not found")

const (
	// DefaultPollInterval is how often engine stats are sampled.
	DefaultPollInterval = time.Second

	// DefaultMinPreloadDisplay keeps IsPreloading visible at least this
	// long after a preload wave starts.
	DefaultMinPreloadDisplay = 800 * time.Millisecond

	// RemoteWriteTimeout bounds a background remote settings write.
	RemoteWriteTimeout = 30 * time.Second
)

// Engine is the part of the audio cache engine the coordinator drives.
type Engine interface {
	PreloadNext(ctx context.Context, tracks []track.Track, i int) error
	PreloadPrev(ctx context.Context, tracks []track.Track, i int) error
	PreloadBatch(ctx context.Context, tracks []track.Track, start, count int) error
	PreloadUntilFull(ctx context.Context, tracks []track.Track, start int) int
	SetMaxCacheSize(n int)
	Prune(idle time.Duration) int
	Stats() audiocache.Stats
}

// Config wires the coordinator's collaborators. Local and Remote are
// optional.
type Config struct {
	Local             LocalStore
	Remote            RemoteStore
	PollInterval      time.Duration
	MinPreloadDisplay time.Duration
	Logger            *zerolog.Logger
}

// Coordinator debounces preload waves on track changes, samples engine
// stats for display and persists settings locally and remotely.
type Coordinator struct {
	engine Engine
	local  LocalStore
	remote RemoteStore
	logger zerolog.Logger
	now    func() time.Time

	pollInterval time.Duration
	minDisplay   time.Duration

	mu        sync.Mutex
	settings  Settings
	lastIndex int
	lastKey   string
	timer     *time.Timer
	snapshot  audiocache.Stats
	busySince time.Time
	stopClean chan struct{}
	closed    bool

	remoteWriting atomic.Bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a coordinator with default settings and starts stats
// polling. Call Load to pick up persisted settings.
func New(engine Engine, cfg Config) *Coordinator {
	if engine == nil {
		panic("engine cannot be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MinPreloadDisplay <= 0 {
		cfg.MinPreloadDisplay = DefaultMinPreloadDisplay
	}

	logger := log.With().Str("component", "coordinator").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "coordinator").Logger()
	}

	c := &Coordinator{
		engine:       engine,
		local:        cfg.Local,
		remote:       cfg.Remote,
		logger:       logger,
		now:          time.Now,
		pollInterval: cfg.PollInterval,
		minDisplay:   cfg.MinPreloadDisplay,
		settings:     DefaultSettings(),
		lastIndex:    -1,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.poll()
	c.wg.Add(1)
	go c.pollLoop()
	return c
}

// Settings returns the current settings.
func (c *Coordinator) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Stored merges defaults, the local document and the remote document, in
// that order of precedence. It neither applies nor writes anything. A
// failing remote is logged and skipped.
func (c *Coordinator) Stored(ctx context.Context) (Settings, error) {
	var patches []Patch

	if c.local != nil {
		p, err := c.local.Load()
		if err != nil {
			return c.Settings(), err
		}
		patches = append(patches, p)
	}

	if c.remote != nil {
		p, err := c.remote.Load(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Remote settings unavailable, using local settings")
		} else {
			patches = append(patches, p)
		}
	}

	return Merge(DefaultSettings(), patches...), nil
}

// Load applies the Stored settings and writes the merged result back
// locally.
func (c *Coordinator) Load(ctx context.Context) (Settings, error) {
	s, err := c.Stored(ctx)
	if err != nil {
		return s, err
	}
	c.apply(s)

	if c.local != nil {
		if err := c.local.Save(s); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to write merged settings locally")
		}
	}

	c.logger.Info().
		Bool("enabled", s.Enabled).
		Int("max_cache_size", s.MaxCacheSize).
		Bool("auto_cleanup", s.AutoCleanup).
		Msg("Settings loaded")
	return s, nil
}

// Update applies s, saves it locally and starts a remote write unless one
// is already in flight. Only the local write can fail the call.
func (c *Coordinator) Update(ctx context.Context, s Settings) error {
	s = s.normalize()
	c.apply(s)

	if c.local != nil {
		if err := c.local.Save(s); err != nil {
			return err
		}
	}
	c.saveRemote(ctx, s)
	return nil
}

// SetEnabled toggles preloading and persists the change.
func (c *Coordinator) SetEnabled(ctx context.Context, enabled bool) error {
	s := c.Settings()
	s.Enabled = enabled
	return c.Update(ctx, s)
}

// saveRemote writes s to the remote store in the background. Writes are
// dropped while a previous one is still running.
func (c *Coordinator) saveRemote(ctx context.Context, s Settings) {
	if c.remote == nil {
		return
	}
	if !c.remoteWriting.CompareAndSwap(false, true) {
		c.logger.Debug().Msg("Remote settings write in flight, skipping")
		return
	}
	if !c.track() {
		c.remoteWriting.Store(false)
		return
	}

	go func() {
		defer c.wg.Done()
		defer c.remoteWriting.Store(false)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RemoteWriteTimeout)
		defer cancel()
		if err := c.remote.Save(ctx, s); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to save remote settings")
			return
		}
		c.logger.Debug().Msg("Remote settings saved")
	}()
}

// apply pushes s into the engine and restarts auto cleanup.
func (c *Coordinator) apply(s Settings) {
	c.mu.Lock()
	prev := c.settings
	c.settings = s
	if !s.Enabled && c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	restart := prev.AutoCleanup != s.AutoCleanup ||
		prev.CleanupInterval != s.CleanupInterval ||
		(s.AutoCleanup && c.stopClean == nil)
	c.mu.Unlock()

	if prev.MaxCacheSize != s.MaxCacheSize || c.engine.Stats().MaxCacheSize != s.MaxCacheSize {
		c.engine.SetMaxCacheSize(s.MaxCacheSize)
	}
	if restart {
		c.restartCleanup(s)
	}
}

// SmartPreload is called on every track change. Calls for the index that
// was just handled are ignored; otherwise a wave is scheduled after the
// settle delay, replacing any wave that has not started yet.
func (c *Coordinator) SmartPreload(tracks []track.Track, i int) {
	n := len(tracks)
	if n == 0 || i < 0 || i >= n {
		return
	}
	key := tracks[i].Key()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.settings.Enabled {
		return
	}
	if i == c.lastIndex && key == c.lastKey {
		return
	}
	c.lastIndex, c.lastKey = i, key

	if c.timer != nil {
		c.timer.Stop()
	}
	list := append([]track.Track(nil), tracks...)
	c.timer = time.AfterFunc(c.settings.PreloadDelay, func() {
		if !c.track() {
			return
		}
		defer c.wg.Done()
		c.wave(list, i)
	})
}

// wave preloads both neighbours of i concurrently, then fills the cache
// when room remains.
func (c *Coordinator) wave(tracks []track.Track, i int) {
	c.logger.Debug().Int("index", i).Int("tracks", len(tracks)).Msg("Preload wave started")
	c.markBusy()

	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.engine.PreloadNext(ctx, tracks, i) })
	g.Go(func() error { return c.engine.PreloadPrev(ctx, tracks, i) })
	if err := g.Wait(); err != nil {
		c.logger.Debug().Err(err).Int("index", i).Msg("Preload wave interrupted")
		return
	}

	if !c.engine.Stats().HasRoom() {
		return
	}
	n := c.engine.PreloadUntilFull(c.ctx, tracks, i)
	c.logger.Debug().Int("index", i).Int("scheduled", n).Msg("Preload wave filled cache")
}

// PreloadAhead preloads the configured number of tracks after i and waits
// for them.
func (c *Coordinator) PreloadAhead(ctx context.Context, tracks []track.Track, i int) error {
	s := c.Settings()
	if !s.Enabled || s.PreloadCount == 0 || len(tracks) < 2 {
		return nil
	}
	c.markBusy()
	return c.engine.PreloadBatch(ctx, tracks, track.Next(i, len(tracks)), s.PreloadCount)
}

// Snapshot returns the most recently sampled engine stats. IsPreloading
// stays true for at least the minimum display time after work started so
// short waves do not flicker.
func (c *Coordinator) Snapshot() audiocache.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snapshot
	if !s.IsPreloading && !c.busySince.IsZero() && c.now().Sub(c.busySince) < c.minDisplay {
		s.IsPreloading = true
	}
	return s
}

func (c *Coordinator) markBusy() {
	c.mu.Lock()
	c.busySince = c.now()
	c.mu.Unlock()
}

func (c *Coordinator) poll() {
	stats := c.engine.Stats()
	c.mu.Lock()
	if stats.IsPreloading && !c.snapshot.IsPreloading {
		c.busySince = c.now()
	}
	c.snapshot = stats
	c.mu.Unlock()
}

func (c *Coordinator) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.poll()
		}
	}
}

func (c *Coordinator) restartCleanup(s Settings) {
	c.mu.Lock()
	if c.stopClean != nil {
		close(c.stopClean)
		c.stopClean = nil
	}
	if !s.AutoCleanup || c.closed {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stopClean = stop
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(s.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if n := c.engine.Prune(s.CleanupInterval); n > 0 {
					c.logger.Debug().Int("removed", n).Msg("Auto cleanup pruned idle entries")
				}
			}
		}
	}()
}

// track registers a background task. It reports false once closed.
func (c *Coordinator) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// Close stops pending waves, polling and cleanup and waits for background
// work to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopClean != nil {
		close(c.stopClean)
		c.stopClean = nil
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
