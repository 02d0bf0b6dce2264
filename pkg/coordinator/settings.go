package coordinator

import (
	"time"

	"github.com/Sternrassler/music-cache/pkg/audiocache"
)

// Defaults for Settings.
const (
	DefaultPreloadCount    = 3
	DefaultPreloadDelay    = time.Second
	DefaultCleanupInterval = 5 * time.Minute
)

// Settings is the persisted configuration surface of the cache. It is not
// part of the engine's own state.
type Settings struct {
	Enabled         bool          `json:"enabled" env:"ENABLED" envDefault:"true"`
	MaxCacheSize    int           `json:"maxCacheSize" env:"MAX_CACHE_SIZE" envDefault:"50"`
	PreloadCount    int           `json:"preloadCount" env:"PRELOAD_COUNT" envDefault:"3"`
	PreloadDelay    time.Duration `json:"preloadDelay" env:"PRELOAD_DELAY" envDefault:"1s"`
	AutoCleanup     bool          `json:"autoCleanup" env:"AUTO_CLEANUP" envDefault:"false"`
	CleanupInterval time.Duration `json:"cleanupInterval" env:"CLEANUP_INTERVAL" envDefault:"5m"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings {
	return Settings{
		Enabled:         true,
		MaxCacheSize:    audiocache.DefaultMaxCacheSize,
		PreloadCount:    DefaultPreloadCount,
		PreloadDelay:    DefaultPreloadDelay,
		AutoCleanup:     false,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// normalize clamps values into their valid ranges.
func (s Settings) normalize() Settings {
	if s.MaxCacheSize < 1 {
		s.MaxCacheSize = 1
	}
	if s.PreloadCount < 0 {
		s.PreloadCount = 0
	}
	if s.PreloadDelay < 0 {
		s.PreloadDelay = 0
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = DefaultCleanupInterval
	}
	return s
}

// Patch is the stored form of Settings. Absent fields leave the value they
// are applied to unchanged, so an older document never clobbers fields it
// does not know about. Durations are milliseconds.
type Patch struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	MaxCacheSize    *int   `json:"maxCacheSize,omitempty"`
	PreloadCount    *int   `json:"preloadCount,omitempty"`
	PreloadDelay    *int64 `json:"preloadDelay,omitempty"`
	AutoCleanup     *bool  `json:"autoCleanup,omitempty"`
	CleanupInterval *int64 `json:"cleanupInterval,omitempty"`
}

// PatchFrom returns a patch that sets every field of s.
func PatchFrom(s Settings) Patch {
	delay := s.PreloadDelay.Milliseconds()
	interval := s.CleanupInterval.Milliseconds()
	return Patch{
		Enabled:         &s.Enabled,
		MaxCacheSize:    &s.MaxCacheSize,
		PreloadCount:    &s.PreloadCount,
		PreloadDelay:    &delay,
		AutoCleanup:     &s.AutoCleanup,
		CleanupInterval: &interval,
	}
}

// Apply overlays the fields present in p onto s.
func (p Patch) Apply(s Settings) Settings {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.MaxCacheSize != nil {
		s.MaxCacheSize = *p.MaxCacheSize
	}
	if p.PreloadCount != nil {
		s.PreloadCount = *p.PreloadCount
	}
	if p.PreloadDelay != nil {
		s.PreloadDelay = time.Duration(*p.PreloadDelay) * time.Millisecond
	}
	if p.AutoCleanup != nil {
		s.AutoCleanup = *p.AutoCleanup
	}
	if p.CleanupInterval != nil {
		s.CleanupInterval = time.Duration(*p.CleanupInterval) * time.Millisecond
	}
	return s
}

// Merge layers patches over base in order; later patches win.
func Merge(base Settings, patches ...Patch) Settings {
	for _, p := range patches {
		base = p.Apply(base)
	}
	return base.normalize()
}
