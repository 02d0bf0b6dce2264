package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/music-cache/pkg/audiocache"
	"github.com/Sternrassler/music-cache/pkg/track"
	"github.com/rs/zerolog"
)

type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	stats    audiocache.Stats
	pruned   []time.Duration
	maxSizes []int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{stats: audiocache.Stats{MaxCacheSize: 5}}
}

func (f *fakeEngine) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeEngine) PreloadNext(_ context.Context, tracks []track.Track, i int) error {
	f.record(fmt.Sprintf("next:%d", track.Next(i, len(tracks))))
	return nil
}

func (f *fakeEngine) PreloadPrev(_ context.Context, tracks []track.Track, i int) error {
	f.record(fmt.Sprintf("prev:%d", track.Prev(i, len(tracks))))
	return nil
}

func (f *fakeEngine) PreloadBatch(_ context.Context, _ []track.Track, start, count int) error {
	f.record(fmt.Sprintf("batch:%d+%d", start, count))
	return nil
}

func (f *fakeEngine) PreloadUntilFull(_ context.Context, _ []track.Track, start int) int {
	f.record(fmt.Sprintf("fill:%d", start))
	return 1
}

func (f *fakeEngine) SetMaxCacheSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxSizes = append(f.maxSizes, n)
	f.stats.MaxCacheSize = n
}

func (f *fakeEngine) Prune(idle time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, idle)
	return 0
}

func (f *fakeEngine) Stats() audiocache.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeEngine) setStats(s audiocache.Stats) {
	f.mu.Lock()
	f.stats = s
	f.mu.Unlock()
}

func (f *fakeEngine) snapshotCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) count(call string) int {
	n := 0
	for _, c := range f.snapshotCalls() {
		if c == call {
			n++
		}
	}
	return n
}

type memoryLocal struct {
	mu    sync.Mutex
	patch Patch
	saved []Settings
	err   error
}

func (m *memoryLocal) Load() (Patch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patch, m.err
}

func (m *memoryLocal) Save(s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, s)
	return nil
}

type blockingRemote struct {
	mu      sync.Mutex
	patch   Patch
	loadErr error
	saves   int
	gate    chan struct{}
}

func (b *blockingRemote) Load(context.Context) (Patch, error) {
	return b.patch, b.loadErr
}

func (b *blockingRemote) Save(ctx context.Context, _ Settings) error {
	b.mu.Lock()
	b.saves++
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *blockingRemote) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

func makeTracks(n int) []track.Track {
	tracks := make([]track.Track, n)
	for i := range tracks {
		tracks[i] = track.Track{URL: fmt.Sprintf("https://cdn.example.com/%d.mp3", i)}
	}
	return tracks
}

func newTestCoordinator(t *testing.T, engine Engine, cfg Config) *Coordinator {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Logger = &logger
	c := New(engine, cfg)
	t.Cleanup(c.Close)
	return c
}

func fastSettings() Settings {
	s := DefaultSettings()
	s.MaxCacheSize = 5
	s.PreloadDelay = 20 * time.Millisecond
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSmartPreload_DebouncesRapidChanges(t *testing.T) {
	engine := newFakeEngine()
	c := newTestCoordinator(t, engine, Config{})
	if err := c.Update(context.Background(), fastSettings()); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	tracks := makeTracks(6)

	c.SmartPreload(tracks, 1)
	c.SmartPreload(tracks, 2)
	c.SmartPreload(tracks, 3)

	waitFor(t, "fill after wave", func() bool { return engine.count("fill:3") == 1 })

	if engine.count("next:4") != 1 || engine.count("prev:2") != 1 {
		t.Errorf("calls = %v, want neighbours of 3", engine.snapshotCalls())
	}
	for _, stale := range []string{"next:2", "next:3", "fill:1", "fill:2"} {
		if engine.count(stale) != 0 {
			t.Errorf("superseded wave ran: %s in %v", stale, engine.snapshotCalls())
		}
	}
}

func TestSmartPreload_SameIndexGuard(t *testing.T) {
	engine := newFakeEngine()
	c := newTestCoordinator(t, engine, Config{})
	_ = c.Update(context.Background(), fastSettings())
	tracks := makeTracks(4)

	c.SmartPreload(tracks, 2)
	waitFor(t, "first wave", func() bool { return engine.count("fill:2") == 1 })

	c.SmartPreload(tracks, 2)
	time.Sleep(100 * time.Millisecond)
	if got := engine.count("next:3"); got != 1 {
		t.Errorf("next:3 ran %d times, want 1", got)
	}

	// A different playlist at the same index is a new change.
	other := makeTracks(4)
	other[2].URL = "https://cdn.example.com/other.mp3"
	c.SmartPreload(other, 2)
	waitFor(t, "second wave", func() bool { return engine.count("fill:2") == 2 })
}

func TestSmartPreload_SkipsFillWhenFull(t *testing.T) {
	engine := newFakeEngine()
	c := newTestCoordinator(t, engine, Config{})
	_ = c.Update(context.Background(), fastSettings())
	engine.setStats(audiocache.Stats{CacheSize: 5, MaxCacheSize: 5})

	c.SmartPreload(makeTracks(3), 0)
	waitFor(t, "neighbours", func() bool {
		return engine.count("next:1") == 1 && engine.count("prev:2") == 1
	})
	time.Sleep(50 * time.Millisecond)
	if engine.count("fill:0") != 0 {
		t.Errorf("fill ran on a full cache: %v", engine.snapshotCalls())
	}
}

func TestSmartPreload_Disabled(t *testing.T) {
	engine := newFakeEngine()
	c := newTestCoordinator(t, engine, Config{})
	_ = c.Update(context.Background(), fastSettings())
	if err := c.SetEnabled(context.Background(), false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	c.SmartPreload(makeTracks(3), 1)
	c.SmartPreload(nil, 0)
	c.SmartPreload(makeTracks(3), 7)
	time.Sleep(80 * time.Millisecond)

	if calls := engine.snapshotCalls(); len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}
}

func TestPreloadAhead(t *testing.T) {
	engine := newFakeEngine()
	c := newTestCoordinator(t, engine, Config{})
	_ = c.Update(context.Background(), fastSettings())

	if err := c.PreloadAhead(context.Background(), makeTracks(5), 4); err != nil {
		t.Fatalf("PreloadAhead() error = %v", err)
	}
	if engine.count("batch:0+3") != 1 {
		t.Errorf("calls = %v, want batch:0+3", engine.snapshotCalls())
	}
}

func TestLoad_MergePrecedence(t *testing.T) {
	engine := newFakeEngine()
	local := &memoryLocal{patch: Patch{MaxCacheSize: ptr(10), PreloadCount: ptr(5)}}
	remote := &blockingRemote{patch: Patch{MaxCacheSize: ptr(20), AutoCleanup: ptr(true)}}
	c := newTestCoordinator(t, engine, Config{Local: local, Remote: remote})

	s, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if s.MaxCacheSize != 20 {
		t.Errorf("MaxCacheSize = %d, want remote value 20", s.MaxCacheSize)
	}
	if s.PreloadCount != 5 {
		t.Errorf("PreloadCount = %d, want local value 5", s.PreloadCount)
	}
	if !s.Enabled || s.PreloadDelay != DefaultPreloadDelay {
		t.Errorf("defaults lost: %+v", s)
	}
	if !s.AutoCleanup {
		t.Error("AutoCleanup should come from remote")
	}
	if got := engine.Stats().MaxCacheSize; got != 20 {
		t.Errorf("engine MaxCacheSize = %d, want 20", got)
	}
	if c.Settings() != s {
		t.Errorf("Settings() = %+v, want %+v", c.Settings(), s)
	}
	if len(local.saved) != 1 || local.saved[0] != s {
		t.Errorf("merged settings not written back locally: %+v", local.saved)
	}
}

func TestLoad_RemoteFailureFallsBackToLocal(t *testing.T) {
	engine := newFakeEngine()
	local := &memoryLocal{patch: Patch{MaxCacheSize: ptr(8)}}
	remote := &blockingRemote{loadErr: errors.New("offline")}
	c := newTestCoordinator(t, engine, Config{Local: local, Remote: remote})

	s, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.MaxCacheSize != 8 {
		t.Errorf("MaxCacheSize = %d, want 8", s.MaxCacheSize)
	}
}

func TestStored_HasNoSideEffects(t *testing.T) {
	engine := newFakeEngine()
	local := &memoryLocal{patch: Patch{MaxCacheSize: ptr(7)}}
	c := newTestCoordinator(t, engine, Config{Local: local})

	s, err := c.Stored(context.Background())
	if err != nil {
		t.Fatalf("Stored() error = %v", err)
	}
	if s.MaxCacheSize != 7 {
		t.Errorf("MaxCacheSize = %d, want 7", s.MaxCacheSize)
	}
	if len(local.saved) != 0 {
		t.Errorf("Stored() wrote the local document: %+v", local.saved)
	}
	if c.Settings() != DefaultSettings() {
		t.Errorf("Stored() applied settings: %+v", c.Settings())
	}
	if got := engine.Stats().MaxCacheSize; got == 7 {
		t.Error("Stored() resized the engine")
	}
}

func TestLoad_LocalFailure(t *testing.T) {
	local := &memoryLocal{err: errors.New("corrupt")}
	c := newTestCoordinator(t, newFakeEngine(), Config{Local: local})

	if _, err := c.Load(context.Background()); err == nil {
		t.Error("Load() should surface local read errors")
	}
	if c.Settings() != DefaultSettings() {
		t.Error("settings should stay at defaults")
	}
}

func TestUpdate_SuppressesConcurrentRemoteWrites(t *testing.T) {
	remote := &blockingRemote{gate: make(chan struct{})}
	local := &memoryLocal{}
	c := newTestCoordinator(t, newFakeEngine(), Config{Local: local, Remote: remote})
	ctx := context.Background()

	s := fastSettings()
	_ = c.Update(ctx, s)
	waitFor(t, "first remote write", func() bool { return remote.saveCount() == 1 })

	s.PreloadCount = 7
	_ = c.Update(ctx, s)
	s.PreloadCount = 8
	_ = c.Update(ctx, s)

	if got := remote.saveCount(); got != 1 {
		t.Errorf("remote saves = %d while one is in flight, want 1", got)
	}
	if len(local.saved) != 3 {
		t.Errorf("local saves = %d, want 3", len(local.saved))
	}

	close(remote.gate)
	waitFor(t, "write guard released", func() bool { return !c.remoteWriting.Load() })

	_ = c.Update(ctx, s)
	waitFor(t, "second remote write", func() bool { return remote.saveCount() == 2 })
}

func TestUpdate_Normalizes(t *testing.T) {
	engine := newFakeEngine()
	c := newTestCoordinator(t, engine, Config{})

	s := DefaultSettings()
	s.MaxCacheSize = 0
	s.PreloadCount = -1
	_ = c.Update(context.Background(), s)

	got := c.Settings()
	if got.MaxCacheSize != 1 || got.PreloadCount != 0 {
		t.Errorf("Settings() = %+v, want clamped values", got)
	}
	if engine.Stats().MaxCacheSize != 1 {
		t.Errorf("engine MaxCacheSize = %d, want 1", engine.Stats().MaxCacheSize)
	}
}

func TestSnapshot_MinimumDisplay(t *testing.T) {
	engine := newFakeEngine()
	c := newTestCoordinator(t, engine, Config{
		PollInterval:      time.Hour,
		MinPreloadDisplay: time.Second,
	})

	base := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	now := base
	c.mu.Lock()
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c.mu.Unlock()
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	engine.setStats(audiocache.Stats{MaxCacheSize: 5, IsPreloading: true, PreloadQueueLength: 2})
	c.poll()
	if s := c.Snapshot(); !s.IsPreloading || s.PreloadQueueLength != 2 {
		t.Fatalf("Snapshot() = %+v, want preloading", s)
	}

	advance(100 * time.Millisecond)
	engine.setStats(audiocache.Stats{MaxCacheSize: 5, CacheSize: 2})
	c.poll()
	s := c.Snapshot()
	if !s.IsPreloading {
		t.Error("IsPreloading should stay visible for the minimum display time")
	}
	if s.CacheSize != 2 {
		t.Errorf("CacheSize = %d, want 2", s.CacheSize)
	}

	advance(time.Second)
	if c.Snapshot().IsPreloading {
		t.Error("IsPreloading should clear after the minimum display time")
	}
}

func TestAutoCleanup(t *testing.T) {
	engine := newFakeEngine()
	c := newTestCoordinator(t, engine, Config{})

	s := fastSettings()
	s.AutoCleanup = true
	s.CleanupInterval = 10 * time.Millisecond
	_ = c.Update(context.Background(), s)

	waitFor(t, "prune", func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return len(engine.pruned) >= 2
	})
	engine.mu.Lock()
	idle := engine.pruned[0]
	engine.mu.Unlock()
	if idle != 10*time.Millisecond {
		t.Errorf("Prune idle = %v, want cleanup interval", idle)
	}

	s.AutoCleanup = false
	_ = c.Update(context.Background(), s)
	engine.mu.Lock()
	before := len(engine.pruned)
	engine.mu.Unlock()
	time.Sleep(60 * time.Millisecond)
	engine.mu.Lock()
	after := len(engine.pruned)
	engine.mu.Unlock()
	if after > before+1 {
		t.Errorf("cleanup kept running after being disabled: %d -> %d", before, after)
	}
}

func TestClose_CancelsPendingWave(t *testing.T) {
	engine := newFakeEngine()
	c := New(engine, Config{})
	s := fastSettings()
	s.PreloadDelay = 50 * time.Millisecond
	_ = c.Update(context.Background(), s)

	c.SmartPreload(makeTracks(3), 1)
	c.Close()
	c.Close()
	time.Sleep(100 * time.Millisecond)

	if calls := engine.snapshotCalls(); len(calls) != 0 {
		t.Errorf("calls after Close = %v, want none", calls)
	}
}

func TestNew_PanicsOnNilEngine(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New(nil) should panic")
		}
	}()
	New(nil, Config{})
}

func ptr[T any](v T) *T { return &v }
