// Package audiocache implements the client-side audio cache and preload
// engine.
//
// The engine keeps a bounded in-memory map from track key to a playable
// Handle backed by an object URL, a priority preload queue drained by a
// single background loop, and LRU eviction. Fetched audio is mirrored into
// the persistent byte store (package store) so a fresh engine can rehydrate
// it after a restart with GetCachedAsync.
//
// Invariants:
//
//   - the number of entries never exceeds MaxCacheSize once an operation
//     returns; eviction runs before an insert would overflow
//   - at most one entry and at most one queued preload exist per track key
//   - every object URL is revoked exactly once, on eviction, clear or dispose
//   - only one drain loop runs at a time and it loads entries sequentially
//
// # Basic Usage
//
//	engine, err := audiocache.New(audiocache.DefaultConfig(),
//		audiocache.WithStorage(storage),
//		audiocache.WithResolver(resolver.New(resolver.Options{})),
//	)
//	if err != nil {
//		return err
//	}
//	defer engine.Dispose()
//
//	// Warm the neighbours of the current track.
//	_ = engine.PreloadNext(ctx, tracks, current)
//	_ = engine.PreloadPrev(ctx, tracks, current)
//
//	if h := engine.GetCached(tracks[next]); h != nil {
//		rs, _ := h.Open()
//		// play from rs
//	}
package audiocache
