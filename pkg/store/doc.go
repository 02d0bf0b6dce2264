// Package store provides the persistent byte store: a durable cache of
// whole HTTP responses addressed by resolved audio URL.
//
// The store is organised like a browser CacheStorage: a Storage holds named
// partitions (Open/Delete/Names) and each partition maps URLs to entries
// (Match/Has/Put/Delete). Only complete 200 responses are ever stored;
// partial content is sliced on read (see package rangeutil) and never
// written back.
//
// Two components share one partition: the audio cache engine mirrors its
// fetches into it and the HTTP cache transport serves range requests out of
// it. Both must open the partition named by Name so either can warm the
// other.
//
// # Backends
//
//   - MemoryStorage: process-local, used in tests and when nothing durable
//     is configured
//   - RedisStorage: hash per entry with raw body and JSON metadata
//   - BucketStorage: S3-compatible bucket (Cloudflare R2, MinIO)
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	storage := store.NewRedisStorage(redisClient, store.RedisOptions{})
//
//	audio, err := storage.Open(ctx, store.Name)
//	if err != nil {
//		return err
//	}
//
//	entry, err := audio.Match(ctx, fetchURL)
//	if errors.Is(err, store.ErrCacheMiss) {
//		// fetch from network, then audio.Put(ctx, fetchURL, entry)
//	}
package store
