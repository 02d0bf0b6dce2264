package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Name is the version-stamped partition shared by the audio cache engine
// and the HTTP cache transport. Bump the version to invalidate every
// persisted entry at once.
const Name = "music-audio-cache-v1"

// AudioLabel marks partitions that hold audio bytes. PurgeAudio removes
// every partition whose name contains it.
const AudioLabel = "audio"

var (
	// ErrCacheMiss indicates the URL has no stored entry.
	ErrCacheMiss = errors.New("cache miss")

	// ErrNotCacheable indicates an attempt to store a partial or failed
	// response.
	ErrNotCacheable = errors.New("only whole 200 responses can be stored")

	// ErrInvalidEntry indicates a stored entry that cannot be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Cache is one named partition of a Storage.
type Cache interface {
	// Match returns the stored entry for url or ErrCacheMiss.
	Match(ctx context.Context, url string) (*Entry, error)

	// Has reports whether url has a stored entry without reading its body.
	Has(ctx context.Context, url string) (bool, error)

	// Put stores a whole response for url. Non-200 entries are rejected
	// with ErrNotCacheable.
	Put(ctx context.Context, url string, entry *Entry) error

	// Delete removes the entry for url. Missing entries are not an error.
	Delete(ctx context.Context, url string) error
}

// Storage is a set of named partitions.
type Storage interface {
	// Open returns the partition called name, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)

	// Delete drops the partition and all its entries. It reports whether
	// the partition existed.
	Delete(ctx context.Context, name string) (bool, error)

	// Names lists the existing partitions.
	Names(ctx context.Context) ([]string, error)
}

// PurgeAudio deletes every partition labelled as audio and returns how many
// were removed. It keeps going after individual failures and returns the
// joined errors.
func PurgeAudio(ctx context.Context, s Storage) (int, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return 0, fmt.Errorf("list partitions: %w", err)
	}

	var errs []error
	removed := 0
	for _, name := range names {
		if !strings.Contains(name, AudioLabel) {
			continue
		}
		ok, err := s.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func checkCacheable(entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if !entry.Cacheable() {
		return fmt.Errorf("%w (status %d)", ErrNotCacheable, entry.StatusCode)
	}
	return nil
}
