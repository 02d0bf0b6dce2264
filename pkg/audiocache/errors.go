package audiocache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCached is returned by GetCachedAsync when neither memory nor the
	// persistent store hold the track.
	ErrNotCached = errors.New("track not cached")

	// ErrDisposed is returned once the engine has been disposed.
	ErrDisposed = errors.New("audio cache disposed")

	// ErrCleared is returned by loads that were in flight when ClearCache
	// ran. Their result is discarded.
	ErrCleared = errors.New("cache cleared during load")

	// ErrInvalidTrack is returned for tracks without a URL.
	ErrInvalidTrack = errors.New("track has no url")

	// ErrRelativeURL is returned when a resolved fetch URL is relative and no
	// base URL is configured.
	ErrRelativeURL = errors.New("relative fetch url without base url")
)

// FetchError describes a failed network fetch of a whole audio resource.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}
