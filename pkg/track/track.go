// Package track defines the playable audio item shared by the cache,
// resolver and coordinator packages.
package track

import "strings"

// Track is a playable audio item.
type Track struct {
	// URL is the origin location of the audio resource and its identity.
	URL string `json:"url"`

	// Title is informational only.
	Title string `json:"title"`

	// MVURL is an optional music-video link.
	MVURL string `json:"mvUrl,omitempty"`

	// Cover is an optional artwork URL.
	Cover string `json:"cover,omitempty"`
}

// Key returns the cache identity of the track.
// Only the URL participates, so editing a title never yields a second entry
// for the same audio resource.
func (t Track) Key() string {
	return strings.TrimSpace(t.URL)
}

// Valid reports whether the track can be fetched at all.
func (t Track) Valid() bool {
	return t.Key() != ""
}

// Next returns the cyclic successor index of i in a list of n tracks.
func Next(i, n int) int {
	if n <= 0 {
		return 0
	}
	return mod(i+1, n)
}

// Prev returns the cyclic predecessor index of i in a list of n tracks.
func Prev(i, n int) int {
	if n <= 0 {
		return 0
	}
	return mod(i-1+n, n)
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}
