package audiocache

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// ObjectURLs issues and releases in-process URLs for blobs.
type ObjectURLs interface {
	// Create registers data and returns its object URL.
	Create(data []byte, contentType string) string

	// Revoke releases the blob behind url.
	Revoke(url string)

	// Lookup returns the blob behind url while it is live.
	Lookup(url string) ([]byte, bool)
}

// BlobRegistry is the default ObjectURLs implementation. It issues
// "blob:<uuid>" URLs.
type BlobRegistry struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewBlobRegistry creates an empty registry.
func NewBlobRegistry() *BlobRegistry {
	return &BlobRegistry{blobs: make(map[string][]byte)}
}

// Create implements ObjectURLs.
func (r *BlobRegistry) Create(data []byte, _ string) string {
	u := "blob:" + uuid.NewString()
	r.mu.Lock()
	r.blobs[u] = data
	r.mu.Unlock()
	return u
}

// Revoke implements ObjectURLs.
func (r *BlobRegistry) Revoke(url string) {
	r.mu.Lock()
	delete(r.blobs, url)
	r.mu.Unlock()
}

// Lookup implements ObjectURLs.
func (r *BlobRegistry) Lookup(url string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blobs[url]
	return b, ok
}

// Len returns the number of live blobs.
func (r *BlobRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs)
}

// Handle is a playback handle over a cached blob. It stays usable until the
// engine releases its entry, after which Src is empty and Open fails.
type Handle struct {
	mu          sync.Mutex
	urls        ObjectURLs
	src         string
	sourceURL   string
	contentType string
	size        int64
	data        []byte
}

func newHandle(urls ObjectURLs, objectURL, sourceURL, contentType string, size int64) *Handle {
	h := &Handle{
		urls:        urls,
		src:         objectURL,
		sourceURL:   sourceURL,
		contentType: contentType,
		size:        size,
	}
	h.Load()
	return h
}

// Src returns the object URL currently assigned to the handle.
func (h *Handle) Src() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.src
}

// SetSrc assigns a new object URL. An empty src detaches the handle; call
// Load to drop the backing data.
func (h *Handle) SetSrc(src string) {
	h.mu.Lock()
	h.src = src
	h.mu.Unlock()
}

// Load (re)binds the handle to the blob behind Src. With an empty or
// revoked src it releases the data it held.
func (h *Handle) Load() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.src == "" {
		h.data = nil
		return
	}
	data, ok := h.urls.Lookup(h.src)
	if !ok {
		h.data = nil
		return
	}
	h.data = data
}

// Released reports whether the handle no longer holds data.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data == nil
}

// SourceURL returns the resolved fetch URL the audio came from.
func (h *Handle) SourceURL() string {
	return h.sourceURL
}

// ContentType returns the media type of the audio, if known.
func (h *Handle) ContentType() string {
	return h.contentType
}

// Size returns the audio size in bytes.
func (h *Handle) Size() int64 {
	return h.size
}

// Open returns a seekable reader over the audio.
func (h *Handle) Open() (io.ReadSeeker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data == nil {
		return nil, fmt.Errorf("handle for %s has been released", h.sourceURL)
	}
	return bytes.NewReader(h.data), nil
}

// release detaches and unloads the handle.
func (h *Handle) release() {
	h.SetSrc("")
	h.Load()
}
