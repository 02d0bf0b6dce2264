// Package testutil provides testing utilities for the music cache.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/Sternrassler/music-cache/pkg/rangeutil"
)

// MockTrack defines how the mock origin serves one path.
type MockTrack struct {
	Body        []byte
	ContentType string
	StatusCode  int
	Delay       time.Duration

	// NoRanges makes the origin ignore Range headers and always send 200.
	NoRanges bool
}

// MockOrigin is a configurable audio origin for tests. It honours Range
// requests unless told otherwise and counts requests per path.
type MockOrigin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	tracks   map[string]MockTrack
	handlers map[string]http.HandlerFunc
	gates    map[string]chan struct{}

	requests     map[string]int
	order        []string
	lastHeader   http.Header
	rangeRequest int
}

// NewMockOrigin starts a mock origin.
func NewMockOrigin() *MockOrigin {
	m := &MockOrigin{
		tracks:   make(map[string]MockTrack),
		handlers: make(map[string]http.HandlerFunc),
		gates:    make(map[string]chan struct{}),
		requests: make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests[r.URL.Path]++
		m.order = append(m.order, r.URL.Path)
		m.lastHeader = r.Header.Clone()
		if r.Header.Get("Range") != "" {
			m.rangeRequest++
		}
		gate := m.gates[r.URL.Path]
		handler, hasHandler := m.handlers[r.URL.Path]
		t, hasTrack := m.tracks[r.URL.Path]
		m.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}

		switch {
		case hasHandler:
			handler(w, r)
		case hasTrack:
			m.serveTrack(w, r, t)
		default:
			http.NotFound(w, r)
		}
	}))

	return m
}

// URL returns the origin base URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// TrackURL returns the absolute URL of path.
func (m *MockOrigin) TrackURL(path string) string {
	return m.server.URL + path
}

// Close shuts the origin down, releasing any gated requests.
func (m *MockOrigin) Close() {
	m.mu.Lock()
	for p, g := range m.gates {
		close(g)
		delete(m.gates, p)
	}
	m.mu.Unlock()
	m.server.Close()
}

// SetTrack configures the response for path.
func (m *MockOrigin) SetTrack(path string, t MockTrack) {
	if t.StatusCode == 0 {
		t.StatusCode = http.StatusOK
	}
	if t.ContentType == "" {
		t.ContentType = "audio/mpeg"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks[path] = t
}

// SetHandler installs a custom handler for path.
func (m *MockOrigin) SetHandler(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// Block holds requests for path until the returned release func is called.
func (m *MockOrigin) Block(path string) (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gates[path] = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gates[path] == gate {
				delete(m.gates, path)
				close(gate)
			}
			m.mu.Unlock()
		})
	}
}

// RequestCount returns the number of requests made for path.
func (m *MockOrigin) RequestCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[path]
}

// TotalRequests returns the number of requests across all paths.
func (m *MockOrigin) TotalRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// RangeRequests returns how many requests carried a Range header.
func (m *MockOrigin) RangeRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rangeRequest
}

// LastHeader returns the headers of the most recent request.
func (m *MockOrigin) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader.Clone()
}

// Order returns the request paths in arrival order.
func (m *MockOrigin) Order() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *MockOrigin) serveTrack(w http.ResponseWriter, r *http.Request, t MockTrack) {
	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-r.Context().Done():
			return
		}
	}

	if t.StatusCode != http.StatusOK {
		w.WriteHeader(t.StatusCode)
		return
	}

	header := http.Header{"Content-Type": {t.ContentType}}
	if t.NoRanges {
		r = r.Clone(r.Context())
		r.Header.Del("Range")
	}
	_ = rangeutil.Write(w, r, t.Body, header)
}

// AudioBytes returns n deterministic bytes for a fake audio body.
func AudioBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
