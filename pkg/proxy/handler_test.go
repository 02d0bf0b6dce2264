package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Sternrassler/music-cache/internal/testutil"
	"github.com/Sternrassler/music-cache/pkg/store"
	"github.com/Sternrassler/music-cache/pkg/upstream"
	"github.com/rs/zerolog"
)

const iphoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148"

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Upstream == nil {
		ucfg := upstream.DefaultConfig()
		ucfg.Retry = upstream.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		}
		cfg.Upstream = upstream.New(ucfg)
	}
	logger := zerolog.Nop()
	cfg.Logger = &logger

	mux := http.NewServeMux()
	NewHandler(cfg).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func doRequest(t *testing.T, method, target string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, target, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, target, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func audioURL(server *httptest.Server, upstreamURL string) string {
	return server.URL + "/api/audio?url=" + url.QueryEscape(upstreamURL)
}

func TestAudio_StreamsRange(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	audio := testutil.AudioBytes(500)
	origin.SetTrack("/song.mp3", testutil.MockTrack{Body: audio})
	server := newTestServer(t, Config{})

	resp, body := doRequest(t, http.MethodGet, audioURL(server, origin.TrackURL("/song.mp3")),
		http.Header{"Range": {"bytes=100-149"}})

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("StatusCode = %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 100-149/500" {
		t.Errorf("Content-Range = %q", got)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		t.Error("Accept-Ranges should be bytes")
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
	if len(body) != 50 || body[0] != audio[100] {
		t.Errorf("body = %d bytes", len(body))
	}
}

func TestAudio_FullFile(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetTrack("/song.mp3", testutil.MockTrack{Body: testutil.AudioBytes(300), ContentType: "audio/ogg"})
	server := newTestServer(t, Config{})

	resp, body := doRequest(t, http.MethodGet, audioURL(server, origin.TrackURL("/song.mp3")), nil)
	if resp.StatusCode != http.StatusOK || len(body) != 300 {
		t.Fatalf("GET = %d, %d bytes", resp.StatusCode, len(body))
	}
	if resp.Header.Get("Content-Type") != "audio/ogg" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestAudio_MobileHeaders(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetTrack("/song.mp3", testutil.MockTrack{Body: []byte("abc")})
	server := newTestServer(t, Config{})

	doRequest(t, http.MethodGet, audioURL(server, origin.TrackURL("/song.mp3")), http.Header{
		"User-Agent": {iphoneUA},
		"Referer":    {"https://player.example.org/"},
	})

	if got := origin.LastHeader().Get("User-Agent"); got != iphoneUA {
		t.Errorf("upstream User-Agent = %q, want mobile UA", got)
	}
	if got := origin.LastHeader().Get("Referer"); got != "" {
		t.Errorf("upstream Referer = %q, want none", got)
	}
}

func TestAudio_BadRequests(t *testing.T) {
	server := newTestServer(t, Config{})

	tests := []struct {
		name   string
		target string
	}{
		{"missing url", server.URL + "/api/audio"},
		{"relative url", server.URL + "/api/audio?url=%2Fsong.mp3"},
		{"unsupported scheme", server.URL + "/api/audio?url=" + url.QueryEscape("file:///etc/passwd")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodGet, tt.target, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("StatusCode = %d, want 400", resp.StatusCode)
			}
			var payload map[string]string
			if err := json.Unmarshal(body, &payload); err != nil || payload["error"] == "" {
				t.Errorf("body = %s, want JSON error", body)
			}
		})
	}
}

func TestAudio_UpstreamFailure(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetTrack("/down.mp3", testutil.MockTrack{StatusCode: http.StatusServiceUnavailable})
	server := newTestServer(t, Config{})

	resp, _ := doRequest(t, http.MethodGet, audioURL(server, origin.TrackURL("/down.mp3")), nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", resp.StatusCode)
	}
	if got := origin.RequestCount("/down.mp3"); got != 3 {
		t.Errorf("upstream attempts = %d, want 3", got)
	}
}

func TestAudio_PassesClientErrors(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	server := newTestServer(t, Config{})

	resp, _ := doRequest(t, http.MethodGet, audioURL(server, origin.TrackURL("/missing.mp3")), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", resp.StatusCode)
	}
	if got := origin.RequestCount("/missing.mp3"); got != 1 {
		t.Errorf("upstream attempts = %d, want 1", got)
	}
}

func TestClearCache(t *testing.T) {
	storage := store.NewMemoryStorage()
	c, _ := storage.Open(context.Background(), store.Name)
	_ = c.Put(context.Background(), "https://cdn.example.com/a.mp3", &store.Entry{StatusCode: 200, Data: []byte("a")})
	_, _ = storage.Open(context.Background(), "settings")

	server := newTestServer(t, Config{Storage: storage, AdminPassword: "hunter2"})
	target := server.URL + "/api/cache"

	tests := []struct {
		name       string
		password   string
		wantStatus int
	}{
		{"missing password", "", http.StatusUnauthorized},
		{"wrong password", "hunter3", http.StatusUnauthorized},
		{"correct password", "hunter2", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.password != "" {
				header.Set(AdminPasswordHeader, tt.password)
			}
			resp, _ := doRequest(t, http.MethodDelete, target, header)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}

	names, _ := storage.Names(context.Background())
	if len(names) != 1 || names[0] != "settings" {
		t.Errorf("partitions = %v, want only non-audio partitions left", names)
	}
}

func TestClearCache_DisabledWithoutPassword(t *testing.T) {
	server := newTestServer(t, Config{Storage: store.NewMemoryStorage()})

	resp, _ := doRequest(t, http.MethodDelete, server.URL+"/api/cache", http.Header{AdminPasswordHeader: {""}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", resp.StatusCode)
	}
}

func TestPreflight(t *testing.T) {
	server := newTestServer(t, Config{})

	resp, _ := doRequest(t, http.MethodOptions, server.URL+"/api/audio", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Headers") == "" {
		t.Error("preflight should list allowed headers")
	}
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{"song.mp3", "song.mp3", true},
		{"/albums/x/song.mp3", "albums/x/song.mp3", true},
		{"", "", false},
		{"  ", "", false},
		{"../secret", "", false},
		{"a/../../b", "", false},
	}
	for _, tt := range tests {
		got, ok := cleanKey(tt.raw)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("cleanKey(%q) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}
