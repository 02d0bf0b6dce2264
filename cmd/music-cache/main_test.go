package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/music-cache/internal/testutil"
	"github.com/Sternrassler/music-cache/pkg/resolver"
	"github.com/Sternrassler/music-cache/pkg/store"
	"github.com/Sternrassler/music-cache/pkg/track"
)

// cleanEnv pins every variable loadConfig reads so the host environment
// cannot leak into a test.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "PUBLIC_URL", "USER_AGENT", "PASSWORD",
		"STORE_BACKEND", "REDIS_URL", "REDIS_TTL",
		"ACCOUNT_ID", "ACCESS_KEY_ID", "SECRET_ACCESS_KEY", "R2_ENDPOINT", "R2_BUCKET", "R2_USE_SSL",
		"GIT_TOKEN", "SETTINGS_GIST_ID",
		"CACHE_ENABLED", "CACHE_MAX_CACHE_SIZE", "CACHE_PRELOAD_COUNT",
		"CACHE_PRELOAD_DELAY", "CACHE_AUTO_CLEANUP", "CACHE_CLEANUP_INTERVAL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Port != "3000" {
		t.Errorf("Port = %q, want 3000", cfg.Port)
	}
	if cfg.StoreBackend != backendMemory {
		t.Errorf("StoreBackend = %q, want memory", cfg.StoreBackend)
	}
	if cfg.Bucket.Name != "music" || !cfg.Bucket.UseSSL {
		t.Errorf("Bucket = %+v, want name music with SSL", cfg.Bucket)
	}
	if cfg.Cache.MaxCacheSize != 50 || !cfg.Cache.Enabled {
		t.Errorf("Cache = %+v, want enabled with 50 entries", cfg.Cache)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"STORE_BACKEND": "disk"}},
		{"bucket without credentials", map[string]string{"STORE_BACKEND": "bucket"}},
		{"bad duration", map[string]string{"CACHE_PRELOAD_DELAY": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := loadConfig(); err == nil {
				t.Error("loadConfig() should fail")
			}
		})
	}
}

func TestBucketConfig_Endpoint(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BucketConfig
		want    string
		enabled bool
	}{
		{"account id", BucketConfig{AccountID: "abc", AccessKeyID: "k", SecretAccessKey: "s"}, "abc.r2.cloudflarestorage.com", true},
		{"explicit endpoint wins", BucketConfig{AccountID: "abc", Endpoint: "minio:9000", AccessKeyID: "k", SecretAccessKey: "s"}, "minio:9000", true},
		{"no credentials", BucketConfig{AccountID: "abc"}, "abc.r2.cloudflarestorage.com", false},
		{"nothing", BucketConfig{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.endpoint(); got != tt.want {
				t.Errorf("endpoint() = %q, want %q", got, tt.want)
			}
			if got := tt.cfg.Enabled(); got != tt.enabled {
				t.Errorf("Enabled() = %v, want %v", got, tt.enabled)
			}
		})
	}
}

func TestReadPlaylist(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		want    int
		wantErr bool
	}{
		{"array", write("a.json", `[{"url":"https://x/1.mp3","title":"One"},{"url":"https://x/2.mp3"}]`), 2, false},
		{"object", write("o.json", `{"tracks":[{"url":"https://x/1.mp3"}]}`), 1, false},
		{"empty", write("e.json", `[]`), 0, true},
		{"garbage", write("g.json", `not json`), 0, true},
		{"missing", filepath.Join(dir, "nope.json"), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPlaylist(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readPlaylist() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	w := httptest.NewRecorder()
	healthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "OK" {
		t.Errorf("body = %q, want OK", w.Body.String())
	}
}

func TestReadyEndpoint_MemoryStore(t *testing.T) {
	b := &backends{storage: store.NewMemoryStorage()}

	w := httptest.NewRecorder()
	readyHandler(b)(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestMux_AudioServedFromSharedCache(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	body := testutil.AudioBytes(64)
	origin.SetTrack("/a.mp3", testutil.MockTrack{Body: body})

	b := &backends{storage: store.NewMemoryStorage()}
	srv := httptest.NewServer(newMux(Config{Bucket: BucketConfig{Name: "music"}}, b))
	defer srv.Close()

	audioURL := srv.URL + "/api/audio?url=" + url.QueryEscape(origin.TrackURL("/a.mp3"))
	get := func(rangeHeader string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, audioURL, nil)
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET error = %v", err)
		}
		return resp
	}

	for i := 0; i < 2; i++ {
		resp := get("")
		got, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !bytes.Equal(got, body) {
			t.Fatalf("request %d: status = %d, %d bytes", i, resp.StatusCode, len(got))
		}
	}

	resp := get("bytes=0-9")
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("range status = %d, want 206", resp.StatusCode)
	}
	if !bytes.Equal(got, body[:10]) {
		t.Errorf("range body = %v, want first 10 bytes", got)
	}
	if resp.Header.Get("Content-Range") != "bytes 0-9/64" {
		t.Errorf("Content-Range = %q", resp.Header.Get("Content-Range"))
	}

	if n := origin.RequestCount("/a.mp3"); n != 1 {
		t.Errorf("origin requests = %d, want 1", n)
	}
}

func TestMux_StreamsAudioBeforeUpstreamFinishes(t *testing.T) {
	body := testutil.AudioBytes(2000)
	gate := make(chan struct{})
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Length", "2000")
		w.Write(body[:1000])
		http.NewResponseController(w).Flush()
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
		w.Write(body[1000:])
	}))
	defer upstreamSrv.Close()

	b := &backends{storage: store.NewMemoryStorage()}
	srv := httptest.NewServer(newMux(Config{}, b))
	defer srv.Close()
	defer close(gate)

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/api/audio?url=" + url.QueryEscape(upstreamSrv.URL+"/slow.mp3"))
		done <- result{resp, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no response headers while the upstream was still sending")
	}
	if res.err != nil {
		t.Fatalf("GET error = %v", res.err)
	}
	defer res.resp.Body.Close()

	first := make([]byte, 1000)
	if _, err := io.ReadFull(res.resp.Body, first); err != nil {
		t.Fatalf("reading first half: %v", err)
	}
	if !bytes.Equal(first, body[:1000]) {
		t.Error("first half differs from upstream")
	}
}

func TestMux_Metrics(t *testing.T) {
	b := &backends{storage: store.NewMemoryStorage()}
	srv := httptest.NewServer(newMux(Config{}, b))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRunWarm(t *testing.T) {
	cleanEnv(t)
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	var tracks []track.Track
	for _, p := range []string{"/1.mp3", "/2.mp3", "/3.mp3"} {
		origin.SetTrack(p, testutil.MockTrack{Body: testutil.AudioBytes(1000)})
		tracks = append(tracks, track.Track{URL: origin.TrackURL(p)})
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	opts := &warmOptions{
		loadMethod:   string(resolver.LoadDirect),
		settingsFile: filepath.Join(t.TempDir(), "settings.json"),
	}
	if err := runWarm(context.Background(), &out, cfg, tracks, opts); err != nil {
		t.Fatalf("runWarm() error = %v", err)
	}

	if !strings.Contains(out.String(), "Warmed 3 of 3 tracks (3.0 kB, capacity 50)") {
		t.Errorf("output = %q", out.String())
	}
	if _, err := os.Stat(opts.settingsFile); err != nil {
		t.Errorf("merged settings should be written locally: %v", err)
	}
}

func TestRunWarm_Ahead(t *testing.T) {
	cleanEnv(t)
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	var tracks []track.Track
	for _, p := range []string{"/1.mp3", "/2.mp3", "/3.mp3", "/4.mp3", "/5.mp3"} {
		origin.SetTrack(p, testutil.MockTrack{Body: testutil.AudioBytes(1000)})
		tracks = append(tracks, track.Track{URL: origin.TrackURL(p)})
	}

	settingsFile := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(settingsFile, []byte(`{"preloadCount":2}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	opts := &warmOptions{
		loadMethod:   string(resolver.LoadDirect),
		settingsFile: settingsFile,
		ahead:        true,
	}
	if err := runWarm(context.Background(), &out, cfg, tracks, opts); err != nil {
		t.Fatalf("runWarm() error = %v", err)
	}

	if !strings.Contains(out.String(), "Warmed 2 of 5 tracks") {
		t.Errorf("output = %q", out.String())
	}
	for _, p := range []string{"/2.mp3", "/3.mp3"} {
		if origin.RequestCount(p) == 0 {
			t.Errorf("%s should have been warmed", p)
		}
	}
	for _, p := range []string{"/1.mp3", "/4.mp3", "/5.mp3"} {
		if n := origin.RequestCount(p); n != 0 {
			t.Errorf("%s requested %d times, want 0", p, n)
		}
	}
}

func TestSettingsCommand(t *testing.T) {
	cleanEnv(t)
	t.Setenv("CACHE_MAX_CACHE_SIZE", "12")
	path := filepath.Join(t.TempDir(), "settings.json")

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--env-file", ""}, args...))
		if err := cmd.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out.String()
	}

	if got := run("settings", "show", "--settings-file", path); !strings.Contains(got, `"maxCacheSize": 50`) {
		t.Errorf("show before init = %s", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("settings show should not write %s (stat err = %v)", path, err)
	}
	if got := run("settings", "init", "--settings-file", path); !strings.Contains(got, `"maxCacheSize": 12`) {
		t.Errorf("init = %s", got)
	}
	if got := run("settings", "show", "--settings-file", path); !strings.Contains(got, `"maxCacheSize": 12`) {
		t.Errorf("show after init = %s", got)
	}
}

func TestRootCommand_RejectsLogLevel(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--env-file", "", "--log-level", "loud", "settings", "show"})
	if err := cmd.Execute(); err == nil {
		t.Error("Execute() should reject an unknown log level")
	}
}
