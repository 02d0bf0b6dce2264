// Package resolver maps a track's origin URL to the URL that is actually
// fetched: directly, through the built-in streaming proxy, through a
// user-configured proxy, or through the storage-bucket endpoint.
//
// Resolution is a pure function of the track, the local settings and the
// static domain list. It performs no I/O.
package resolver

import (
	"net/url"
	"strings"

	"github.com/Sternrassler/music-cache/pkg/track"
)

// LoadMethod selects how audio is loaded.
type LoadMethod string

const (
	// LoadAuto proxies cross-origin audio and leaves same-origin paths alone.
	LoadAuto LoadMethod = "auto"

	// LoadDirect fetches the origin URL as-is.
	LoadDirect LoadMethod = "direct"

	// LoadCustom routes through Settings.CustomProxyURL.
	LoadCustom LoadMethod = "custom"
)

const (
	// DefaultProxyEndpoint is the built-in streaming range proxy.
	DefaultProxyEndpoint = "/api/audio"

	// DefaultStorageEndpoint serves objects from the storage bucket.
	DefaultStorageEndpoint = "/api/r2"

	// StorageScheme prefixes track URLs that are storage-bucket keys.
	StorageScheme = "r2://"
)

// DefaultProxyDomains lists aggregator hosts that redirect heavily or serve
// unreliable certificates. Matching is by host suffix.
var DefaultProxyDomains = []string{
	"music.126.net",
	"music.163.com",
	"kuwo.cn",
	"kugou.com",
	"qqmusic.qq.com",
}

// Settings are the user's local loading preferences.
type Settings struct {
	LoadMethod     LoadMethod `json:"loadMethod"`
	CustomProxyURL string     `json:"customProxyUrl"`
}

// Options configure a Resolver.
type Options struct {
	// ProxyEndpoint is the built-in proxy path or URL.
	ProxyEndpoint string

	// StorageEndpoint is the storage-bucket retrieval path or URL.
	StorageEndpoint string

	// Origin is the page origin (scheme://host[:port]) used to recognise
	// same-origin absolute URLs. Optional.
	Origin string

	// ProxyDomains overrides DefaultProxyDomains when non-nil.
	ProxyDomains []string
}

// Resolver rewrites track URLs into fetch URLs.
type Resolver struct {
	proxyEndpoint   string
	storageEndpoint string
	origin          *url.URL
	proxyDomains    []string
}

// New creates a resolver. Zero-valued options fall back to defaults.
func New(opts Options) *Resolver {
	r := &Resolver{
		proxyEndpoint:   opts.ProxyEndpoint,
		storageEndpoint: opts.StorageEndpoint,
		proxyDomains:    opts.ProxyDomains,
	}
	if r.proxyEndpoint == "" {
		r.proxyEndpoint = DefaultProxyEndpoint
	}
	if r.storageEndpoint == "" {
		r.storageEndpoint = DefaultStorageEndpoint
	}
	if r.proxyDomains == nil {
		r.proxyDomains = DefaultProxyDomains
	}
	if opts.Origin != "" {
		if u, err := url.Parse(opts.Origin); err == nil && u.Host != "" {
			r.origin = u
		}
	}
	return r
}

// Resolve returns the URL that should be fetched for t.
//
// Rules, first match wins:
//  1. aggregator domains always go through the built-in proxy
//  2. custom load method with a configured proxy uses that proxy
//  3. direct load method returns the URL unchanged
//  4. storage keys go to the storage endpoint, cross-origin URLs through
//     the built-in proxy, same-origin URLs unchanged
func (r *Resolver) Resolve(t track.Track, s Settings) string {
	raw := t.Key()
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	absolute := err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https")

	if absolute && r.isProxyDomain(u.Hostname()) {
		return withQuery(r.proxyEndpoint, "url", raw)
	}

	if s.LoadMethod == LoadCustom && strings.TrimSpace(s.CustomProxyURL) != "" {
		return withQuery(strings.TrimSpace(s.CustomProxyURL), "url", raw)
	}

	if s.LoadMethod == LoadDirect {
		return raw
	}

	if strings.HasPrefix(raw, StorageScheme) {
		return withQuery(r.storageEndpoint, "key", strings.TrimPrefix(raw, StorageScheme))
	}

	if absolute && !r.sameOrigin(u) {
		return withQuery(r.proxyEndpoint, "url", raw)
	}

	return raw
}

// IsProxied reports whether fetchURL points at the built-in proxy.
func (r *Resolver) IsProxied(fetchURL string) bool {
	return strings.HasPrefix(fetchURL, r.proxyEndpoint+"?")
}

func (r *Resolver) isProxyDomain(host string) bool {
	host = strings.ToLower(host)
	for _, d := range r.proxyDomains {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (r *Resolver) sameOrigin(u *url.URL) bool {
	if r.origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, r.origin.Scheme) && strings.EqualFold(u.Host, r.origin.Host)
}

// withQuery appends name=<escaped value> using ? or & depending on whether
// base already carries a query.
func withQuery(base, name, value string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
		if strings.HasSuffix(base, "?") || strings.HasSuffix(base, "&") {
			sep = ""
		}
	}
	return base + sep + name + "=" + url.QueryEscape(value)
}
