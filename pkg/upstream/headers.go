package upstream

import (
	"net/http"
	"net/url"
	"strings"
)

// DefaultUserAgent is sent for desktop clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

var mobileMarkers = []string{"mobile", "android", "iphone", "ipad", "ipod"}

// IsMobile reports whether userAgent belongs to a mobile browser.
func IsMobile(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, m := range mobileMarkers {
		if strings.Contains(ua, m) {
			return true
		}
	}
	return false
}

// forwarded lists the incoming headers passed upstream unchanged.
var forwarded = []string{"Range", "If-Range", "If-None-Match", "If-Modified-Since"}

// ShapeHeaders builds the upstream request headers from the client's.
// Mobile clients keep their own User-Agent, send no Referer and ask for
// identity encoding so byte ranges line up with the file. Desktop clients
// present the configured User-Agent and the target's origin as Referer.
func ShapeHeaders(in http.Header, target *url.URL, desktopUA string) http.Header {
	out := make(http.Header)
	for _, h := range forwarded {
		if v := in.Get(h); v != "" {
			out.Set(h, v)
		}
	}
	out.Set("Accept", "*/*")

	if ua := in.Get("User-Agent"); IsMobile(ua) {
		out.Set("User-Agent", ua)
		out.Set("Accept-Encoding", "identity")
		return out
	}

	if desktopUA == "" {
		desktopUA = DefaultUserAgent
	}
	out.Set("User-Agent", desktopUA)
	if target != nil && target.Host != "" {
		out.Set("Referer", target.Scheme+"://"+target.Host+"/")
	}
	return out
}
