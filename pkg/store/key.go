package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// entryID derives a fixed-length identifier for url so long signed URLs
// stay within backend key limits.
func entryID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// joinKey builds a deterministic colon-separated key.
//
// Example:
//
//	musiccache:music-audio-cache-v1:entry:3f2a...
func joinKey(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		p = strings.Trim(p, ":")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}
