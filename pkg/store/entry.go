package store

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Entry is a stored whole response.
type Entry struct {
	// URL is the resolved fetch URL the entry is addressed by.
	URL string `json:"url"`

	// StatusCode is always 200 for stored entries.
	StatusCode int `json:"status_code"`

	// Headers are the response headers.
	Headers http.Header `json:"headers"`

	// Data is the response body. It is stored apart from the metadata.
	Data []byte `json:"-"`

	// CachedAt is when the response was stored.
	CachedAt time.Time `json:"cached_at"`
}

// Cacheable reports whether the entry is a whole 200 response.
func (e *Entry) Cacheable() bool {
	return e != nil && e.StatusCode == http.StatusOK
}

// ContentType returns the stored Content-Type, if any.
func (e *Entry) ContentType() string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers.Get("Content-Type")
}

// Size returns the body size in bytes.
func (e *Entry) Size() int64 {
	if e == nil {
		return 0
	}
	return int64(len(e.Data))
}

// ResponseToEntry reads resp into an Entry addressed by url.
// The response body is restored after reading so the caller can still
// consume it.
func ResponseToEntry(url string, resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()

	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &Entry{
		URL:        url,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Data:       body,
		CachedAt:   time.Now(),
	}, nil
}

// EntryToResponse converts a stored entry back into a full 200 response.
func EntryToResponse(entry *Entry, req *http.Request) *http.Response {
	header := entry.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(entry.Data)))

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: int64(len(entry.Data)),
		Request:       req,
	}
}
