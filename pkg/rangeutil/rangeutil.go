// Package rangeutil slices a cached whole response into HTTP Range
// responses. It is shared by the HTTP cache transport and the proxy so both
// layers answer partial requests against the same stored bytes identically.
package rangeutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRange indicates a Range header that cannot be parsed.
	// Callers ignore such headers and serve the whole resource.
	ErrInvalidRange = errors.New("invalid range header")

	// ErrUnsatisfiable indicates a well-formed range outside the resource.
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered by r.
func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value for r.
func (r Range) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// Parse parses a single-range "bytes=" header against a resource of total
// bytes. An open end ("bytes=10-") runs to the last byte and a suffix
// ("bytes=-10") selects the trailing bytes. The range is unsatisfiable when
// start >= total, end >= total or start > end.
func Parse(header string, total int64) (Range, error) {
	header = strings.TrimSpace(header)
	rangeSet, ok := strings.CutPrefix(header, "bytes=")
	if !ok || rangeSet == "" || strings.Contains(rangeSet, ",") {
		return Range{}, ErrInvalidRange
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(rangeSet), "-")
	if !ok {
		return Range{}, ErrInvalidRange
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		// suffix range
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return Range{}, ErrInvalidRange
		}
		if n == 0 || total == 0 {
			return Range{}, ErrUnsatisfiable
		}
		start := total - n
		if start < 0 {
			start = 0
		}
		return Range{Start: start, End: total - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return Range{}, ErrInvalidRange
	}

	end := total - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return Range{}, ErrInvalidRange
		}
	}

	if start >= total || end >= total || start > end {
		return Range{}, ErrUnsatisfiable
	}
	return Range{Start: start, End: end}, nil
}

// Respond builds the response for req against a whole body. Without a
// usable Range header the full body is returned with 200; a satisfiable
// range yields 206 with Content-Range; an unsatisfiable one yields 416 with
// "Content-Range: bytes */total".
func Respond(req *http.Request, body []byte, header http.Header) *http.Response {
	total := int64(len(body))
	h := http.Header{}
	for _, k := range []string{"Content-Type", "Etag", "Last-Modified", "Cache-Control"} {
		if v := header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	h.Set("Accept-Ranges", "bytes")

	resp := &http.Response{
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     h,
		Request:    req,
	}

	var rangeHdr string
	if req != nil {
		rangeHdr = req.Header.Get("Range")
	}

	r, err := Parse(rangeHdr, total)
	switch {
	case rangeHdr == "" || errors.Is(err, ErrInvalidRange):
		setStatus(resp, http.StatusOK)
		setBody(resp, body)
	case errors.Is(err, ErrUnsatisfiable):
		setStatus(resp, http.StatusRequestedRangeNotSatisfiable)
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		h.Del("Content-Type")
		setBody(resp, nil)
	default:
		setStatus(resp, http.StatusPartialContent)
		h.Set("Content-Range", r.ContentRange(total))
		setBody(resp, body[r.Start:r.End+1])
	}
	return resp
}

// Write serves body to w the same way Respond builds a response.
func Write(w http.ResponseWriter, req *http.Request, body []byte, header http.Header) error {
	resp := Respond(req, body, header)
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	w.WriteHeader(resp.StatusCode)
	if req != nil && req.Method == http.MethodHead {
		return nil
	}
	_, err := io.Copy(w, resp.Body)
	return err
}

func setStatus(resp *http.Response, code int) {
	resp.StatusCode = code
	resp.Status = fmt.Sprintf("%d %s", code, http.StatusText(code))
}

func setBody(resp *http.Response, b []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(b))
	resp.ContentLength = int64(len(b))
	resp.Header.Set("Content-Length", strconv.Itoa(len(b)))
}
