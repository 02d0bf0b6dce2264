package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sternrassler/music-cache/pkg/rangeutil"
	"github.com/minio/minio-go/v7"
)

// Bucket streams the storage object named by the key query parameter. It
// answers Range requests with ranged object reads.
func (h *Handler) Bucket(w http.ResponseWriter, r *http.Request) {
	const endpoint = "r2"
	setCORS(w)

	if h.bucket == nil {
		h.fail(w, endpoint, http.StatusServiceUnavailable, "storage bucket not configured")
		return
	}

	key, ok := cleanKey(r.URL.Query().Get("key"))
	if !ok {
		h.fail(w, endpoint, http.StatusBadRequest, "invalid key parameter")
		return
	}

	ctx := r.Context()
	info, err := h.bucket.StatObject(ctx, h.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			h.fail(w, endpoint, http.StatusNotFound, "object not found")
			return
		}
		h.logger.Warn().Err(err).Str("key", key).Msg("Bucket stat failed")
		h.fail(w, endpoint, http.StatusBadGateway, "storage unavailable")
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.ETag != "" {
		w.Header().Set("Etag", `"`+info.ETag+`"`)
	}
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}

	status := http.StatusOK
	opts := minio.GetObjectOptions{}
	length := info.Size

	if hdr := r.Header.Get("Range"); hdr != "" {
		rng, err := rangeutil.Parse(hdr, info.Size)
		switch {
		case errors.Is(err, rangeutil.ErrUnsatisfiable):
			w.Header().Del("Content-Type")
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
			h.fail(w, endpoint, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
			return
		case err == nil:
			if err := opts.SetRange(rng.Start, rng.End); err != nil {
				h.fail(w, endpoint, http.StatusBadRequest, err.Error())
				return
			}
			status = http.StatusPartialContent
			length = rng.Length()
			w.Header().Set("Content-Range", rng.ContentRange(info.Size))
		}
	}

	obj, err := h.bucket.GetObject(ctx, h.bucketName, key, opts)
	if err != nil {
		h.logger.Warn().Err(err).Str("key", key).Msg("Bucket read failed")
		h.fail(w, endpoint, http.StatusBadGateway, "storage unavailable")
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	h.stream(w, r, endpoint, status, obj)
}

// cleanKey normalises an object key and rejects traversal attempts.
func cleanKey(raw string) (string, bool) {
	key := strings.TrimLeft(strings.TrimSpace(raw), "/")
	if key == "" {
		return "", false
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", false
		}
	}
	return key, true
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound
}
