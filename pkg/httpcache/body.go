package httpcache

import (
	"bytes"
	"errors"
	"io"
)

// storingBody hands the upstream body to the caller unchanged and keeps a
// copy. The copy is passed to complete once, after a clean EOF or as soon as
// the announced length has been read. Read errors, an early Close or a body
// larger than limit discard it.
type storingBody struct {
	body     io.ReadCloser
	buf      bytes.Buffer
	limit    int64
	length   int64
	complete func(data []byte)

	discarded bool
	finished  bool
}

// newStoringBody wraps body. length is the announced Content-Length, or -1.
func newStoringBody(body io.ReadCloser, limit, length int64, complete func([]byte)) *storingBody {
	return &storingBody{body: body, limit: limit, length: length, complete: complete}
}

func (b *storingBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if b.finished || b.discarded {
		return n, err
	}

	if n > 0 {
		if int64(b.buf.Len()+n) > b.limit {
			b.discard(skipTooLarge)
		} else {
			b.buf.Write(p[:n])
		}
	}

	switch {
	case b.discarded:
	case errors.Is(err, io.EOF):
		b.finish()
	case err != nil:
		b.discard(skipIncomplete)
	case b.length >= 0 && int64(b.buf.Len()) == b.length:
		// Store before handing out the final bytes, so a caller that stops
		// at Content-Length still leaves a complete entry behind.
		b.finish()
	}
	return n, err
}

func (b *storingBody) finish() {
	if b.length >= 0 && int64(b.buf.Len()) != b.length {
		b.discard(skipIncomplete)
		return
	}
	b.finished = true
	data := b.buf.Bytes()
	b.buf = bytes.Buffer{}
	b.complete(data)
}

func (b *storingBody) Close() error {
	if !b.finished && !b.discarded {
		b.discard(skipIncomplete)
	}
	return b.body.Close()
}

func (b *storingBody) discard(reason string) {
	b.discarded = true
	b.buf = bytes.Buffer{}
	storesTotal.WithLabelValues(reason).Inc()
}
