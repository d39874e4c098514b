package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// minCompressSize keeps tiny bodies uncompressed; the gzip framing would
// outweigh the savings.
const minCompressSize = 1024

// gzipWriterPool maintains a reusable pool of gzip writers. Writers run at
// BestSpeed since playlists are regenerated on every poll.
var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// compressible lists the rewritten text bodies worth compressing. Segments
// are already compressed media.
var compressible = []string{
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"text/",
	"application/json",
}

// acceptsGzip reports whether the client advertised gzip support
func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// shouldCompress decides whether a finished response gets gzip encoding.
func shouldCompress(r *http.Request, h http.Header, status, size int) bool {
	if status != http.StatusOK || size < minCompressSize || !acceptsGzip(r) {
		return false
	}
	if h.Get("Content-Encoding") != "" {
		return false
	}
	ct := strings.ToLower(h.Get("Content-Type"))
	for _, prefix := range compressible {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// gzipTo compresses body into dst with a pooled writer.
func gzipTo(dst io.Writer, body []byte) error {
	gz := gzipWriterPool.Get().(*gzip.Writer)
	defer gzipWriterPool.Put(gz)

	gz.Reset(dst)
	if _, err := gz.Write(body); err != nil {
		return err
	}
	return gz.Close()
}
