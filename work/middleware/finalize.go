package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/valyala/bytebufferpool"

	"github.com/tonywagner/milbserver/work/buffer"
	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/utils"
)

// stripped are length and framing headers that stop being true once a body
// has been rewritten or decrypted.
var stripped = []string{"Content-Length", "Transfer-Encoding"}

// bufferedWriter holds the handler's response until it is complete.
type bufferedWriter struct {
	header http.Header
	status int
	buf    *bytebufferpool.ByteBuffer
}

func (w *bufferedWriter) Header() http.Header {
	return w.header
}

func (w *bufferedWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.buf.Write(b)
}

// Finalize buffers every response so its headers describe the body actually
// sent: upstream length and transfer-encoding headers are dropped, CORS is
// opened to any origin and Content-Length is recomputed. Large text bodies
// are gzipped for clients that accept it.
func Finalize(pool *buffer.Pool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "*")
				h.Set("Content-Length", "0")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			buf := pool.Get()
			defer pool.Put(buf)

			bw := &bufferedWriter{header: http.Header{}, buf: buf}
			next.ServeHTTP(bw, r)

			status := bw.status
			if status == 0 {
				status = http.StatusOK
			}

			for k, v := range bw.header {
				h[k] = v
			}
			for _, k := range stripped {
				h.Del(k)
			}
			h.Set("Access-Control-Allow-Origin", "*")

			body := buf.B
			if shouldCompress(r, h, status, len(body)) {
				gz := pool.Get()
				defer pool.Put(gz)

				if err := gzipTo(gz, body); err != nil {
					logger.Warn("{middleware/finalize - Finalize} gzip %s: %v", r.URL.Path, err)
				} else {
					body = gz.B
					h.Set("Content-Encoding", "gzip")
					h.Add("Vary", "Accept-Encoding")
				}
			}

			h.Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(status)

			if r.Method == http.MethodHead {
				return
			}
			if _, err := w.Write(body); err != nil {
				logger.Debug("{middleware/finalize - Finalize} client went away on %s: %v", r.URL.Path, err)
			}
		})
	}
}

// statusRecorder remembers the status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Logging writes one debug line per request with its status and duration.
func Logging(obfuscate bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Debug("{middleware/finalize - Logging} %s %s -> %d in %s",
				r.Method, utils.LogURL(obfuscate, r.URL.String()), rec.status, time.Since(start).Round(time.Millisecond))
		})
	}
}
