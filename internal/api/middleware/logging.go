// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"time"

	"github.com/wishreel/wishreel/internal/log"
)

// Logging emits one structured access line per request, enriched with the
// correlation fields already placed in the context upstream.
func Logging() func(http.Handler) http.Handler {
	logger := log.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			evt := logger.Info()
			if sw.status >= 500 {
				evt = logger.Error()
			} else if sw.status >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("event", "http.request").
				Str("method", r.Method).
				Str(log.FieldPath, r.URL.Path).
				Int("status", sw.status).
				Int64("bytes", sw.bytes).
				Dur("elapsed", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
				Msg("request served")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	bytes   int64
	written bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}
