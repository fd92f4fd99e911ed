// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// GlobalRateLimit is the infrastructure ceiling: a sliding-window limit
// per client IP across all endpoints. The per-client submission budget on
// the generate endpoint is enforced separately and carries the domain
// error envelope; this one only guards against floods.
func GlobalRateLimit(rps, burst int) func(http.Handler) http.Handler {
	window := time.Second
	limit := rps
	if burst > limit {
		limit = burst
	}
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false,"error":{"code":"RATE_LIMITED","message":"too many requests"}}`))
		}),
	)
}
