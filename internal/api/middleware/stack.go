// SPDX-License-Identifier: MIT

// Package middleware holds the canonical HTTP ingress stack. Both the API
// server and any auxiliary listener apply it through ApplyStack so the
// cross-cutting concerns cannot drift apart.
package middleware

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// StackConfig configures the canonical ingress middleware stack.
type StackConfig struct {
	// CORS
	AllowedOrigins []string

	// Security headers
	CSP string

	// Observability
	EnableMetrics  bool
	TracingService string // empty disables tracing
	EnableLogging  bool

	// Global request-rate ceiling, requests per second per client IP.
	// 0 disables the global limiter; the submission endpoint still has
	// its own per-client budget.
	GlobalRPS   int
	GlobalBurst int
}

// NewRouter constructs a chi router with the canonical middleware stack
// applied.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	ApplyStack(r, cfg)
	return r
}

// ApplyStack applies the canonical middleware stack to r. Order matters:
// recovery wraps everything, correlation comes before anything that logs,
// and the rate limiter sits innermost so rejected requests still carry
// request ids and show up in the metrics.
func ApplyStack(r chi.Router, cfg StackConfig) {
	// 1. Recoverer (outermost safety net)
	r.Use(Recoverer)
	// 2. RequestID (correlation early)
	r.Use(RequestID)
	// 3. RealIP (client identity for limits and logs)
	r.Use(chimw.RealIP)
	// 4. Security headers
	r.Use(SecurityHeaders(cfg.CSP))
	// 5. CORS (so OPTIONS and browser clients behave)
	r.Use(CORS(cfg.AllowedOrigins))
	// 6. Tracing (distributed tracing with OpenTelemetry)
	if cfg.TracingService != "" {
		r.Use(OTelHTTP(cfg.TracingService))
	}
	// 7. Metrics (track all requests)
	if cfg.EnableMetrics {
		r.Use(Metrics())
	}
	// 8. Logging (wraps handlers, captures full latency)
	if cfg.EnableLogging {
		r.Use(Logging())
	}
	// 9. Global rate ceiling
	if cfg.GlobalRPS > 0 {
		r.Use(GlobalRateLimit(cfg.GlobalRPS, cfg.GlobalBurst))
	}
}
