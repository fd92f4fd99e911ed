// SPDX-License-Identifier: MIT

// Package ratelimit bounds how fast any single client may submit generation
// jobs. Each client fingerprint gets its own token bucket; the fingerprint
// is the API key when one is presented, else the client IP.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "wishreel",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total submissions rejected by the per-client limiter",
	},
	[]string{"key_kind"},
)

// Config holds the per-client submission limits.
type Config struct {
	// PerMin is the submission allowance per client, per minute. The bucket
	// holds a full minute's allowance, so a fresh client may spend it up
	// front; tokens then refill continuously at the sustained rate.
	PerMin int
	// Burst floors the bucket capacity for very small configured rates.
	Burst int
	// IdleExpiry drops a client's bucket after this much inactivity so the
	// map does not grow with every IP that ever submitted.
	IdleExpiry time.Duration
}

// DefaultConfig returns the documented defaults: 30 submissions per minute,
// burst floor 5.
func DefaultConfig() Config {
	return Config{
		PerMin:     30,
		Burst:      5,
		IdleExpiry: 10 * time.Minute,
	}
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per client fingerprint.
type Limiter struct {
	limit    rate.Limit
	capacity int
	idle     time.Duration

	mu          sync.Mutex
	clients     map[string]*clientBucket
	lastCleanup time.Time
	now         func() time.Time
}

// New creates a limiter with the given config. Zero or negative values
// fall back to the defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.PerMin <= 0 {
		cfg.PerMin = def.PerMin
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = def.IdleExpiry
	}
	capacity := cfg.PerMin
	if capacity < cfg.Burst {
		capacity = cfg.Burst
	}
	return &Limiter{
		limit:       rate.Limit(float64(cfg.PerMin) / 60.0),
		capacity:    capacity,
		idle:        cfg.IdleExpiry,
		clients:     make(map[string]*clientBucket),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Allow reports whether the client may submit now, consuming one token if
// so. keyKind labels the rejection metric ("api_key" or "ip").
func (l *Limiter) Allow(client, keyKind string) bool {
	now := l.now()

	l.mu.Lock()
	b, ok := l.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.capacity)}
		l.clients[client] = b
	}
	b.lastSeen = now
	l.cleanupLocked(now)
	l.mu.Unlock()

	if !b.limiter.AllowN(now, 1) {
		rateLimitExceeded.WithLabelValues(keyKind).Inc()
		return false
	}
	return true
}

// RetryAfter estimates how long a rejected client should wait before the
// next submission could pass. Fills the Retry-After header on 429s.
func (l *Limiter) RetryAfter() time.Duration {
	if l.limit <= 0 {
		return time.Minute
	}
	interval := time.Duration(float64(time.Second) / float64(l.limit))
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Clients reports the number of tracked buckets.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// cleanupLocked drops buckets idle longer than the expiry. Runs at most
// once per expiry interval so the scan cost stays off the hot path.
func (l *Limiter) cleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < l.idle {
		return
	}
	for key, b := range l.clients {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.clients, key)
		}
	}
	l.lastCleanup = now
}

// ClientKey derives the rate-limit fingerprint for a request: the API key
// when presented, else the client IP. The second return names the kind.
func ClientKey(r *http.Request) (string, string) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return "key:" + key, "api_key"
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); token != "" {
			return "key:" + token, "api_key"
		}
	}
	return "ip:" + ClientIP(r), "ip"
}

// ClientIP extracts the originating client IP, honoring the usual proxy
// headers before falling back to the socket address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// The first entry is the original client; the rest are proxies.
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
