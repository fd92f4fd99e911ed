// SPDX-License-Identifier: MIT

// Package api is the public HTTP surface: job submission, status polling,
// result download, cancellation, the provider webhook sink and the asset
// catalog listing. Handlers never reach into pipeline internals; they talk
// to the coordinator and registry through the narrow interfaces in Deps and
// translate faults into the wire envelope.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/api/middleware"
	"github.com/wishreel/wishreel/internal/assets"
	"github.com/wishreel/wishreel/internal/pipeline"
	"github.com/wishreel/wishreel/internal/ratelimit"
	"github.com/wishreel/wishreel/internal/registry"
	"github.com/wishreel/wishreel/internal/talkinghead"
)

// Pipeline is the job-lifecycle surface the handlers drive. The
// coordinator satisfies it.
type Pipeline interface {
	Submit(ctx context.Context, req pipeline.Request) (registry.Job, error)
	Cancel(id string) (registry.Job, error)
}

// Jobs reads job snapshots for the polling endpoints. The registry
// satisfies it.
type Jobs interface {
	Get(id string) (registry.Job, error)
}

// Blobs serves artifact bytes for the result endpoints.
type Blobs interface {
	Get(sha string) ([]byte, error)
}

// Catalog lists and validates the bundled assets.
type Catalog interface {
	Tracks(ctx context.Context) ([]assets.Track, error)
	Voices(ctx context.Context) ([]assets.Voice, error)
	ValidateTrack(ctx context.Context, id string) error
	ValidateVoice(ctx context.Context, id string) error
}

// WebhookSink receives provider render callbacks. The talking-head client
// satisfies it.
type WebhookSink interface {
	Resolve(cb talkinghead.Callback) string
}

// CallbackPolicy vets notify_url values at submission time.
type CallbackPolicy interface {
	Enabled() bool
	ValidateURL(ctx context.Context, raw string) (string, error)
}

// Config bounds the HTTP surface.
type Config struct {
	// MaxUploadBytes caps each uploaded file; the request body is capped a
	// little above twice this so image plus audio fit.
	MaxUploadBytes int64
	AllowedOrigins []string
	// TracingService names the OTel HTTP spans; empty disables them.
	TracingService string
	// GlobalRPS/GlobalBurst feed the per-IP flood ceiling. Zero disables it.
	GlobalRPS   int
	GlobalBurst int
	Version     string
}

func (c Config) withDefaults() Config {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 10 << 20
	}
	return c
}

// Deps wires the server's collaborators. Catalog and Notify are optional;
// a nil Catalog rejects bgm selections, a nil Notify rejects notify_url.
type Deps struct {
	Pipeline Pipeline
	Jobs     Jobs
	Blobs    Blobs
	Catalog  Catalog
	Webhooks WebhookSink
	Notify   CallbackPolicy
	Limiter  *ratelimit.Limiter
	Logger   zerolog.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Pipeline == nil:
		return errors.New("api: pipeline is required")
	case d.Jobs == nil:
		return errors.New("api: job reader is required")
	case d.Blobs == nil:
		return errors.New("api: blob store is required")
	case d.Webhooks == nil:
		return errors.New("api: webhook sink is required")
	case d.Limiter == nil:
		return errors.New("api: rate limiter is required")
	}
	return nil
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	pipeline Pipeline
	jobs     Jobs
	blobs    Blobs
	catalog  Catalog
	webhooks WebhookSink
	notify   CallbackPolicy
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger

	ready     atomic.Bool
	startTime time.Time
}

// New validates the wiring and builds the server. Call SetReady(true) once
// the daemon finishes its boot checks; until then readyz reports 503.
func New(cfg Config, deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg.withDefaults(),
		pipeline:  deps.Pipeline,
		jobs:      deps.Jobs,
		blobs:     deps.Blobs,
		catalog:   deps.Catalog,
		webhooks:  deps.Webhooks,
		notify:    deps.Notify,
		limiter:   deps.Limiter,
		logger:    deps.Logger.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}, nil
}

// SetReady flips the readiness gate.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Router assembles the middleware stack and the route table.
func (s *Server) Router() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		AllowedOrigins: s.cfg.AllowedOrigins,
		CSP:            middleware.DefaultCSP,
		EnableMetrics:  true,
		TracingService: s.cfg.TracingService,
		EnableLogging:  true,
		GlobalRPS:      s.cfg.GlobalRPS,
		GlobalBurst:    s.cfg.GlobalBurst,
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/pipeline", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Get("/status/{taskID}", s.handleStatus)
		r.Get("/result/{taskID}", s.handleResult)
		r.Get("/result/{taskID}/soundtrack", s.handleSoundtrack)
		r.Delete("/tasks/{taskID}", s.handleCancel)
		r.Get("/bgm", s.handleAssetList)
	})

	r.Post("/webhooks/talking-head", s.handleProviderWebhook)

	return r
}
