// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wishreel/wishreel/internal/admission"
	"github.com/wishreel/wishreel/internal/api"
	"github.com/wishreel/wishreel/internal/artifact"
	"github.com/wishreel/wishreel/internal/assets"
	"github.com/wishreel/wishreel/internal/cache"
	"github.com/wishreel/wishreel/internal/config"
	"github.com/wishreel/wishreel/internal/inference"
	"github.com/wishreel/wishreel/internal/notify"
	"github.com/wishreel/wishreel/internal/pipeline"
	platformnet "github.com/wishreel/wishreel/internal/platform/net"
	"github.com/wishreel/wishreel/internal/prosody"
	"github.com/wishreel/wishreel/internal/ratelimit"
	"github.com/wishreel/wishreel/internal/registry"
	"github.com/wishreel/wishreel/internal/talkinghead"
	"github.com/wishreel/wishreel/internal/telemetry"
	"github.com/wishreel/wishreel/internal/verify"
)

// reapInterval is how often terminal job records are checked against the
// retention window.
const reapInterval = time.Minute

// App owns every long-lived resource of one wishreel process: the stores,
// the coordinator, the provider clients and the HTTP listeners. New wires
// them from configuration; Run serves until the context is cancelled and
// releases everything through the manager's shutdown hooks.
type App struct {
	cfg    config.AppConfig
	logger zerolog.Logger

	manager     *Manager
	server      *api.Server
	coordinator *pipeline.Coordinator
	jobs        *registry.Registry
	store       *artifact.Store
	index       *artifact.Index
	catalog     *assets.Catalog // nil when no asset library is configured
	tracing     *telemetry.Provider

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg, runs the startup checks and wires the full object
// graph. Resources opened before a later step fails are released, so a
// failed New never leaks file locks or sockets.
func New(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	artifactRoot := filepath.Join(cfg.DataDir, "artifacts")
	indexPath := filepath.Join(cfg.DataDir, "artifact-index")
	registryDir := filepath.Join(cfg.DataDir, "registry")
	scratchRoot := filepath.Join(cfg.DataDir, "tmp")
	assetsDB := filepath.Join(cfg.DataDir, "assets.db")

	if err := verify.Run(ctx, verify.Targets{
		DataDir:      cfg.DataDir,
		ArtifactRoot: artifactRoot,
		ProviderURL:  cfg.Provider.BaseURL,
		ProviderKey:  cfg.Provider.APIKey,
		WebhookURL:   cfg.Provider.WebhookURL,
		InferenceURL: cfg.Inference.BaseURL,
		AssetsDir:    cfg.Assets.Dir,
		AssetsDB:     assetsDB,
	}, logger); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger.With().Str("component", "daemon").Logger()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "wishreel",
		ServiceVersion: cfg.Version,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.tracing = tracing

	store, err := artifact.NewStore(artifactRoot)
	if err != nil {
		return nil, err
	}
	a.store = store

	index, err := artifact.OpenIndex(indexPath)
	if err != nil {
		return nil, fmt.Errorf("open artifact index: %w", err)
	}
	a.index = index

	resolver, err := a.buildResolver(logger)
	if err != nil {
		return nil, err
	}

	a.jobs = registry.New(registryDir, cfg.Jobs.Retention, index, logger)
	if err := a.jobs.Load(); err != nil {
		return nil, err
	}

	gpu := admission.NewController(int64(cfg.GPU.VRAMBudgetMB), logger)
	for model, lim := range cfg.GPU.Models {
		if err := gpu.Register(model, int64(lim.VRAMCostMB), lim.MaxConcurrency); err != nil {
			return nil, fmt.Errorf("register model %q: %w", model, err)
		}
	}

	gateway := inference.New(cfg.Inference.BaseURL, logger)

	threshold := cfg.Prosody.ConfidenceThreshold
	prosodyEngine := prosody.NewEngine(gateway, func(confidence float64, _ map[string]float64) bool {
		return confidence >= threshold
	}, logger)

	renderer := talkinghead.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.WebhookURL, logger, talkinghead.Options{
		AwaitDeadline: cfg.Stages.TalkingHead,
	})

	if cfg.Assets.Dir != "" {
		catalog, err := assets.New(cfg.Assets.Dir, assetsDB, logger)
		if err != nil {
			return nil, fmt.Errorf("open asset catalog: %w", err)
		}
		a.catalog = catalog
		res, err := catalog.Rescan(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan asset library: %w", err)
		}
		a.logger.Info().
			Int("tracks", res.TracksFound).
			Int("voices", res.VoicesFound).
			Int("skipped", res.ItemsSkipped).
			Msg("asset library scanned")
	}

	notifier := notify.New(platformnet.Policy{
		Enabled: cfg.Notify.Enabled,
		Allow: platformnet.Allowlist{
			Hosts:   cfg.Notify.AllowHosts,
			CIDRs:   cfg.Notify.AllowCIDRs,
			Ports:   cfg.Notify.AllowPorts,
			Schemes: cfg.Notify.AllowSchemes,
		},
	}, logger)

	pipelineDeps := pipeline.Deps{
		Registry:  a.jobs,
		Store:     store,
		Index:     index,
		Resolver:  resolver,
		Admission: gpu,
		Gateway:   gateway,
		Prosody:   prosodyEngine,
		Renderer:  renderer,
		Notifier:  notifier,
		Logger:    logger,
	}
	if a.catalog != nil {
		pipelineDeps.Tracks = a.catalog
	}
	coordinator, err := pipeline.New(pipeline.Config{
		TmpRoot:     scratchRoot,
		JobDeadline: cfg.Jobs.Deadline,
		MaxActive:   cfg.Jobs.MaxActive,
		Stages: pipeline.StageTimeouts{
			Detection:   cfg.Stages.Detection,
			Matting:     cfg.Stages.Matting,
			TTS:         cfg.Stages.TTS,
			Prosody:     cfg.Stages.Prosody,
			TalkingHead: cfg.Stages.TalkingHead,
			Mix:         cfg.Stages.Mix,
		},
	}, pipelineDeps)
	if err != nil {
		return nil, err
	}
	a.coordinator = coordinator

	tracingService := ""
	if cfg.Telemetry.Enabled {
		tracingService = "wishreel"
	}
	apiDeps := api.Deps{
		Pipeline: coordinator,
		Jobs:     a.jobs,
		Blobs:    store,
		Webhooks: renderer,
		Notify:   notifier,
		Limiter:  ratelimit.New(ratelimit.Config{PerMin: cfg.Rate.PerMin, Burst: cfg.Rate.Burst}),
		Logger:   logger,
	}
	if a.catalog != nil {
		apiDeps.Catalog = a.catalog
	}
	server, err := api.New(api.Config{
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		TracingService: tracingService,
		Version:        cfg.Version,
	}, apiDeps)
	if err != nil {
		return nil, err
	}
	a.server = server

	manager, err := NewManager(ServerConfig{
		Listen:        cfg.Listen,
		MetricsListen: cfg.MetricsListen,
		ReadTimeout:   cfg.HTTP.RequestTimeout,
	}, server.Router(), promhttp.Handler(), server, logger)
	if err != nil {
		return nil, err
	}
	manager.RegisterShutdownHook("resources", a.closeResources)
	a.manager = manager

	ok = true
	return a, nil
}

// buildResolver assembles the configured cache backend. The off backend
// still goes through a resolver so the pipeline's lookup path is uniform.
func (a *App) buildResolver(logger zerolog.Logger) (*cache.Resolver, error) {
	var backend cache.Cache
	switch a.cfg.Cache.Backend {
	case "redis":
		rc, err := cache.NewRedisCache(cache.RedisConfig{
			Addr:     a.cfg.Cache.Redis.Addr,
			Password: a.cfg.Cache.Redis.Password,
			DB:       a.cfg.Cache.Redis.DB,
		}, a.cfg.Cache.ByteBudget, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis cache: %w", err)
		}
		backend = rc
	case "off":
		backend = cache.NewNoOpCache()
	default:
		backend = cache.NewMemoryCache(a.cfg.Cache.ByteBudget, 5*time.Minute)
	}
	return cache.NewResolver(backend, logger), nil
}

// Run serves until ctx is cancelled or a listener fails. The background
// loops stop with the same context; resource teardown happens inside the
// manager's shutdown sequence, after the listeners have drained.
func (a *App) Run(ctx context.Context) error {
	if a.catalog != nil {
		if err := a.catalog.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("asset watch unavailable; catalog is static until restart")
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.reapLoop(ctx)
		return nil
	})
	g.Go(func() error {
		gc := artifact.GC{Store: a.store, Index: a.index, Logger: a.logger}
		gc.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.manager.Start(ctx)
	})
	return g.Wait()
}

// Close releases every resource without serving. Run reaches the same
// code through the manager's shutdown hooks; Close is for boot-only
// callers and for New's own unwind path.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.closeResources(ctx)
}

func (a *App) closeResources(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.coordinator != nil {
			a.coordinator.Close()
		}
		if a.catalog != nil {
			if err := a.catalog.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close asset catalog: %w", err))
			}
		}
		if a.index != nil {
			if err := a.index.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close artifact index: %w", err))
			}
		}
		if a.tracing != nil {
			if err := a.tracing.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shut down telemetry: %w", err))
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.jobs.Reap(now); n > 0 {
				a.logger.Debug().Int("jobs", n).Msg("reaped expired job records")
			}
		}
	}
}
