// SPDX-License-Identifier: MIT

// Package daemon owns process lifecycle: it boots the wired application,
// runs the API and metrics listeners, supervises the background loops and
// tears everything down in order on shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrMissingAPIHandler is returned when no API handler is wired.
	ErrMissingAPIHandler = errors.New("daemon: API handler is required")
	// ErrAlreadyStarted is returned on a second Start of the same manager.
	ErrAlreadyStarted = errors.New("daemon: manager already started")
	// ErrNotStarted is returned when Shutdown runs before Start.
	ErrNotStarted = errors.New("daemon: manager not started")
)

// ServerConfig bounds the HTTP listeners.
type ServerConfig struct {
	Listen        string
	MetricsListen string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// ShutdownTimeout bounds the whole drain: listeners plus hooks.
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 120 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	return c
}

// ReadinessGate is flipped when the listeners come up and again at the
// start of drain, so load balancers stop routing before connections die.
// *api.Server satisfies it.
type ReadinessGate interface {
	SetReady(bool)
}

// ShutdownHook is one cleanup step. Hooks run in reverse registration
// order, each bounded by the shutdown context.
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Manager runs the HTTP servers and the shutdown sequence.
type Manager struct {
	cfg     ServerConfig
	logger  zerolog.Logger
	api     http.Handler
	metrics http.Handler
	ready   ReadinessGate

	apiServer     *http.Server
	metricsServer *http.Server

	mu       sync.Mutex
	hooks    []namedHook
	started  bool
	stopping bool
}

// NewManager builds a manager. The metrics handler and readiness gate are
// optional.
func NewManager(cfg ServerConfig, apiHandler, metricsHandler http.Handler, ready ReadinessGate, logger zerolog.Logger) (*Manager, error) {
	if apiHandler == nil {
		return nil, ErrMissingAPIHandler
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "daemon").Logger(),
		api:     apiHandler,
		metrics: metricsHandler,
		ready:   ready,
	}, nil
}

// RegisterShutdownHook adds a cleanup step. Last registered runs first.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// Start brings up the listeners, flips readiness on and blocks until the
// context is cancelled or a listener fails, then drains.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str("listen", m.cfg.Listen).
		Str("metrics_listen", m.cfg.MetricsListen).
		Dur("shutdown_timeout", m.cfg.ShutdownTimeout).
		Msg("starting daemon")

	errChan := make(chan error, 2)
	m.startAPIServer(errChan)
	m.startMetricsServer(errChan)

	if m.ready != nil {
		m.ready.SetReady(true)
	}

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("listener failed, draining")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	}
}

func (m *Manager) startAPIServer(errChan chan<- error) {
	m.apiServer = &http.Server{
		Addr:              m.cfg.Listen,
		Handler:           m.api,
		ReadTimeout:       m.cfg.ReadTimeout,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
		WriteTimeout:      m.cfg.WriteTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
		MaxHeaderBytes:    m.cfg.MaxHeaderBytes,
	}
	go func() {
		m.logger.Info().Str("addr", m.cfg.Listen).Msg("API server listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
}

func (m *Manager) startMetricsServer(errChan chan<- error) {
	if m.cfg.MetricsListen == "" || m.metrics == nil {
		return
	}
	m.metricsServer = &http.Server{
		Addr:              m.cfg.MetricsListen,
		Handler:           m.metrics,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
	}
	go func() {
		m.logger.Info().Str("addr", m.cfg.MetricsListen).Msg("metrics server listening")
		if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}

// Shutdown drains in order: readiness off, listeners closed, hooks LIFO.
// It is idempotent; concurrent calls after the first are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.stopping = true
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	if m.ready != nil {
		m.ready.SetReady(false)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Dur("elapsed", time.Since(start)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("elapsed", time.Since(start)).Msg("shutdown hook done")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}
