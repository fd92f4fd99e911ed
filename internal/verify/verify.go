// SPDX-License-Identifier: MIT

// Package verify runs the boot-time environment checks. The daemon calls
// Run before wiring any subsystem: a deployment with an unwritable data
// dir or a mistyped provider URL should die with one clear error instead
// of limping into 500s on the first submission.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/artifact"
	"github.com/wishreel/wishreel/internal/assets"
	platformnet "github.com/wishreel/wishreel/internal/platform/net"
)

// Targets names everything the checks touch. The daemon fills it from the
// resolved configuration plus its path layout.
type Targets struct {
	// DataDir is the writable state root.
	DataDir string
	// ArtifactRoot is the blob store directory under DataDir.
	ArtifactRoot string
	// ProviderURL is the talking-head base endpoint. Required.
	ProviderURL string
	// ProviderKey is the provider credential. Empty only warns; self-hosted
	// render backends run without one.
	ProviderKey string
	// WebhookURL is the callback endpoint registered with the provider.
	// Optional, but must parse when set.
	WebhookURL string
	// InferenceURL is the model gateway endpoint. Required.
	InferenceURL string
	// AssetsDir holds the shipped BGM/voice library. Empty skips the
	// assets checks.
	AssetsDir string
	// AssetsDB is the catalog database path, used to prove the schema
	// migrates on this filesystem.
	AssetsDB string
}

// CheckError reports which boot check failed.
type CheckError struct {
	Check string
	Err   error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("startup check %q failed: %v", e.Check, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

type check struct {
	name string
	run  func(ctx context.Context, t Targets, logger zerolog.Logger) error
}

var checks = []check{
	{"data-dir", checkDataDir},
	{"artifact-store", checkArtifactStore},
	{"provider-url", checkProviderURL},
	{"inference-url", checkInferenceURL},
	{"assets", checkAssets},
}

// Run executes every check in order and stops at the first failure.
func Run(ctx context.Context, t Targets, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "verify").Logger()
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return &CheckError{Check: c.name, Err: err}
		}
		if err := c.run(ctx, t, logger); err != nil {
			return &CheckError{Check: c.name, Err: err}
		}
		logger.Debug().Str("check", c.name).Msg("startup check passed")
	}
	return nil
}

// checkDataDir creates the state root if needed and proves it is
// writable with a probe file, since a read-only bind mount passes a
// plain stat.
func checkDataDir(_ context.Context, t Targets, _ zerolog.Logger) error {
	if t.DataDir == "" {
		return fmt.Errorf("data dir is not configured")
	}
	if err := os.MkdirAll(t.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	probe := filepath.Join(t.DataDir, ".write-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return fmt.Errorf("data dir is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("remove probe file: %w", err)
	}
	return nil
}

// checkArtifactStore round-trips one blob through the content store.
func checkArtifactStore(_ context.Context, t Targets, _ zerolog.Logger) error {
	store, err := artifact.NewStore(t.ArtifactRoot)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	payload := []byte("wishreel startup probe")
	sha, err := store.Put(payload)
	if err != nil {
		return fmt.Errorf("write probe blob: %w", err)
	}
	got, err := store.Get(sha)
	if err != nil {
		return fmt.Errorf("read probe blob back: %w", err)
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("probe blob corrupted on round-trip")
	}
	if err := store.Remove(sha); err != nil {
		return fmt.Errorf("remove probe blob: %w", err)
	}
	return nil
}

func checkProviderURL(_ context.Context, t Targets, logger zerolog.Logger) error {
	if t.ProviderURL == "" {
		return fmt.Errorf("provider base URL is not configured; the render stage cannot run without one")
	}
	if _, ok := platformnet.ParseDirectHTTPURL(t.ProviderURL); !ok {
		return fmt.Errorf("provider base URL %q is not a plain http(s) URL", t.ProviderURL)
	}
	if t.WebhookURL != "" {
		if _, ok := platformnet.ParseDirectHTTPURL(t.WebhookURL); !ok {
			return fmt.Errorf("webhook URL %q is not a plain http(s) URL", t.WebhookURL)
		}
	}
	if t.ProviderKey == "" {
		logger.Warn().Msg("provider API key is empty; fine for self-hosted render backends, the hosted provider will reject submissions")
	}
	return nil
}

func checkInferenceURL(_ context.Context, t Targets, _ zerolog.Logger) error {
	if t.InferenceURL == "" {
		return fmt.Errorf("inference base URL is not configured")
	}
	if _, ok := platformnet.ParseDirectHTTPURL(t.InferenceURL); !ok {
		return fmt.Errorf("inference base URL %q is not a plain http(s) URL", t.InferenceURL)
	}
	return nil
}

// checkAssets proves the asset library is readable and its catalog schema
// migrates. Skipped entirely when no assets dir is configured.
func checkAssets(_ context.Context, t Targets, _ zerolog.Logger) error {
	if t.AssetsDir == "" {
		return nil
	}
	info, err := os.Stat(t.AssetsDir)
	if err != nil {
		return fmt.Errorf("assets dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("assets path %s is not a directory", t.AssetsDir)
	}
	store, err := assets.NewStore(t.AssetsDB)
	if err != nil {
		return fmt.Errorf("migrate asset catalog: %w", err)
	}
	return store.Close()
}
