// SPDX-License-Identifier: MIT

// Command wishreeld runs the video-message generation daemon: the public
// HTTP API, the stage pipeline behind it and the metrics listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/config"
	"github.com/wishreel/wishreel/internal/daemon"
	"github.com/wishreel/wishreel/internal/log"
)

// Populated via -ldflags at release build time.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheckCLI(os.Args[2:]))
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("wishreeld", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Printf("wishreeld %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return 0
	}

	log.Configure(log.Config{Level: "info", Service: "wishreel"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// An explicit -config wins; otherwise a config.yaml inside the data
	// dir is picked up so a deployment can keep everything in one place.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		dataDir := strings.TrimSpace(os.Getenv("WISHREEL_DATA_DIR"))
		if dataDir != "" {
			autoPath := filepath.Join(dataDir, "config.yaml")
			if _, err := os.Stat(autoPath); err == nil {
				effectivePath = autoPath
			}
		}
	}

	cfg, err := config.NewLoader(effectivePath, version).Load()
	if err != nil {
		logger.Error().Err(err).Str("config_path", effectivePath).Msg("failed to load configuration")
		return 1
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if effectivePath != "" {
		logger.Info().Str("source", "file").Str("path", effectivePath).Msg("configuration loaded")
	} else {
		logger.Info().Str("source", "env+defaults").Msg("configuration loaded")
	}

	app, err := daemon.New(ctx, cfg, log.Base())
	if err != nil {
		logger.Error().Err(err).Msg("boot failed")
		return 1
	}
	defer func() { _ = app.Close() }()

	logger.Info().
		Str("version", version).
		Str("listen", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Msg("wishreel daemon starting")

	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
		return 1
	}
	return 0
}
