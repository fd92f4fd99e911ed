// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"net/url"
)

// Validate checks the resolved configuration for internal consistency.
// It returns the first violation found.
func Validate(cfg AppConfig) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}

	if cfg.HTTP.MaxUploadBytes <= 0 {
		return fmt.Errorf("http.maxUploadBytes must be positive, got %d", cfg.HTTP.MaxUploadBytes)
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("http.requestTimeout must be positive")
	}

	switch cfg.Cache.Backend {
	case "memory", "redis", "off":
	default:
		return fmt.Errorf("cache.backend must be one of memory|redis|off, got %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend != "off" && cfg.Cache.ByteBudget <= 0 {
		return fmt.Errorf("cache.byteBudget must be positive, got %d", cfg.Cache.ByteBudget)
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr required when cache.backend is redis")
	}

	if cfg.GPU.VRAMBudgetMB <= 0 {
		return fmt.Errorf("gpu.vramBudgetMb must be positive, got %d", cfg.GPU.VRAMBudgetMB)
	}
	for name, lim := range cfg.GPU.Models {
		if lim.VRAMCostMB < 0 {
			return fmt.Errorf("gpu.models.%s: vram cost must not be negative", name)
		}
		if lim.VRAMCostMB > cfg.GPU.VRAMBudgetMB {
			return fmt.Errorf("gpu.models.%s: vram cost %d exceeds budget %d", name, lim.VRAMCostMB, cfg.GPU.VRAMBudgetMB)
		}
		if lim.MaxConcurrency < 1 {
			return fmt.Errorf("gpu.models.%s: max concurrency must be at least 1", name)
		}
	}

	if cfg.Jobs.Deadline <= 0 {
		return fmt.Errorf("jobs.deadline must be positive")
	}
	if cfg.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs.retention must be positive")
	}
	if cfg.Jobs.MaxActive < 1 {
		return fmt.Errorf("jobs.maxActive must be at least 1, got %d", cfg.Jobs.MaxActive)
	}

	if cfg.Rate.PerMin < 1 {
		return fmt.Errorf("rate.perMin must be at least 1, got %d", cfg.Rate.PerMin)
	}
	if cfg.Rate.Burst < 1 {
		return fmt.Errorf("rate.burst must be at least 1, got %d", cfg.Rate.Burst)
	}

	stages := map[string]int64{
		"detection":   int64(cfg.Stages.Detection),
		"matting":     int64(cfg.Stages.Matting),
		"tts":         int64(cfg.Stages.TTS),
		"prosody":     int64(cfg.Stages.Prosody),
		"talkingHead": int64(cfg.Stages.TalkingHead),
		"mix":         int64(cfg.Stages.Mix),
	}
	for name, d := range stages {
		if d <= 0 {
			return fmt.Errorf("stageTimeouts.%s must be positive", name)
		}
	}

	if cfg.Prosody.ConfidenceThreshold <= 0 || cfg.Prosody.ConfidenceThreshold > 1 {
		return fmt.Errorf("prosody.confidenceThreshold must be in (0, 1], got %v", cfg.Prosody.ConfidenceThreshold)
	}

	for _, pair := range []struct{ key, val string }{
		{"provider.baseUrl", cfg.Provider.BaseURL},
		{"provider.webhookUrl", cfg.Provider.WebhookURL},
		{"inference.baseUrl", cfg.Inference.BaseURL},
	} {
		if pair.val == "" {
			continue
		}
		u, err := url.Parse(pair.val)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s is not a valid URL: %q", pair.key, pair.val)
		}
	}

	for _, scheme := range cfg.Notify.AllowSchemes {
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("notify.allowSchemes: unsupported scheme %q", scheme)
		}
	}

	switch cfg.Telemetry.Exporter {
	case "grpc", "http":
	default:
		return fmt.Errorf("telemetry.exporter must be grpc or http, got %q", cfg.Telemetry.Exporter)
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry.samplingRate must be in [0, 1], got %v", cfg.Telemetry.SamplingRate)
	}

	return nil
}
