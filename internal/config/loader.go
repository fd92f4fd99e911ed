// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{} // Mechanical tracking of consumed keys
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Wrapper methods for mechanical connection tracking

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envInt64(key string, defaultVal int64) int64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt64(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envStrings(key string, defaultVal []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseStringSlice(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults.
// Order is: parse file (strict) -> apply env -> validate.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFileConfig(&cfg, fileCfg)
	}

	l.mergeEnvConfig(&cfg)

	// Ensure DataDir is absolute to prevent path traversal/platform errors
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}

	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile loads configuration from a YAML file with STRICT parsing.
// Unknown fields cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields

	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	// Strict: Ensure no multiple documents or trailing content
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fileCfg, nil
}

func mergeFileConfig(cfg *AppConfig, f *FileConfig) {
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, v string) {
		if v == "" {
			return
		}
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}

	setStr(&cfg.Listen, f.Listen)
	setStr(&cfg.MetricsListen, f.MetricsListen)
	setStr(&cfg.DataDir, f.DataDir)
	setStr(&cfg.LogLevel, f.LogLevel)

	if f.HTTP.MaxUploadBytes != nil {
		cfg.HTTP.MaxUploadBytes = *f.HTTP.MaxUploadBytes
	}
	setDur(&cfg.HTTP.RequestTimeout, f.HTTP.RequestTimeout)

	setStr(&cfg.Cache.Backend, f.Cache.Backend)
	if f.Cache.ByteBudget != nil {
		cfg.Cache.ByteBudget = *f.Cache.ByteBudget
	}
	setStr(&cfg.Cache.Redis.Addr, f.Cache.Redis.Addr)
	setStr(&cfg.Cache.Redis.Password, f.Cache.Redis.Password)
	if f.Cache.Redis.DB != nil {
		cfg.Cache.Redis.DB = *f.Cache.Redis.DB
	}

	if f.GPU.VRAMBudgetMB != nil {
		cfg.GPU.VRAMBudgetMB = *f.GPU.VRAMBudgetMB
	}
	// Model entries replace defaults per model, not wholesale.
	for name, lim := range f.GPU.Models {
		if cfg.GPU.Models == nil {
			cfg.GPU.Models = make(map[string]ModelLimit)
		}
		cfg.GPU.Models[name] = lim
	}

	setDur(&cfg.Jobs.Deadline, f.Jobs.Deadline)
	setDur(&cfg.Jobs.Retention, f.Jobs.Retention)
	if f.Jobs.MaxActive != nil {
		cfg.Jobs.MaxActive = *f.Jobs.MaxActive
	}

	if f.Rate.PerMin != nil {
		cfg.Rate.PerMin = *f.Rate.PerMin
	}
	if f.Rate.Burst != nil {
		cfg.Rate.Burst = *f.Rate.Burst
	}

	setDur(&cfg.Stages.Detection, f.Stages.Detection)
	setDur(&cfg.Stages.Matting, f.Stages.Matting)
	setDur(&cfg.Stages.TTS, f.Stages.TTS)
	setDur(&cfg.Stages.Prosody, f.Stages.Prosody)
	setDur(&cfg.Stages.TalkingHead, f.Stages.TalkingHead)
	setDur(&cfg.Stages.Mix, f.Stages.Mix)

	if f.Prosody.ConfidenceThreshold != nil {
		cfg.Prosody.ConfidenceThreshold = *f.Prosody.ConfidenceThreshold
	}

	setStr(&cfg.Provider.BaseURL, f.Provider.BaseURL)
	setStr(&cfg.Provider.APIKey, f.Provider.APIKey)
	setStr(&cfg.Provider.WebhookURL, f.Provider.WebhookURL)
	setStr(&cfg.Inference.BaseURL, f.Inference.BaseURL)
	setStr(&cfg.Assets.Dir, f.Assets.Dir)

	if f.Notify.Enabled != nil {
		cfg.Notify.Enabled = *f.Notify.Enabled
	}
	if len(f.Notify.AllowHosts) > 0 {
		cfg.Notify.AllowHosts = f.Notify.AllowHosts
	}
	if len(f.Notify.AllowCIDRs) > 0 {
		cfg.Notify.AllowCIDRs = f.Notify.AllowCIDRs
	}
	if len(f.Notify.AllowPorts) > 0 {
		cfg.Notify.AllowPorts = f.Notify.AllowPorts
	}
	if len(f.Notify.AllowSchemes) > 0 {
		cfg.Notify.AllowSchemes = f.Notify.AllowSchemes
	}

	if f.Telemetry.Enabled != nil {
		cfg.Telemetry.Enabled = *f.Telemetry.Enabled
	}
	setStr(&cfg.Telemetry.Endpoint, f.Telemetry.Endpoint)
	setStr(&cfg.Telemetry.Exporter, f.Telemetry.Exporter)
	if f.Telemetry.SamplingRate != nil {
		cfg.Telemetry.SamplingRate = *f.Telemetry.SamplingRate
	}
}

func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.Listen = l.envString("WISHREEL_LISTEN", cfg.Listen)
	cfg.MetricsListen = l.envString("WISHREEL_METRICS_LISTEN", cfg.MetricsListen)
	cfg.DataDir = l.envString("WISHREEL_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = l.envString("WISHREEL_LOG_LEVEL", cfg.LogLevel)

	cfg.HTTP.MaxUploadBytes = l.envInt64("WISHREEL_MAX_UPLOAD_BYTES", cfg.HTTP.MaxUploadBytes)
	cfg.HTTP.RequestTimeout = l.envDuration("WISHREEL_REQUEST_TIMEOUT", cfg.HTTP.RequestTimeout)

	cfg.Cache.Backend = l.envString("WISHREEL_CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.ByteBudget = l.envInt64("WISHREEL_CACHE_BYTE_BUDGET", cfg.Cache.ByteBudget)
	cfg.Cache.Redis.Addr = l.envString("WISHREEL_REDIS_ADDR", cfg.Cache.Redis.Addr)
	cfg.Cache.Redis.Password = l.envString("WISHREEL_REDIS_PASSWORD", cfg.Cache.Redis.Password)
	cfg.Cache.Redis.DB = l.envInt("WISHREEL_REDIS_DB", cfg.Cache.Redis.DB)

	cfg.GPU.VRAMBudgetMB = l.envInt("WISHREEL_GPU_VRAM_BUDGET_MB", cfg.GPU.VRAMBudgetMB)

	cfg.Jobs.Deadline = l.envDuration("WISHREEL_JOB_DEADLINE", cfg.Jobs.Deadline)
	cfg.Jobs.Retention = l.envDuration("WISHREEL_JOB_RETENTION", cfg.Jobs.Retention)
	cfg.Jobs.MaxActive = l.envInt("WISHREEL_MAX_ACTIVE_JOBS", cfg.Jobs.MaxActive)

	cfg.Rate.PerMin = l.envInt("WISHREEL_RATE_PER_MIN", cfg.Rate.PerMin)
	cfg.Rate.Burst = l.envInt("WISHREEL_RATE_BURST", cfg.Rate.Burst)

	cfg.Stages.Detection = l.envDuration("WISHREEL_TIMEOUT_DETECTION", cfg.Stages.Detection)
	cfg.Stages.Matting = l.envDuration("WISHREEL_TIMEOUT_MATTING", cfg.Stages.Matting)
	cfg.Stages.TTS = l.envDuration("WISHREEL_TIMEOUT_TTS", cfg.Stages.TTS)
	cfg.Stages.Prosody = l.envDuration("WISHREEL_TIMEOUT_PROSODY", cfg.Stages.Prosody)
	cfg.Stages.TalkingHead = l.envDuration("WISHREEL_TIMEOUT_TALKING_HEAD", cfg.Stages.TalkingHead)
	cfg.Stages.Mix = l.envDuration("WISHREEL_TIMEOUT_MIX", cfg.Stages.Mix)

	cfg.Prosody.ConfidenceThreshold = l.envFloat("WISHREEL_PROSODY_CONFIDENCE", cfg.Prosody.ConfidenceThreshold)

	cfg.Provider.BaseURL = l.envString("WISHREEL_PROVIDER_BASE_URL", cfg.Provider.BaseURL)
	cfg.Provider.APIKey = l.envString("WISHREEL_PROVIDER_API_KEY", cfg.Provider.APIKey)
	cfg.Provider.WebhookURL = l.envString("WISHREEL_WEBHOOK_URL", cfg.Provider.WebhookURL)
	cfg.Inference.BaseURL = l.envString("WISHREEL_INFERENCE_BASE_URL", cfg.Inference.BaseURL)
	cfg.Assets.Dir = l.envString("WISHREEL_ASSETS_DIR", cfg.Assets.Dir)

	cfg.Notify.Enabled = l.envBool("WISHREEL_NOTIFY_ENABLED", cfg.Notify.Enabled)
	cfg.Notify.AllowHosts = l.envStrings("WISHREEL_NOTIFY_ALLOW_HOSTS", cfg.Notify.AllowHosts)
	cfg.Notify.AllowCIDRs = l.envStrings("WISHREEL_NOTIFY_ALLOW_CIDRS", cfg.Notify.AllowCIDRs)
	cfg.Notify.AllowSchemes = l.envStrings("WISHREEL_NOTIFY_ALLOW_SCHEMES", cfg.Notify.AllowSchemes)

	cfg.Telemetry.Enabled = l.envBool("WISHREEL_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = l.envString("WISHREEL_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Exporter = l.envString("WISHREEL_OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.SamplingRate = l.envFloat("WISHREEL_OTEL_SAMPLING", cfg.Telemetry.SamplingRate)
}
