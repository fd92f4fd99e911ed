// SPDX-License-Identifier: MIT

// Package config provides configuration management for wishreel.
// Precedence is ENV > file > defaults.
package config

import (
	"time"
)

// AppConfig is the fully resolved runtime configuration.
type AppConfig struct {
	Listen        string
	MetricsListen string
	DataDir       string
	LogLevel      string
	Version       string

	HTTP      HTTPConfig
	Cache     CacheConfig
	GPU       GPUConfig
	Jobs      JobsConfig
	Rate      RateConfig
	Stages    StageTimeouts
	Prosody   ProsodyConfig
	Provider  ProviderConfig
	Inference InferenceConfig
	Assets    AssetsConfig
	Notify    NotifyConfig
	Telemetry TelemetryConfig
}

// HTTPConfig bounds the inbound HTTP surface.
type HTTPConfig struct {
	MaxUploadBytes int64
	RequestTimeout time.Duration
}

// CacheConfig selects and sizes the result cache.
type CacheConfig struct {
	Backend    string // "memory", "redis" or "off"
	ByteBudget int64
	Redis      RedisConfig
}

// RedisConfig holds connection settings for the redis cache backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ModelLimit declares the admission cost of one registered model.
type ModelLimit struct {
	VRAMCostMB     int `yaml:"vramCostMb"`
	MaxConcurrency int `yaml:"maxConcurrency"`
}

// GPUConfig bounds GPU usage across all jobs.
type GPUConfig struct {
	VRAMBudgetMB int
	Models       map[string]ModelLimit
}

// JobsConfig bounds the job lifecycle.
type JobsConfig struct {
	Deadline  time.Duration
	Retention time.Duration
	MaxActive int
}

// RateConfig is the per-client submission limit.
type RateConfig struct {
	PerMin int
	Burst  int
}

// StageTimeouts holds the per-stage execution deadlines.
type StageTimeouts struct {
	Detection   time.Duration
	Matting     time.Duration
	TTS         time.Duration
	Prosody     time.Duration
	TalkingHead time.Duration
	Mix         time.Duration
}

// ProsodyConfig tunes the prosody acceptance gate.
type ProsodyConfig struct {
	ConfidenceThreshold float64
}

// ProviderConfig holds the talking-head provider endpoint and credentials.
type ProviderConfig struct {
	BaseURL    string
	APIKey     string
	WebhookURL string
}

// InferenceConfig points at the model gateway serving detection, matting,
// TTS and prosody DSP.
type InferenceConfig struct {
	BaseURL string
}

// AssetsConfig locates the BGM/voice asset catalog.
type AssetsConfig struct {
	Dir string
}

// NotifyConfig is the outbound completion-callback policy.
type NotifyConfig struct {
	Enabled      bool
	AllowHosts   []string
	AllowCIDRs   []string
	AllowPorts   []int
	AllowSchemes []string
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled      bool
	Endpoint     string
	Exporter     string // "grpc" or "http"
	SamplingRate float64
}

// FileConfig is the YAML mirror of AppConfig. Optional scalars use pointers
// so "not set" is distinguishable from an explicit zero.
type FileConfig struct {
	Listen        string `yaml:"listen,omitempty"`
	MetricsListen string `yaml:"metricsListen,omitempty"`
	DataDir       string `yaml:"dataDir,omitempty"`
	LogLevel      string `yaml:"logLevel,omitempty"`

	HTTP struct {
		MaxUploadBytes *int64 `yaml:"maxUploadBytes,omitempty"`
		RequestTimeout string `yaml:"requestTimeout,omitempty"`
	} `yaml:"http,omitempty"`

	Cache struct {
		Backend    string `yaml:"backend,omitempty"`
		ByteBudget *int64 `yaml:"byteBudget,omitempty"`
		Redis      struct {
			Addr     string `yaml:"addr,omitempty"`
			Password string `yaml:"password,omitempty"`
			DB       *int   `yaml:"db,omitempty"`
		} `yaml:"redis,omitempty"`
	} `yaml:"cache,omitempty"`

	GPU struct {
		VRAMBudgetMB *int                  `yaml:"vramBudgetMb,omitempty"`
		Models       map[string]ModelLimit `yaml:"models,omitempty"`
	} `yaml:"gpu,omitempty"`

	Jobs struct {
		Deadline  string `yaml:"deadline,omitempty"`
		Retention string `yaml:"retention,omitempty"`
		MaxActive *int   `yaml:"maxActive,omitempty"`
	} `yaml:"jobs,omitempty"`

	Rate struct {
		PerMin *int `yaml:"perMin,omitempty"`
		Burst  *int `yaml:"burst,omitempty"`
	} `yaml:"rate,omitempty"`

	Stages struct {
		Detection   string `yaml:"detection,omitempty"`
		Matting     string `yaml:"matting,omitempty"`
		TTS         string `yaml:"tts,omitempty"`
		Prosody     string `yaml:"prosody,omitempty"`
		TalkingHead string `yaml:"talkingHead,omitempty"`
		Mix         string `yaml:"mix,omitempty"`
	} `yaml:"stageTimeouts,omitempty"`

	Prosody struct {
		ConfidenceThreshold *float64 `yaml:"confidenceThreshold,omitempty"`
	} `yaml:"prosody,omitempty"`

	Provider struct {
		BaseURL    string `yaml:"baseUrl,omitempty"`
		APIKey     string `yaml:"apiKey,omitempty"`
		WebhookURL string `yaml:"webhookUrl,omitempty"`
	} `yaml:"provider,omitempty"`

	Inference struct {
		BaseURL string `yaml:"baseUrl,omitempty"`
	} `yaml:"inference,omitempty"`

	Assets struct {
		Dir string `yaml:"dir,omitempty"`
	} `yaml:"assets,omitempty"`

	Notify struct {
		Enabled      *bool    `yaml:"enabled,omitempty"`
		AllowHosts   []string `yaml:"allowHosts,omitempty"`
		AllowCIDRs   []string `yaml:"allowCidrs,omitempty"`
		AllowPorts   []int    `yaml:"allowPorts,omitempty"`
		AllowSchemes []string `yaml:"allowSchemes,omitempty"`
	} `yaml:"notify,omitempty"`

	Telemetry struct {
		Enabled      *bool    `yaml:"enabled,omitempty"`
		Endpoint     string   `yaml:"endpoint,omitempty"`
		Exporter     string   `yaml:"exporter,omitempty"`
		SamplingRate *float64 `yaml:"samplingRate,omitempty"`
	} `yaml:"telemetry,omitempty"`
}

// Defaults returns the built-in configuration baseline.
func Defaults() AppConfig {
	return AppConfig{
		Listen:        ":8080",
		MetricsListen: ":9090",
		DataDir:       "./data",
		LogLevel:      "info",
		HTTP: HTTPConfig{
			MaxUploadBytes: 10 << 20, // 10 MiB
			RequestTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			ByteBudget: 512 << 20, // 512 MiB
		},
		GPU: GPUConfig{
			VRAMBudgetMB: 8192,
			Models: map[string]ModelLimit{
				"detector": {VRAMCostMB: 1200, MaxConcurrency: 2},
				"matting":  {VRAMCostMB: 2200, MaxConcurrency: 1},
				"tts":      {VRAMCostMB: 512, MaxConcurrency: 4},
			},
		},
		Jobs: JobsConfig{
			Deadline:  180 * time.Second,
			Retention: time.Hour,
			MaxActive: 8,
		},
		Rate: RateConfig{
			PerMin: 30,
			Burst:  5,
		},
		Stages: StageTimeouts{
			Detection:   30 * time.Second,
			Matting:     30 * time.Second,
			TTS:         30 * time.Second,
			Prosody:     10 * time.Second,
			TalkingHead: 120 * time.Second,
			Mix:         15 * time.Second,
		},
		Prosody: ProsodyConfig{
			ConfidenceThreshold: 0.7,
		},
		Inference: InferenceConfig{
			BaseURL: "http://127.0.0.1:9800",
		},
		Notify: NotifyConfig{
			AllowSchemes: []string{"https"},
			AllowPorts:   []int{443},
		},
		Telemetry: TelemetryConfig{
			Exporter:     "http",
			SamplingRate: 1.0,
		},
	}
}
