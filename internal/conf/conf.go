// Package conf loads the engine configuration from an optional YAML file,
// applies FLAGWIRE_* environment overrides, and clamps invalid values back to
// defaults.
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalpost/flagwire/internal/model"
)

const APP_NAME = "flagwire"

type Config struct {
	API        APIConfig                     `yaml:"api"`
	Connection model.ConnectionManagerConfig `yaml:"connection"`
	Breaker    model.CircuitBreakerConfig    `yaml:"breaker"`
	Retry      RetryConfig                   `yaml:"retry"`
	Bandwidth  model.BandwidthMonitorConfig  `yaml:"bandwidth"`
	Pool       PoolConfig                    `yaml:"pool"`
	Pipeline   PipelineConfig                `yaml:"pipeline"`
	Events     model.BatchQueueConfig        `yaml:"events"`
	Summaries  model.BatchQueueConfig        `yaml:"summaries"`
	Store      StoreConfig                   `yaml:"store"`
	Realtime   RealtimeConfig                `yaml:"realtime"`
	Diag       DiagConfig                    `yaml:"diag"`
	Logging    LoggingConfig                 `yaml:"logging"`
}

type APIConfig struct {
	BaseURL     string `yaml:"base_url"`
	ClientKey   string `yaml:"client_key"`
	ProxyURL    string `yaml:"proxy_url"`
	EventsPath  string `yaml:"events_path"`
	SummaryPath string `yaml:"summary_path"`
	ConfigPath  string `yaml:"config_path"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type PoolConfig struct {
	MaxConnectionsPerHost int           `yaml:"max_connections_per_host"`
	MaxStreamsPerConn     int           `yaml:"max_streams_per_conn"`
	AcquireTimeout        time.Duration `yaml:"acquire_timeout"`
	AcquirePollInterval   time.Duration `yaml:"acquire_poll_interval"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
}

type PipelineConfig struct {
	MaxBatchSize  int           `yaml:"max_batch_size"`
	CoalesceDelay time.Duration `yaml:"coalesce_delay"`
}

type StoreConfig struct {
	// Backend is "file", "sqlite" or "none".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type RealtimeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type DiagConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Listen       string `yaml:"listen"`
	AllowOrigins string `yaml:"allow_origins"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		API: APIConfig{
			EventsPath:  "/v1/events",
			SummaryPath: "/v1/summaries",
			ConfigPath:  "/v1/config",
		},
		Connection: model.ConnectionManagerConfig{
			InitialReconnectDelay: time.Second,
			MaxReconnectDelay:     30 * time.Second,
			MaxReconnectAttempts:  10,
			HeartbeatInterval:     15 * time.Second,
			StalenessWindow:       60 * time.Second,
		},
		Breaker: model.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 3,
			BaseCooldownMS:   30_000,
			MaxCooldownMS:    300_000,
			BackoffFactor:    2,
			JitterMin:        0.5,
			JitterMax:        1.5,
			DecayWindowMS:    600_000,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      200 * time.Millisecond,
			MaxDelay:          5 * time.Second,
			BackoffMultiplier: 2,
		},
		Bandwidth: model.BandwidthMonitorConfig{
			WindowSize:      60 * time.Second,
			MaxSamples:      50,
			SmoothingFactor: 0.3,
		},
		Pool: PoolConfig{
			MaxConnectionsPerHost: 4,
			MaxStreamsPerConn:     8,
			AcquireTimeout:        2 * time.Second,
			AcquirePollInterval:   50 * time.Millisecond,
			IdleTimeout:           60 * time.Second,
			SweepInterval:         30 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxBatchSize:  10,
			CoalesceDelay: 100 * time.Millisecond,
		},
		Events: model.BatchQueueConfig{
			Capacity:      100,
			FlushInterval: 30 * time.Second,
		},
		Summaries: model.BatchQueueConfig{
			Capacity:      100,
			FlushInterval: 60 * time.Second,
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    "flagwire-pending.bin",
		},
		Realtime: RealtimeConfig{
			Path: "/v1/stream",
		},
		Diag: DiagConfig{
			Listen: "127.0.0.1:8765",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (optional, "" skips the file), applies env overrides and
// sanitizes the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	return Sanitize(cfg), nil
}

func applyEnv(cfg *Config) {
	prefix := strings.ToUpper(APP_NAME) + "_"
	if v := strings.TrimSpace(os.Getenv(prefix + "BASE_URL")); v != "" {
		cfg.API.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "CLIENT_KEY")); v != "" {
		cfg.API.ClientKey = v
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "PROXY_URL")); v != "" {
		cfg.API.ProxyURL = v
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "DIAG_LISTEN")); v != "" {
		cfg.Diag.Listen = v
		cfg.Diag.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "EVENT_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Events.Capacity = n
		}
	}
}

// Sanitize clamps out-of-range values back to defaults rather than failing:
// a misconfigured SDK must still start.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.InitialDelay < 0 {
		cfg.Retry.InitialDelay = def.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		cfg.Retry.MaxDelay = cfg.Retry.InitialDelay
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		cfg.Retry.BackoffMultiplier = def.Retry.BackoffMultiplier
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if cfg.Breaker.BaseCooldownMS <= 0 {
		cfg.Breaker.BaseCooldownMS = def.Breaker.BaseCooldownMS
	}
	if cfg.Breaker.MaxCooldownMS <= 0 {
		cfg.Breaker.MaxCooldownMS = def.Breaker.MaxCooldownMS
	}
	if cfg.Breaker.MaxCooldownMS < cfg.Breaker.BaseCooldownMS {
		cfg.Breaker.MaxCooldownMS = cfg.Breaker.BaseCooldownMS
	}
	if cfg.Breaker.BackoffFactor < 1 {
		cfg.Breaker.BackoffFactor = def.Breaker.BackoffFactor
	}
	if cfg.Breaker.JitterMin <= 0 {
		cfg.Breaker.JitterMin = def.Breaker.JitterMin
	}
	if cfg.Breaker.JitterMax < cfg.Breaker.JitterMin {
		cfg.Breaker.JitterMax = cfg.Breaker.JitterMin
	}
	if cfg.Breaker.DecayWindowMS <= 0 {
		cfg.Breaker.DecayWindowMS = def.Breaker.DecayWindowMS
	}

	if cfg.Connection.InitialReconnectDelay <= 0 {
		cfg.Connection.InitialReconnectDelay = def.Connection.InitialReconnectDelay
	}
	if cfg.Connection.MaxReconnectDelay < cfg.Connection.InitialReconnectDelay {
		cfg.Connection.MaxReconnectDelay = def.Connection.MaxReconnectDelay
	}
	if cfg.Connection.MaxReconnectAttempts <= 0 {
		cfg.Connection.MaxReconnectAttempts = def.Connection.MaxReconnectAttempts
	}
	if cfg.Connection.HeartbeatInterval <= 0 {
		cfg.Connection.HeartbeatInterval = def.Connection.HeartbeatInterval
	}
	if cfg.Connection.StalenessWindow <= 0 {
		cfg.Connection.StalenessWindow = def.Connection.StalenessWindow
	}

	if cfg.Bandwidth.WindowSize <= 0 {
		cfg.Bandwidth.WindowSize = def.Bandwidth.WindowSize
	}
	if cfg.Bandwidth.MaxSamples <= 0 {
		cfg.Bandwidth.MaxSamples = def.Bandwidth.MaxSamples
	}
	if cfg.Bandwidth.SmoothingFactor <= 0 || cfg.Bandwidth.SmoothingFactor > 1 {
		cfg.Bandwidth.SmoothingFactor = def.Bandwidth.SmoothingFactor
	}

	if cfg.Pool.MaxConnectionsPerHost <= 0 {
		cfg.Pool.MaxConnectionsPerHost = def.Pool.MaxConnectionsPerHost
	}
	if cfg.Pool.MaxStreamsPerConn <= 0 {
		cfg.Pool.MaxStreamsPerConn = def.Pool.MaxStreamsPerConn
	}
	if cfg.Pool.AcquireTimeout <= 0 {
		cfg.Pool.AcquireTimeout = def.Pool.AcquireTimeout
	}
	if cfg.Pool.AcquirePollInterval <= 0 {
		cfg.Pool.AcquirePollInterval = def.Pool.AcquirePollInterval
	}
	if cfg.Pool.IdleTimeout <= 0 {
		cfg.Pool.IdleTimeout = def.Pool.IdleTimeout
	}
	if cfg.Pool.SweepInterval <= 0 {
		cfg.Pool.SweepInterval = def.Pool.SweepInterval
	}

	if cfg.Pipeline.MaxBatchSize <= 0 {
		cfg.Pipeline.MaxBatchSize = def.Pipeline.MaxBatchSize
	}
	if cfg.Pipeline.CoalesceDelay <= 0 {
		cfg.Pipeline.CoalesceDelay = def.Pipeline.CoalesceDelay
	}

	if cfg.Events.Capacity <= 0 {
		cfg.Events.Capacity = def.Events.Capacity
	}
	if cfg.Events.FlushInterval <= 0 {
		cfg.Events.FlushInterval = def.Events.FlushInterval
	}
	if cfg.Summaries.Capacity <= 0 {
		cfg.Summaries.Capacity = def.Summaries.Capacity
	}
	if cfg.Summaries.FlushInterval <= 0 {
		cfg.Summaries.FlushInterval = def.Summaries.FlushInterval
	}

	switch cfg.Store.Backend {
	case "file", "sqlite", "none":
	default:
		cfg.Store.Backend = def.Store.Backend
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}

	if cfg.API.EventsPath == "" {
		cfg.API.EventsPath = def.API.EventsPath
	}
	if cfg.API.SummaryPath == "" {
		cfg.API.SummaryPath = def.API.SummaryPath
	}
	if cfg.API.ConfigPath == "" {
		cfg.API.ConfigPath = def.API.ConfigPath
	}
	if cfg.Realtime.Path == "" {
		cfg.Realtime.Path = def.Realtime.Path
	}
	if cfg.Diag.Listen == "" {
		cfg.Diag.Listen = def.Diag.Listen
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	return cfg
}
