// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig           `mapstructure:"server"`
	Logging      LoggingConfig          `mapstructure:"logging"`
	Store        StoreConfig            `mapstructure:"store"`
	DB           DBConfig               `mapstructure:"db"`
	Poller       PollerConfig           `mapstructure:"poller"`
	Queue        QueueConfig            `mapstructure:"queue"`
	Orchestrator OrchestratorConfig     `mapstructure:"orchestrator"`
	RateLimits   map[string]QuotaConfig `mapstructure:"rate_limits"`
	Extraction   ExtractionConfig       `mapstructure:"extraction"`
	PubSub       PubSubConfig           `mapstructure:"pubsub"`
	Sources      []SourceConfig         `mapstructure:"sources"`
}

// ServerConfig controls the HTTP observability server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "postgres" or "memory".
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PollerConfig governs the feed polling pass.
type PollerConfig struct {
	BatchSize           int    `mapstructure:"batch_size"`
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
	BatchPauseSeconds   int    `mapstructure:"batch_pause_seconds"`
	UserAgent           string `mapstructure:"user_agent"`
}

// QueueConfig governs extraction queue draining.
type QueueConfig struct {
	Workers    int `mapstructure:"workers"`
	DrainLimit int `mapstructure:"drain_limit"`
}

// OrchestratorConfig governs cycle cadence.
type OrchestratorConfig struct {
	CycleIntervalSeconds     int `mapstructure:"cycle_interval_seconds"`
	AnalyticsIntervalSeconds int `mapstructure:"analytics_interval_seconds"`
	MaxCycles                int `mapstructure:"max_cycles"`
}

// QuotaConfig is one rate-limit resource quota.
type QuotaConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// ExtractionConfig points at the downstream extraction service. An empty
// endpoint selects the no-op extractor.
type ExtractionConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project ID selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	DetectionsTopic  string `mapstructure:"detections_topic"`
	CompletionsTopic string `mapstructure:"completions_topic"`
}

// SourceConfig declares one feed source to register at startup.
type SourceConfig struct {
	ID                   string `mapstructure:"id"`
	FeedURL              string `mapstructure:"feed_url"`
	SiteID               string `mapstructure:"site_id"`
	Kind                 string `mapstructure:"kind"`
	FetchIntervalSeconds int    `mapstructure:"fetch_interval_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEEDHOUND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("poller.batch_size", 20)
	v.SetDefault("poller.fetch_timeout_seconds", 10)
	v.SetDefault("poller.batch_pause_seconds", 2)
	v.SetDefault("poller.user_agent", "feedhound/0.1")
	v.SetDefault("queue.workers", 5)
	v.SetDefault("queue.drain_limit", 0)
	v.SetDefault("orchestrator.cycle_interval_seconds", 300)
	v.SetDefault("orchestrator.analytics_interval_seconds", 3600)
	v.SetDefault("orchestrator.max_cycles", 0)
	v.SetDefault("rate_limits.feed_fetch.max_requests", 200)
	v.SetDefault("rate_limits.feed_fetch.window_seconds", 60)
	v.SetDefault("rate_limits.extraction.max_requests", 60)
	v.SetDefault("rate_limits.extraction.window_seconds", 60)
	v.SetDefault("extraction.timeout_seconds", 30)
	v.SetDefault("pubsub.detections_topic", "feedhound-detections")
	v.SetDefault("pubsub.completions_topic", "feedhound-completions")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Backend {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be postgres or memory, got %q", c.Store.Backend)
	}
	if c.Poller.BatchSize <= 0 {
		return fmt.Errorf("poller.batch_size must be > 0")
	}
	if c.Poller.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("poller.fetch_timeout_seconds must be > 0")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if c.Orchestrator.CycleIntervalSeconds <= 0 {
		return fmt.Errorf("orchestrator.cycle_interval_seconds must be > 0")
	}
	for name, quota := range c.RateLimits {
		if quota.MaxRequests <= 0 {
			return fmt.Errorf("rate_limits.%s.max_requests must be > 0", name)
		}
		if quota.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limits.%s.window_seconds must be > 0", name)
		}
	}
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d].id is required", i)
		}
		if src.FeedURL == "" {
			return fmt.Errorf("sources[%d].feed_url is required", i)
		}
	}
	return nil
}

// CycleInterval returns the orchestrator cycle interval as a Duration.
func (c OrchestratorConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

// AnalyticsInterval returns the analytics cadence as a Duration.
func (c OrchestratorConfig) AnalyticsInterval() time.Duration {
	return time.Duration(c.AnalyticsIntervalSeconds) * time.Second
}
