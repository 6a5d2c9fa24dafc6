// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Crawler   CrawlerConfig             `mapstructure:"crawler"`
	Fetch     FetchConfig               `mapstructure:"fetch"`
	Headless  HeadlessConfig            `mapstructure:"headless"`
	Governor  GovernorConfig            `mapstructure:"governor"`
	Retry     RetryConfig               `mapstructure:"retry"`
	Breaker   BreakerConfig             `mapstructure:"breaker"`
	Identity  IdentityConfig            `mapstructure:"identity"`
	Detector  DetectorConfig            `mapstructure:"detector"`
	Store     StoreConfig               `mapstructure:"store"`
	Queue     QueueConfig               `mapstructure:"queue"`
	Archive   ArchiveConfig             `mapstructure:"archive"`
	Publisher PublisherConfig           `mapstructure:"publisher"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Sources   SourcesConfig             `mapstructure:"sources"`
	Overrides map[string]GovernorLimits `mapstructure:"governor_overrides"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs the run executor.
type CrawlerConfig struct {
	Workers             int `mapstructure:"workers"`
	GraceTimeoutSeconds int `mapstructure:"grace_timeout_seconds"`
	RequeueDelayMs      int `mapstructure:"requeue_delay_ms"`
}

// FetchConfig configures the plain HTTP fetcher.
type FetchConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	MaxParallel   int      `mapstructure:"max_parallel"`
	NavTimeoutSec int      `mapstructure:"nav_timeout_seconds"`
	Sources       []string `mapstructure:"sources"`
}

// GovernorLimits are the per-source pacing limits.
type GovernorLimits struct {
	MaxConcurrent  int `mapstructure:"max_concurrent"`
	IntervalMs     int `mapstructure:"interval_ms"`
	MaxWaitSeconds int `mapstructure:"max_wait_seconds"`
}

// GovernorConfig holds the default pacing limits. Per-source overrides
// live under governor_overrides keyed by source id.
type GovernorConfig struct {
	GovernorLimits `mapstructure:",squash"`
}

// RetryConfig controls backoff between attempts.
type RetryConfig struct {
	MaxAttempts            int `mapstructure:"max_attempts"`
	BaseDelayMs            int `mapstructure:"base_delay_ms"`
	MaxDelaySeconds        int `mapstructure:"max_delay_seconds"`
	BlockedCoolDownSeconds int `mapstructure:"blocked_cooldown_seconds"`
}

// BreakerConfig controls per-source circuit breaking.
type BreakerConfig struct {
	Threshold       int `mapstructure:"threshold"`
	CoolDownSeconds int `mapstructure:"cooldown_seconds"`
}

// IdentityEntry is one crawl identity.
type IdentityEntry struct {
	UserAgent string `mapstructure:"user_agent"`
	ProxyURL  string `mapstructure:"proxy_url"`
}

// IdentityConfig lists crawl identities and rotation behavior.
type IdentityConfig struct {
	Identities             []IdentityEntry `mapstructure:"identities"`
	RecencyWindow          int             `mapstructure:"recency_window"`
	PenaltyCoolDownSeconds int             `mapstructure:"penalty_cooldown_seconds"`
}

// DetectorConfig tunes soft-block detection.
type DetectorConfig struct {
	Keywords  []string `mapstructure:"keywords"`
	Selectors []string `mapstructure:"selectors"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Backend  string `mapstructure:"backend"`
	Depth    int    `mapstructure:"depth"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// ArchiveConfig selects where raw response bodies are kept.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	Bucket      string `mapstructure:"bucket"`
	ContentType string `mapstructure:"content_type"`
}

// PublisherConfig selects the run summary publisher.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SchedulerConfig controls automatic run triggering.
type SchedulerConfig struct {
	Cron            string `mapstructure:"cron"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	HistoryLimit    int    `mapstructure:"history_limit"`
}

// EastMoneyConfig enables the EastMoney kline source. Discover adds the
// full-board stock-list snapshot; FundFlow adds per-stock capital flow
// klines for the same codes.
type EastMoneyConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Codes    []string `mapstructure:"codes"`
	Discover bool     `mapstructure:"discover"`
	FundFlow bool     `mapstructure:"fund_flow"`
}

// NHCCategory is one NHC publication list.
type NHCCategory struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// NHCConfig enables the NHC publication source. Details follows up each
// new publication with a fetch of its article page.
type NHCConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Categories []NHCCategory `mapstructure:"categories"`
	Details    bool          `mapstructure:"details"`
}

// SourcesConfig enables and configures the source adapters.
type SourcesConfig struct {
	EastMoney EastMoneyConfig `mapstructure:"eastmoney"`
	NHC       NHCConfig       `mapstructure:"nhc"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", false)
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.grace_timeout_seconds", 30)
	v.SetDefault("crawler.requeue_delay_ms", 1000)
	v.SetDefault("fetch.timeout_seconds", 20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("governor.max_concurrent", 2)
	v.SetDefault("governor.interval_ms", 500)
	v.SetDefault("governor.max_wait_seconds", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_seconds", 60)
	v.SetDefault("retry.blocked_cooldown_seconds", 300)
	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown_seconds", 600)
	v.SetDefault("identity.recency_window", 2)
	v.SetDefault("identity.penalty_cooldown_seconds", 900)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.key", "crawler:tasks")
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("scheduler.history_limit", 20)
	v.SetDefault("sources.eastmoney.enabled", false)
	v.SetDefault("sources.eastmoney.discover", false)
	v.SetDefault("sources.eastmoney.fund_flow", false)
	v.SetDefault("sources.nhc.enabled", false)
	v.SetDefault("sources.nhc.details", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if len(c.Identity.Identities) == 0 {
		return fmt.Errorf("identity.identities must list at least one entry")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or postgres, got %q", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.Addr == "" {
			return fmt.Errorf("queue.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or redis, got %q", c.Queue.Backend)
	}
	switch c.Archive.Backend {
	case "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be memory, local or gcs, got %q", c.Archive.Backend)
	}
	switch c.Publisher.Backend {
	case "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("publisher.backend must be memory or pubsub, got %q", c.Publisher.Backend)
	}
	if !c.Sources.EastMoney.Enabled && !c.Sources.NHC.Enabled {
		return fmt.Errorf("at least one source must be enabled")
	}
	if c.Sources.EastMoney.Enabled && len(c.Sources.EastMoney.Codes) == 0 {
		return fmt.Errorf("sources.eastmoney.codes must list at least one code")
	}
	if !c.Sources.EastMoney.Enabled && (c.Sources.EastMoney.Discover || c.Sources.EastMoney.FundFlow) {
		return fmt.Errorf("sources.eastmoney.discover and fund_flow require sources.eastmoney.enabled")
	}
	if c.Sources.NHC.Enabled && len(c.Sources.NHC.Categories) == 0 {
		return fmt.Errorf("sources.nhc.categories must list at least one category")
	}
	if c.Sources.NHC.Details && !c.Sources.NHC.Enabled {
		return fmt.Errorf("sources.nhc.details requires sources.nhc.enabled")
	}
	return nil
}

// FetchTimeout converts the configured fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// GraceTimeout converts the run grace window into a duration.
func (c Config) GraceTimeout() time.Duration {
	return time.Duration(c.Crawler.GraceTimeoutSeconds) * time.Second
}

// RequeueDelay converts the throttle requeue spacing into a duration.
func (c Config) RequeueDelay() time.Duration {
	return time.Duration(c.Crawler.RequeueDelayMs) * time.Millisecond
}
