package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for trenchwatch.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	Store    StoreConfig    `yaml:"store"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Intake   IntakeConfig   `yaml:"intake"`
	Enrich   EnrichConfig   `yaml:"enrich"`
	Sniper   SniperConfig   `yaml:"sniper"`
	Notify   NotifyConfig   `yaml:"notify"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id" env:"TRENCHWATCH_INSTANCE_ID"`
	Environment string `yaml:"environment" env:"TRENCHWATCH_ENV"` // production|staging|development
	LogLevel    string `yaml:"log_level" env:"TRENCHWATCH_LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"TRENCHWATCH_LOG_FORMAT"` // json|text
}

type StoreConfig struct {
	Backend          string        `yaml:"backend" env:"TRENCHWATCH_STORE_BACKEND"` // memory|postgres
	SnapshotPath     string        `yaml:"snapshot_path" env:"TRENCHWATCH_SNAPSHOT_PATH"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	PostgresDSN      string        `yaml:"postgres_dsn" env:"TRENCHWATCH_POSTGRES_DSN"`
	PostgresMaxConns int32         `yaml:"postgres_max_conns"`
}

type UpstreamConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	JupiterURL     string        `yaml:"jupiter_url" env:"TRENCHWATCH_JUPITER_URL"`
	CommunityURL   string        `yaml:"community_url" env:"TRENCHWATCH_COMMUNITY_URL"`
	CommunityHost  string        `yaml:"community_host"`
	RapidAPIKey    string        `yaml:"rapidapi_key" env:"TRENCHWATCH_RAPIDAPI_KEY"`
	DexscreenerURL string        `yaml:"dexscreener_url" env:"TRENCHWATCH_DEXSCREENER_URL"`
	DexpaprikaURL  string        `yaml:"dexpaprika_url" env:"TRENCHWATCH_DEXPAPRIKA_URL"`
}

type IntakeConfig struct {
	MaxCommunityAge time.Duration `yaml:"max_community_age"`
	MetaRetryDelay  time.Duration `yaml:"meta_retry_delay"`

	// Kafka discovery feed; brokers are shared with notify.kafka_brokers.
	FeedEnabled bool   `yaml:"feed_enabled" env:"TRENCHWATCH_FEED_ENABLED"`
	FeedTopic   string `yaml:"feed_topic"`
	FeedGroup   string `yaml:"feed_group"`
}

type EnrichConfig struct {
	DexOffsetsMinutes []int         `yaml:"dex_offsets_minutes"`
	DexFinalizeAfter  time.Duration `yaml:"dex_finalize_after"`
	DexSweepSpec      string        `yaml:"dex_sweep_spec"`

	ATHSpec          string        `yaml:"ath_spec"`
	ATHRefreshSpec   string        `yaml:"ath_refresh_spec"`
	ATHBatchSize     int           `yaml:"ath_batch_size"`
	ATHSpacing       time.Duration `yaml:"ath_spacing"`
	ATHMinAge        time.Duration `yaml:"ath_min_age"`
	ATHMaxCaptureAge time.Duration `yaml:"ath_max_capture_age"`
	LaunchVenue      string        `yaml:"launch_venue"`

	ATHCeiling     float64 `yaml:"ath_ceiling"`
	MaxCandleHigh  float64 `yaml:"max_candle_high"`
	SupplyMultiple float64 `yaml:"supply_multiple"`

	StatsSpec string `yaml:"stats_spec"`
}

type SniperConfig struct {
	CacheBackend string        `yaml:"cache_backend" env:"TRENCHWATCH_SNIPER_CACHE"` // store|redis
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	RedisAddr    string        `yaml:"redis_addr" env:"TRENCHWATCH_REDIS_ADDR"`
	RedisDB      int           `yaml:"redis_db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	PruneSpec    string        `yaml:"prune_spec"`
}

type NotifyConfig struct {
	QueueSize int `yaml:"queue_size"`

	KafkaEnabled bool     `yaml:"kafka_enabled" env:"TRENCHWATCH_KAFKA_ENABLED"`
	KafkaBrokers []string `yaml:"kafka_brokers" env:"TRENCHWATCH_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `yaml:"kafka_topic"`

	ClickHouseEnabled bool          `yaml:"clickhouse_enabled" env:"TRENCHWATCH_CLICKHOUSE_ENABLED"`
	ClickHouseDSN     string        `yaml:"clickhouse_dsn" env:"TRENCHWATCH_CLICKHOUSE_DSN"`
	ClickHouseBatch   int           `yaml:"clickhouse_batch"`
	ClickHouseFlush   time.Duration `yaml:"clickhouse_flush"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr" env:"TRENCHWATCH_HTTP_ADDR"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// Load reads a YAML configuration file, expands ${VAR} references, applies
// TRENCHWATCH_* environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "trenchwatch-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.SnapshotPath == "" {
		cfg.Store.SnapshotPath = "data/store.gob"
	}
	if cfg.Store.SnapshotInterval == 0 {
		cfg.Store.SnapshotInterval = 5 * time.Minute
	}
	if cfg.Store.PostgresMaxConns == 0 {
		cfg.Store.PostgresMaxConns = 10
	}

	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 10 * time.Second
	}
	if cfg.Upstream.MaxRetries == 0 {
		cfg.Upstream.MaxRetries = 2
	}
	if cfg.Upstream.RetryBackoff == 0 {
		cfg.Upstream.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Upstream.JupiterURL == "" {
		cfg.Upstream.JupiterURL = "https://lite-api.jup.ag"
	}
	if cfg.Upstream.CommunityURL == "" {
		cfg.Upstream.CommunityURL = "https://twitter283.p.rapidapi.com"
	}
	if cfg.Upstream.CommunityHost == "" {
		cfg.Upstream.CommunityHost = "twitter283.p.rapidapi.com"
	}
	if cfg.Upstream.DexscreenerURL == "" {
		cfg.Upstream.DexscreenerURL = "https://api.dexscreener.com"
	}
	if cfg.Upstream.DexpaprikaURL == "" {
		cfg.Upstream.DexpaprikaURL = "https://api.dexpaprika.com"
	}

	if cfg.Intake.MaxCommunityAge == 0 {
		cfg.Intake.MaxCommunityAge = 45 * time.Minute
	}
	if cfg.Intake.MetaRetryDelay == 0 {
		cfg.Intake.MetaRetryDelay = 4 * time.Second
	}
	if cfg.Intake.FeedTopic == "" {
		cfg.Intake.FeedTopic = "trenchwatch.discoveries"
	}
	if cfg.Intake.FeedGroup == "" {
		cfg.Intake.FeedGroup = "trenchwatch-intake"
	}

	if len(cfg.Enrich.DexOffsetsMinutes) == 0 {
		cfg.Enrich.DexOffsetsMinutes = []int{1, 5, 15, 30, 60}
	}
	if cfg.Enrich.DexFinalizeAfter == 0 {
		cfg.Enrich.DexFinalizeAfter = 60 * time.Minute
	}
	if cfg.Enrich.DexSweepSpec == "" {
		cfg.Enrich.DexSweepSpec = "@every 5m"
	}
	if cfg.Enrich.ATHSpec == "" {
		cfg.Enrich.ATHSpec = "@every 1m"
	}
	if cfg.Enrich.ATHRefreshSpec == "" {
		cfg.Enrich.ATHRefreshSpec = "@every 6h"
	}
	if cfg.Enrich.ATHBatchSize == 0 {
		cfg.Enrich.ATHBatchSize = 60
	}
	if cfg.Enrich.ATHSpacing == 0 {
		cfg.Enrich.ATHSpacing = 500 * time.Millisecond
	}
	if cfg.Enrich.ATHMinAge == 0 {
		cfg.Enrich.ATHMinAge = 60 * time.Minute
	}
	if cfg.Enrich.ATHMaxCaptureAge == 0 {
		cfg.Enrich.ATHMaxCaptureAge = 12 * time.Hour
	}
	if cfg.Enrich.LaunchVenue == "" {
		cfg.Enrich.LaunchVenue = "pump.fun"
	}
	if cfg.Enrich.ATHCeiling == 0 {
		cfg.Enrich.ATHCeiling = 5_000_000
	}
	if cfg.Enrich.MaxCandleHigh == 0 {
		cfg.Enrich.MaxCandleHigh = 1
	}
	if cfg.Enrich.SupplyMultiple == 0 {
		cfg.Enrich.SupplyMultiple = 1_000_000_000
	}
	if cfg.Enrich.StatsSpec == "" {
		cfg.Enrich.StatsSpec = "@every 1h"
	}

	if cfg.Sniper.CacheBackend == "" {
		cfg.Sniper.CacheBackend = "store"
	}
	if cfg.Sniper.CacheTTL == 0 {
		cfg.Sniper.CacheTTL = 24 * time.Hour
	}
	if cfg.Sniper.RedisAddr == "" {
		cfg.Sniper.RedisAddr = "localhost:6379"
	}
	if cfg.Sniper.KeyPrefix == "" {
		cfg.Sniper.KeyPrefix = "trenchwatch:sniped:"
	}
	if cfg.Sniper.PruneSpec == "" {
		cfg.Sniper.PruneSpec = "@every 1h"
	}

	if cfg.Notify.QueueSize == 0 {
		cfg.Notify.QueueSize = 256
	}
	if len(cfg.Notify.KafkaBrokers) == 0 {
		cfg.Notify.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.Notify.KafkaTopic == "" {
		cfg.Notify.KafkaTopic = "trenchwatch.admin-events"
	}
	if cfg.Notify.ClickHouseDSN == "" {
		cfg.Notify.ClickHouseDSN = "clickhouse://localhost:9000/trenchwatch"
	}
	if cfg.Notify.ClickHouseBatch == 0 {
		cfg.Notify.ClickHouseBatch = 500
	}
	if cfg.Notify.ClickHouseFlush == 0 {
		cfg.Notify.ClickHouseFlush = 5 * time.Second
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8090"
	}
	if cfg.HTTP.HealthInterval == 0 {
		cfg.HTTP.HealthInterval = 30 * time.Second
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be memory or postgres", c.Store.Backend))
	}

	switch c.Sniper.CacheBackend {
	case "store", "redis":
	default:
		errs = append(errs, fmt.Errorf("sniper.cache_backend %q must be store or redis", c.Sniper.CacheBackend))
	}

	prev := 0
	for _, m := range c.Enrich.DexOffsetsMinutes {
		if m <= prev {
			errs = append(errs, fmt.Errorf("enrich.dex_offsets_minutes must be positive and increasing, got %v", c.Enrich.DexOffsetsMinutes))
			break
		}
		prev = m
	}
	if c.Enrich.ATHBatchSize < 1 {
		errs = append(errs, errors.New("enrich.ath_batch_size must be positive"))
	}
	if c.Enrich.ATHCeiling <= 0 || c.Enrich.MaxCandleHigh <= 0 || c.Enrich.SupplyMultiple <= 0 {
		errs = append(errs, errors.New("enrich price limits must be positive"))
	}
	if c.Notify.QueueSize < 1 {
		errs = append(errs, errors.New("notify.queue_size must be positive"))
	}

	return errors.Join(errs...)
}

// Limits converts the configured price thresholds.
func (c EnrichConfig) Limits() coin.Limits {
	return coin.Limits{
		ATHCeiling:     decimal.NewFromFloat(c.ATHCeiling),
		MaxCandleHigh:  decimal.NewFromFloat(c.MaxCandleHigh),
		SupplyMultiple: decimal.NewFromFloat(c.SupplyMultiple),
	}
}

// DexOffsets returns the scheduled DEX check offsets as durations.
func (c EnrichConfig) DexOffsets() []time.Duration {
	out := make([]time.Duration, len(c.DexOffsetsMinutes))
	for i, m := range c.DexOffsetsMinutes {
		out[i] = time.Duration(m) * time.Minute
	}
	return out
}
