package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"crypto-stats-worker/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Bus       BusConfig       `mapstructure:"bus"`
	Health    HealthConfig    `mapstructure:"health"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs run cadence and history.
type SchedulerConfig struct {
	Cadence         string        `mapstructure:"cadence"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	HistorySize     int           `mapstructure:"history_size"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// IngestConfig shapes a single ingestion run.
type IngestConfig struct {
	Assets     []string      `mapstructure:"assets"`
	BatchSize  int           `mapstructure:"batch_size"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// UpstreamConfig captures the market data API and its retry policy.
type UpstreamConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	VsCurrency        string        `mapstructure:"vs_currency"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// BreakerConfig tunes the run-level circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// BusConfig points at the Redis pub/sub bus and its topics.
type BusConfig struct {
	RedisURL       string `mapstructure:"redis_url"`
	TriggerTopic   string `mapstructure:"trigger_topic"`
	CompletedTopic string `mapstructure:"completed_topic"`
	MetricsTopic   string `mapstructure:"metrics_topic"`
	SampleTopic    string `mapstructure:"sample_topic"`
}

// HealthConfig controls the status HTTP listener.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// AlertingConfig defines operator alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ConfigError reports an invalid or out-of-range setting. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("STATSWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "statsworker")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.cadence", "*/15 * * * *")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.history_size", 100)
	v.SetDefault("scheduler.drain_timeout", "45s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0))

	v.SetDefault("ingest.assets", []string{"bitcoin", "ethereum", "matic-network"})
	v.SetDefault("ingest.batch_size", 5)
	v.SetDefault("ingest.run_timeout", "30s")

	v.SetDefault("upstream.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("upstream.vs_currency", "usd")
	v.SetDefault("upstream.request_timeout", "10s")
	v.SetDefault("upstream.max_attempts", 3)
	v.SetDefault("upstream.retry_initial_delay", "1s")
	v.SetDefault("upstream.retry_max_delay", "30s")
	v.SetDefault("upstream.requests_per_minute", 10)
	v.SetDefault("upstream.user_agent", "statsworker/1.0")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "60s")

	v.SetDefault("bus.trigger_topic", "crypto.update")
	v.SetDefault("bus.completed_topic", "ingestion.completed")
	v.SetDefault("bus.metrics_topic", "worker.metrics")
	v.SetDefault("bus.sample_topic", "crypto.sample")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.addr", ":3001")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the tuning parameters.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Scheduler.Cadence) == "" {
		return invalid("scheduler.cadence", "must be set")
	}
	if c.Scheduler.HistorySize <= 0 {
		return invalid("scheduler.history_size", "must be greater than zero")
	}
	if c.Scheduler.DrainTimeout <= 0 {
		return invalid("scheduler.drain_timeout", "must be greater than zero")
	}
	if len(c.Ingest.Assets) == 0 {
		return invalid("ingest.assets", "must list at least one asset")
	}
	seen := make(map[string]struct{}, len(c.Ingest.Assets))
	for _, asset := range c.Ingest.Assets {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			return invalid("ingest.assets", "must not contain empty ids")
		}
		if _, dup := seen[asset]; dup {
			return invalid("ingest.assets", fmt.Sprintf("contains duplicate id %q", asset))
		}
		seen[asset] = struct{}{}
	}
	if c.Ingest.BatchSize <= 0 {
		return invalid("ingest.batch_size", "must be greater than zero")
	}
	if c.Ingest.RunTimeout <= 0 {
		return invalid("ingest.run_timeout", "must be greater than zero")
	}
	if c.Upstream.BaseURL == "" {
		return invalid("upstream.base_url", "must be set")
	}
	if c.Upstream.RequestTimeout <= 0 {
		return invalid("upstream.request_timeout", "must be greater than zero")
	}
	if c.Upstream.MaxAttempts <= 0 {
		return invalid("upstream.max_attempts", "must be greater than zero")
	}
	if c.Upstream.RetryInitialDelay <= 0 {
		return invalid("upstream.retry_initial_delay", "must be greater than zero")
	}
	if c.Upstream.RetryMaxDelay < c.Upstream.RetryInitialDelay {
		return invalid("upstream.retry_max_delay", "must not be below retry_initial_delay")
	}
	if c.Upstream.RequestsPerMinute < 0 {
		return invalid("upstream.requests_per_minute", "cannot be negative")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return invalid("breaker.failure_threshold", "must be greater than zero")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return invalid("breaker.reset_timeout", "must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return invalid("export.max_data_points", "must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return invalid("alerting.telegram.bot_token", "必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return invalid("alerting.telegram.chat_id", "必须配置")
		}
	}
	return nil
}

// TrackedAssets returns the configured asset ids with whitespace trimmed.
func (c *Config) TrackedAssets() []string {
	assets := make([]string, 0, len(c.Ingest.Assets))
	for _, asset := range c.Ingest.Assets {
		assets = append(assets, strings.TrimSpace(asset))
	}
	return assets
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
