package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"anomalywatch/internal/logging"
	"anomalywatch/internal/source"
)

// Detection modes.
const (
	ModeRolling = "rolling"
	ModeCandle  = "candle"
)

const redacted = "***"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app" yaml:"app"`
	Logging   logging.Config  `mapstructure:"logging" yaml:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Detection DetectionConfig `mapstructure:"detection" yaml:"detection"`
	Sources   SourcesConfig   `mapstructure:"sources" yaml:"sources"`
	Alerting  AlertingConfig  `mapstructure:"alerting" yaml:"alerting"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Status    StatusConfig    `mapstructure:"status" yaml:"status"`
	Export    ExportConfig    `mapstructure:"export" yaml:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket" yaml:"align_to_bucket"`
	RunImmediately  bool          `mapstructure:"run_immediately" yaml:"run_immediately"`
	StartupDelay    time.Duration `mapstructure:"startup_delay" yaml:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key" yaml:"advisory_lock_key"`
}

// DetectionConfig holds the process-wide thresholds. They are immutable after Load.
type DetectionConfig struct {
	Modes                  []string        `mapstructure:"modes" yaml:"modes"`
	PercentChangeThreshold float64         `mapstructure:"percent_change_threshold" yaml:"percent_change_threshold"`
	VolumeRatioThreshold   float64         `mapstructure:"volume_ratio_threshold" yaml:"volume_ratio_threshold"`
	LookbackWindow         time.Duration   `mapstructure:"lookback_window" yaml:"lookback_window"`
	CandleIntervals        []time.Duration `mapstructure:"candle_intervals" yaml:"candle_intervals"`
	CandleLimit            int             `mapstructure:"candle_limit" yaml:"candle_limit"`
}

// SourcesConfig selects exchanges and shapes outbound requests.
type SourcesConfig struct {
	Enabled          []string      `mapstructure:"enabled" yaml:"enabled"`
	QuoteAsset       string        `mapstructure:"quote_asset" yaml:"quote_asset"`
	Exclude          []string      `mapstructure:"exclude" yaml:"exclude"`
	ExcludeLeveraged bool          `mapstructure:"exclude_leveraged" yaml:"exclude_leveraged"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestsPerSec   float64       `mapstructure:"requests_per_sec" yaml:"requests_per_sec"`
	Burst            int           `mapstructure:"burst" yaml:"burst"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	Concurrency      int           `mapstructure:"concurrency" yaml:"concurrency"`
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`
	Binance          BinanceConfig `mapstructure:"binance" yaml:"binance"`
	Bybit            BybitConfig   `mapstructure:"bybit" yaml:"bybit"`
}

// BinanceConfig covers the Binance spot API.
type BinanceConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// BybitConfig covers the Bybit v5 API.
type BybitConfig struct {
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	Category string `mapstructure:"category" yaml:"category"`
}

// AlertingConfig defines delivery channels.
type AlertingConfig struct {
	Enabled         bool           `mapstructure:"enabled" yaml:"enabled"`
	Timeout         time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries      int            `mapstructure:"max_retries" yaml:"max_retries"`
	RetryMaxElapsed time.Duration  `mapstructure:"retry_max_elapsed" yaml:"retry_max_elapsed"`
	Telegram        TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	Slack           SlackConfig    `mapstructure:"slack" yaml:"slack"`
	Webhook         WebhookConfig  `mapstructure:"webhook" yaml:"webhook"`
}

// TelegramConfig describes the Telegram bot channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	BotToken string `mapstructure:"bot_token" yaml:"bot_token"`
	ChatID   string `mapstructure:"chat_id" yaml:"chat_id"`
	APIBase  string `mapstructure:"api_base" yaml:"api_base"`
}

// SlackConfig describes the Slack channel.
type SlackConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Token   string `mapstructure:"token" yaml:"token"`
	Channel string `mapstructure:"channel" yaml:"channel"`
	APIURL  string `mapstructure:"api_url" yaml:"api_url"`
}

// WebhookConfig describes a generic JSON webhook.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// DatabaseConfig encapsulates the optional PostgreSQL alert journal.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
}

// Enabled reports whether a journal is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.DSN != ""
}

// StatusConfig configures the HTTP status endpoint. An empty Addr disables it.
type StatusConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points" yaml:"max_data_points"`
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ANOMALYWATCH")
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

	cfg.normalize()
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
	v.SetDefault("app.name", "anomalywatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.run_immediately", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x616e6f6d))

	v.SetDefault("detection.modes", []string{ModeRolling})
	v.SetDefault("detection.percent_change_threshold", 7.0)
	v.SetDefault("detection.volume_ratio_threshold", 150.0)
	v.SetDefault("detection.lookback_window", "10m")
	v.SetDefault("detection.candle_intervals", []string{"5m"})
	v.SetDefault("detection.candle_limit", 3)

	v.SetDefault("sources.enabled", []string{"bybit"})
	v.SetDefault("sources.quote_asset", "USDT")
	v.SetDefault("sources.exclude", source.DefaultExclude)
	v.SetDefault("sources.exclude_leveraged", true)
	v.SetDefault("sources.request_timeout", "10s")
	v.SetDefault("sources.requests_per_sec", 10.0)
	v.SetDefault("sources.burst", 10)
	v.SetDefault("sources.max_retries", 2)
	v.SetDefault("sources.concurrency", 8)
	v.SetDefault("sources.binance.base_url", "https://api.binance.com")
	v.SetDefault("sources.bybit.base_url", "https://api.bybit.com")
	v.SetDefault("sources.bybit.category", "linear")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.max_retries", 2)
	v.SetDefault("alerting.retry_max_elapsed", "30s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.slack.enabled", false)
	v.SetDefault("alerting.slack.token", "")
	v.SetDefault("alerting.slack.channel", "")
	v.SetDefault("alerting.slack.api_url", "")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.url", "")

	// Keys need a default for AutomaticEnv to reach them during Unmarshal.
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.retention", "720h")

	v.SetDefault("status.addr", "")

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

func (c *Config) normalize() {
	c.Sources.QuoteAsset = strings.ToUpper(strings.TrimSpace(c.Sources.QuoteAsset))
	c.Sources.Enabled = normalizeList(c.Sources.Enabled, strings.ToLower)
	c.Sources.Exclude = normalizeList(c.Sources.Exclude, strings.ToUpper)
	c.Detection.Modes = normalizeList(c.Detection.Modes, strings.ToLower)
}

func normalizeList(in []string, fold func(string) string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = fold(strings.TrimSpace(s))
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the configuration values. Any error is fatal at startup.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.StartupDelay < 0 {
		return fmt.Errorf("scheduler.startup_delay cannot be negative")
	}

	if err := c.Detection.validate(); err != nil {
		return err
	}
	if err := c.Sources.validate(c.Scheduler.Interval); err != nil {
		return err
	}
	if c.Detection.HasMode(ModeCandle) {
		for _, name := range c.Sources.Enabled {
			for _, interval := range c.Detection.CandleIntervals {
				if !source.SupportsInterval(name, interval) {
					return fmt.Errorf("detection.candle_intervals: %s does not offer %s candles", name, interval)
				}
			}
		}
	}
	if err := c.Alerting.validate(); err != nil {
		return err
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention cannot be negative")
	}
	return nil
}

func (d DetectionConfig) validate() error {
	if len(d.Modes) == 0 {
		return fmt.Errorf("detection.modes must name at least one of %s, %s", ModeRolling, ModeCandle)
	}
	for _, m := range d.Modes {
		if m != ModeRolling && m != ModeCandle {
			return fmt.Errorf("detection.modes: unknown mode %q", m)
		}
	}
	if d.PercentChangeThreshold < 0 {
		return fmt.Errorf("detection.percent_change_threshold cannot be negative")
	}
	if d.VolumeRatioThreshold < 0 {
		return fmt.Errorf("detection.volume_ratio_threshold cannot be negative")
	}
	if d.LookbackWindow <= 0 {
		return fmt.Errorf("detection.lookback_window must be greater than zero")
	}
	if d.HasMode(ModeCandle) {
		if len(d.CandleIntervals) == 0 {
			return fmt.Errorf("detection.candle_intervals must not be empty when candle mode is enabled")
		}
		if d.CandleLimit < 3 {
			return fmt.Errorf("detection.candle_limit must be at least 3 to cover two closed candles and the forming one")
		}
	}
	return nil
}

// HasMode reports whether mode is enabled.
func (d DetectionConfig) HasMode(mode string) bool {
	return slices.Contains(d.Modes, mode)
}

func (s SourcesConfig) validate(pollInterval time.Duration) error {
	if len(s.Enabled) == 0 {
		return fmt.Errorf("sources.enabled must name at least one source")
	}
	for _, name := range s.Enabled {
		if !slices.Contains(source.Names, name) {
			return fmt.Errorf("sources.enabled: %w: %q", source.ErrUnknownSource, name)
		}
	}
	if s.QuoteAsset == "" {
		return fmt.Errorf("sources.quote_asset is required")
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("sources.request_timeout must be greater than zero")
	}
	if s.RequestTimeout >= pollInterval {
		return fmt.Errorf("sources.request_timeout (%s) must be shorter than scheduler.interval (%s)", s.RequestTimeout, pollInterval)
	}
	if s.RequestsPerSec <= 0 {
		return fmt.Errorf("sources.requests_per_sec must be greater than zero")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("sources.max_retries cannot be negative")
	}
	if s.Concurrency <= 0 {
		return fmt.Errorf("sources.concurrency must be greater than zero")
	}
	return nil
}

func (a AlertingConfig) validate() error {
	if a.MaxRetries < 0 {
		return fmt.Errorf("alerting.max_retries cannot be negative")
	}
	if a.Telegram.Enabled {
		if a.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if a.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if a.Slack.Enabled {
		if a.Slack.Token == "" {
			return fmt.Errorf("alerting.slack.token is required")
		}
		if a.Slack.Channel == "" {
			return fmt.Errorf("alerting.slack.channel is required")
		}
	}
	if a.Webhook.Enabled && a.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required")
	}
	if a.Enabled && !a.Telegram.Enabled && !a.Slack.Enabled && !a.Webhook.Enabled {
		return fmt.Errorf("alerting.enabled requires at least one channel")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Redacted returns a copy safe to print, with credentials masked.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	c.Alerting.Telegram.BotToken = mask(c.Alerting.Telegram.BotToken)
	c.Alerting.Slack.Token = mask(c.Alerting.Slack.Token)
	c.Alerting.Webhook.URL = mask(c.Alerting.Webhook.URL)
	c.Database.DSN = mask(c.Database.DSN)

	c.Detection.Modes = slices.Clone(c.Detection.Modes)
	c.Detection.CandleIntervals = slices.Clone(c.Detection.CandleIntervals)
	c.Sources.Enabled = slices.Clone(c.Sources.Enabled)
	c.Sources.Exclude = slices.Clone(c.Sources.Exclude)
	return c
}
