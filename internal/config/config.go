package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"candle-move-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Market    MarketConfig    `mapstructure:"market"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig locates the sqlite alert store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig governs scan cadence.
type SchedulerConfig struct {
	PollSeconds  int           `mapstructure:"poll_seconds"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// PollInterval converts the configured cadence into a duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// MarketConfig covers exchange data access.
type MarketConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Interval       string        `mapstructure:"interval"`
	Quote          string        `mapstructure:"quote"`
	Excluded       []string      `mapstructure:"excluded"`
	Concurrency    int           `mapstructure:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExcludedSet returns the exclusion list upper-cased with empty entries dropped.
func (c MarketConfig) ExcludedSet() []string {
	out := make([]string, 0, len(c.Excluded))
	for _, s := range c.Excluded {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// AlertingConfig defines the move threshold and routing.
type AlertingConfig struct {
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MOVEWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindBareEnv(v)

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
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "movewatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("scheduler.poll_seconds", 60)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("market.base_url", "")
	v.SetDefault("market.interval", "15m")
	v.SetDefault("market.quote", "USDT")
	v.SetDefault("market.concurrency", 50)
	v.SetDefault("market.request_timeout", "30s")

	v.SetDefault("alerting.threshold_pct", 6.0)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("database.path", "alerts.db")

	v.SetDefault("export.max_data_points", 100000)
}

// bindBareEnv keeps honouring the bare environment names the original
// deployment used alongside the prefixed ones.
func bindBareEnv(v *viper.Viper) {
	bare := map[string]string{
		"market.interval":             "INTERVAL",
		"market.quote":                "QUOTE",
		"market.excluded":             "EXCLUDED",
		"scheduler.poll_seconds":      "POLL_SECONDS",
		"alerting.threshold_pct":      "THRESHOLD",
		"database.path":               "DB_PATH",
		"alerting.telegram.bot_token": "TELEGRAM_BOT_TOKEN",
		"alerting.telegram.chat_id":   "TELEGRAM_CHAT_ID",
	}
	for key, env := range bare {
		prefixed := "MOVEWATCHER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, env)
	}
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token (TELEGRAM_BOT_TOKEN) 必须配置")
	}
	if c.Alerting.Telegram.ChatID == "" {
		return fmt.Errorf("alerting.telegram.chat_id (TELEGRAM_CHAT_ID) 必须配置")
	}
	if c.Scheduler.PollSeconds <= 0 {
		return fmt.Errorf("scheduler.poll_seconds must be greater than zero")
	}
	if c.Alerting.ThresholdPct <= 0 {
		return fmt.Errorf("alerting.threshold_pct must be greater than zero")
	}
	if c.Market.Interval == "" {
		return fmt.Errorf("market.interval must not be empty")
	}
	if c.Market.Concurrency <= 0 {
		return fmt.Errorf("market.concurrency must be greater than zero")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
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
