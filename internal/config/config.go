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

	"datapull/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Llama    LlamaConfig    `mapstructure:"llama"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Dune     DuneConfig     `mapstructure:"dune"`
	Chart    ChartConfig    `mapstructure:"chart"`
	Alerting AlertingConfig `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates the optional PostgreSQL sink.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LlamaConfig covers the DeFiLlama stablecoin chart API.
type LlamaConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Chain          string        `mapstructure:"chain"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// FetchConfig drives the historical fetch job.
type FetchConfig struct {
	InputPath     string        `mapstructure:"input_path"`
	OutputPath    string        `mapstructure:"output_path"`
	EntityDelay   time.Duration `mapstructure:"entity_delay"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RateLimitWait time.Duration `mapstructure:"rate_limit_wait"`
	JitterMin     time.Duration `mapstructure:"jitter_min"`
	JitterMax     time.Duration `mapstructure:"jitter_max"`
}

// DuneConfig captures Dune Analytics connectivity and the ecosystem catalog.
type DuneConfig struct {
	BaseURL        string             `mapstructure:"base_url"`
	APIKey         string             `mapstructure:"api_key"`
	Performance    string             `mapstructure:"performance"`
	RequestTimeout time.Duration      `mapstructure:"request_timeout"`
	PollInterval   time.Duration      `mapstructure:"poll_interval"`
	MaxPolls       int                `mapstructure:"max_polls"`
	Ecosystems     map[string][]int64 `mapstructure:"ecosystems"`
}

// ChartConfig sets PNG rendering defaults.
type ChartConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// AlertingConfig defines run summary routing.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Load builds configuration from file, .env, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("DATAPULL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("dune.api_key", "DATAPULL_DUNE_API_KEY", "DUNE_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

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

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
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
	v.SetDefault("app.name", "datapull")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("llama.base_url", "https://stablecoins.llama.fi")
	v.SetDefault("llama.chain", "avalanche")
	v.SetDefault("llama.request_timeout", "30s")
	v.SetDefault("llama.user_agent", "datapull/1.0")

	v.SetDefault("fetch.input_path", "stablecoins.csv")
	v.SetDefault("fetch.output_path", "avalanche_stablecoins_historical.csv")
	v.SetDefault("fetch.entity_delay", "2s")
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_limit_wait", "10s")
	v.SetDefault("fetch.jitter_min", "1s")
	v.SetDefault("fetch.jitter_max", "3s")

	v.SetDefault("dune.base_url", "https://api.dune.com/api/v1")
	v.SetDefault("dune.request_timeout", "30s")
	v.SetDefault("dune.poll_interval", "5s")
	v.SetDefault("dune.max_polls", 120)
	v.SetDefault("dune.ecosystems", defaultEcosystems())

	v.SetDefault("chart.width", 1280)
	v.SetDefault("chart.height", 720)

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

// defaultEcosystems is typed map[string]any so viper flattens it and file entries merge per key.
func defaultEcosystems() map[string]any {
	return map[string]any{
		"avalanche":      []int64{4488181, 4520939},
		"aptos":          []int64{4525896, 4513061, 4513114},
		"polygon":        []int64{4429367, 4522117, 1480029},
		"polygon_gaming": []int64{1273879, 1480029, 3613078},
		"pos":            []int64{4547776},
		"polygon_dapps":  []int64{2261160},
		"optimism":       []int64{4488197},
		"injective":      []int64{4521597},
		"sei":            []int64{4488192, 4522139},
		"matchain":       []int64{4497195},
		"core":           []int64{4497145, 4524092, 4524322, 4497658},
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
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be greater than zero")
	}
	if c.Fetch.EntityDelay < 0 {
		return fmt.Errorf("fetch.entity_delay cannot be negative")
	}
	if c.Fetch.RateLimitWait < 0 {
		return fmt.Errorf("fetch.rate_limit_wait cannot be negative")
	}
	if c.Fetch.JitterMin < 0 || c.Fetch.JitterMax < c.Fetch.JitterMin {
		return fmt.Errorf("fetch.jitter_min/jitter_max must satisfy 0 <= min <= max")
	}
	if c.Dune.PollInterval <= 0 {
		return fmt.Errorf("dune.poll_interval must be greater than zero")
	}
	if c.Dune.MaxPolls <= 0 {
		return fmt.Errorf("dune.max_polls must be greater than zero")
	}
	if c.Chart.Width <= 0 || c.Chart.Height <= 0 {
		return fmt.Errorf("chart.width and chart.height must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// Catalog returns the immutable ecosystem query table.
func (c *Config) Catalog() QueryCatalog {
	return NewQueryCatalog(c.Dune.Ecosystems)
}
