// Package config provides configuration management for the chart application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	apperrors "tradechart/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	API   APIConfig   `mapstructure:"api"`
	Chart ChartConfig `mapstructure:"chart"`
	Style StyleConfig `mapstructure:"style"`
	Cache CacheConfig `mapstructure:"cache"`
	Log   LogConfig   `mapstructure:"log"`
}

// APIConfig holds the market data API settings.
type APIConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Retries          int           `mapstructure:"retries"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// ChartConfig holds chart and refresh settings.
type ChartConfig struct {
	Interval     string        `mapstructure:"interval"`
	HistoryLimit int           `mapstructure:"history_limit"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Realtime     bool          `mapstructure:"realtime"`
	Width        int           `mapstructure:"width"`
	Height       int           `mapstructure:"height"`
	Output       string        `mapstructure:"output"`
	Timezone     string        `mapstructure:"timezone"`
}

// StyleConfig holds overlay colors and opacity tiers.
type StyleConfig struct {
	ProfitColor string  `mapstructure:"profit_color"`
	LossColor   string  `mapstructure:"loss_color"`
	HighOpacity float64 `mapstructure:"high_opacity"`
	LowOpacity  float64 `mapstructure:"low_opacity"`
}

// CacheConfig holds the SQLite candle cache settings.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  bool   `mapstructure:"file"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tradechart"
	}
	return filepath.Join(home, ".config", "tradechart")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
// A missing config.toml is created from the template.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Watch re-reads config.toml in configDir whenever it changes and passes every valid
// result to onChange. Edits that fail to decode or validate go to onError and are
// otherwise ignored. The file must already exist.
func Watch(configDir string, onChange func(*Config), onError func(error)) error {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("loading config.toml: %w", err)
	}

	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config: decoding built-in defaults: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("api.base_url", "http://127.0.0.1:8080/api")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("api.retries", 2)
	v.SetDefault("api.breaker_threshold", 5)
	v.SetDefault("api.breaker_cooldown", "30s")

	v.SetDefault("chart.interval", "1h")
	v.SetDefault("chart.history_limit", 500)
	v.SetDefault("chart.poll_interval", "7s")
	v.SetDefault("chart.realtime", true)
	v.SetDefault("chart.width", 1200)
	v.SetDefault("chart.height", 480)
	v.SetDefault("chart.output", "chart.png")
	v.SetDefault("chart.timezone", "UTC")

	v.SetDefault("style.profit_color", "#26a69a")
	v.SetDefault("style.loss_color", "#ef5350")
	v.SetDefault("style.high_opacity", 0.35)
	v.SetDefault("style.low_opacity", 0.12)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.path", filepath.Join(configDir, "candles.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", true)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADECHART_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("TRADECHART_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("TRADECHART_TZ"); v != "" {
		cfg.Chart.Timezone = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "api.base_url must be set")
	}
	if c.API.Retries < 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "api.retries must be non-negative")
	}
	if c.API.BreakerThreshold < 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "api.breaker_threshold must be non-negative")
	}
	if c.Chart.HistoryLimit < 2 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "chart.history_limit must be at least 2")
	}
	if c.Chart.PollInterval < time.Second {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "chart.poll_interval must be at least 1s")
	}
	if c.Chart.Height <= 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "chart.height must be positive")
	}
	if _, err := time.LoadLocation(c.Chart.Timezone); err != nil {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "chart.timezone %q", c.Chart.Timezone)
	}
	for name, op := range map[string]float64{"high_opacity": c.Style.HighOpacity, "low_opacity": c.Style.LowOpacity} {
		if op < 0 || op > 1 {
			return apperrors.Wrapf(apperrors.ErrConfigInvalid, "style.%s must be between 0 and 1", name)
		}
	}
	return nil
}
