// Package config loads runtime settings from .stellasim.yaml, STELLA_* env
// vars and CLI flags through viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned by Load when a setting is out of range.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all runtime configuration for a simulation run.
type Config struct {
	DBPath          string        `mapstructure:"db_path"`
	Scenario        string        `mapstructure:"scenario"` // YAML scenario; empty = generate from seed
	Seed            int64         `mapstructure:"seed"`
	Sites           int           `mapstructure:"sites"` // Generated site count when no scenario is given
	Speed           float64       `mapstructure:"speed"`
	Interval        time.Duration `mapstructure:"interval"` // One tick = one sim-day
	Workers         int           `mapstructure:"workers"`
	ProductionEvery uint64        `mapstructure:"production_every"`
	ReportEvery     uint64        `mapstructure:"report_every"`
	SaveEvery       uint64        `mapstructure:"save_every"`
	APIPort         int           `mapstructure:"api_port"` // 0 disables the HTTP API
	AdminKey        string        `mapstructure:"admin_key"`
	TrustProxy      bool          `mapstructure:"trust_proxy"` // Honour X-Forwarded-For for rate limits
	Verbose         bool          `mapstructure:"verbose"`
}

// SetDefaults registers built-in defaults on viper.
func SetDefaults() {
	viper.SetDefault("db_path", "data/stella.db")
	viper.SetDefault("scenario", "")
	viper.SetDefault("seed", 42)
	viper.SetDefault("sites", 24)
	viper.SetDefault("speed", 1.0)
	viper.SetDefault("interval", "1s")
	viper.SetDefault("workers", 4)
	viper.SetDefault("production_every", 1)
	viper.SetDefault("report_every", 30)
	viper.SetDefault("save_every", 30)
	viper.SetDefault("api_port", 8080)
	viper.SetDefault("admin_key", "")
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("verbose", false)
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() (Config, error) {
	SetDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, c.Workers)
	case c.ProductionEvery < 1:
		return fmt.Errorf("%w: production_every must be at least 1", ErrInvalidConfig)
	case c.ReportEvery < 1:
		return fmt.Errorf("%w: report_every must be at least 1", ErrInvalidConfig)
	case c.SaveEvery < 1:
		return fmt.Errorf("%w: save_every must be at least 1", ErrInvalidConfig)
	case c.Speed < 0 || c.Speed > 1000:
		return fmt.Errorf("%w: speed must be 0-1000, got %g", ErrInvalidConfig, c.Speed)
	case c.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidConfig, c.Interval)
	case c.Sites < 0:
		return fmt.Errorf("%w: sites must not be negative", ErrInvalidConfig)
	case c.APIPort < 0 || c.APIPort > 65535:
		return fmt.Errorf("%w: api_port %d out of range", ErrInvalidConfig, c.APIPort)
	}
	return nil
}

// Watch re-reads the config file whenever it changes and hands fn the new
// configuration. Invalid edits are logged and ignored.
func Watch(fn func(Config)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := Load()
		if err != nil {
			slog.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		fn(cfg)
	})
	viper.WatchConfig()
}
