// Package config loads the command line tool's configuration from defaults,
// an optional YAML file and BROWSERPOOL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/eskriett/browserpool"
)

const envPrefix = "BROWSERPOOL"

// Config is the complete tool configuration.
type Config struct {
	Driver browserpool.DriverConfig `mapstructure:"driver" yaml:"driver"`
	Pool   browserpool.PoolConfig   `mapstructure:"pool" yaml:"pool"`
	Fetch  FetchConfig              `mapstructure:"fetch" yaml:"fetch"`
	Logger LoggerConfig             `mapstructure:"logger" yaml:"logger"`
}

// Browser returns the browser pool part of the configuration.
func (c *Config) Browser() browserpool.Config {
	return browserpool.Config{Driver: c.Driver, Pool: c.Pool}
}

type FetchConfig struct {
	// ConcurrentRequests is the fetch concurrency and the default pool
	// capacity.
	ConcurrentRequests int `mapstructure:"concurrent_requests" yaml:"concurrent_requests"`
	// RateLimit is navigations per second. Zero is unlimited.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	UserAgent string  `mapstructure:"user_agent" yaml:"user_agent"`
	OutputDir string  `mapstructure:"output_dir" yaml:"output_dir"`
}

type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// SetDefaults registers every key with its default value. Keys must be
// registered for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := browserpool.DefaultConfig()

	v.SetDefault("driver.name", string(d.Driver.Name))
	v.SetDefault("driver.engine", "")
	v.SetDefault("driver.executable_path", "")
	v.SetDefault("driver.command_executor", "")
	v.SetDefault("driver.arguments", d.Driver.Arguments)
	v.SetDefault("driver.headless", d.Driver.Headless)
	v.SetDefault("driver.stealth", false)
	v.SetDefault("driver.docker.image", d.Driver.Docker.Image)
	v.SetDefault("driver.docker.seccomp_profile", "")
	v.SetDefault("driver.docker.pull_timeout", d.Driver.Docker.PullTimeout)

	v.SetDefault("pool.capacity", 0)
	v.SetDefault("pool.checkout_timeout", "0s")
	v.SetDefault("pool.max_lease_duration", "0s")
	v.SetDefault("pool.shutdown_grace", d.Pool.ShutdownGrace)
	v.SetDefault("pool.destroy_timeout", d.Pool.DestroyTimeout)
	v.SetDefault("pool.prewarm", 0)
	v.SetDefault("pool.validate_on_checkout", d.Pool.ValidateOnCheckout)

	v.SetDefault("fetch.concurrent_requests", 16)
	v.SetDefault("fetch.rate_limit", 0.0)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.output_dir", "")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "browserpool")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
}

// NewViper returns a viper instance with defaults and environment overrides
// that has read path, or ./browserpool.yaml if it exists when path is empty.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("browserpool")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return v, nil
}

// FromViper decodes and validates the configuration. An unset pool
// capacity follows fetch.concurrent_requests.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Pool = cfg.Browser().WithConcurrency(cfg.Fetch.ConcurrentRequests).Pool

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Load is NewViper followed by FromViper.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// NewDefaultConfig returns the configuration used when nothing is set.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

func (c *Config) Validate() error {
	var errs []error

	if err := c.Browser().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Fetch.ConcurrentRequests <= 0 {
		errs = append(errs, fmt.Errorf("fetch.concurrent_requests must be positive, got %d", c.Fetch.ConcurrentRequests))
	}
	if c.Fetch.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("fetch.rate_limit must not be negative, got %v", c.Fetch.RateLimit))
	}

	switch c.Logger.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logger.format must be console or json, got %q", c.Logger.Format))
	}

	return errors.Join(errs...)
}
