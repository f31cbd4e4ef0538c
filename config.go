package browserpool

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eskriett/browserpool/driver"
)

// Engine selects the automation library that drives a browser.
type Engine string

const (
	EngineCDP        Engine = "cdp"
	EngineRod        Engine = "rod"
	EnginePlaywright Engine = "playwright"
	EngineDocker     Engine = "docker"
)

const (
	defaultShutdownGrace  = 10 * time.Second
	defaultDestroyTimeout = 10 * time.Second
)

// Config is the static configuration of a pool and the browsers it creates.
type Config struct {
	Driver DriverConfig `mapstructure:"driver" yaml:"driver"`
	Pool   PoolConfig   `mapstructure:"pool" yaml:"pool"`
}

// DriverConfig describes how every session's browser is started.
type DriverConfig struct {
	Name   driver.Browser `mapstructure:"name" yaml:"name"`
	Engine Engine         `mapstructure:"engine" yaml:"engine"`
	// ExecutablePath and CommandExecutor are mutually exclusive.
	ExecutablePath  string       `mapstructure:"executable_path" yaml:"executable_path"`
	CommandExecutor string       `mapstructure:"command_executor" yaml:"command_executor"`
	Arguments       []string     `mapstructure:"arguments" yaml:"arguments"`
	Headless        bool         `mapstructure:"headless" yaml:"headless"`
	Stealth         bool         `mapstructure:"stealth" yaml:"stealth"`
	Docker          DockerConfig `mapstructure:"docker" yaml:"docker"`
}

type DockerConfig struct {
	Image          string        `mapstructure:"image" yaml:"image"`
	SeccompProfile string        `mapstructure:"seccomp_profile" yaml:"seccomp_profile"`
	PullTimeout    time.Duration `mapstructure:"pull_timeout" yaml:"pull_timeout"`
}

// PoolConfig bounds and tunes the pool.
type PoolConfig struct {
	// Capacity is the maximum number of live sessions. Zero means "use the
	// host pipeline's concurrency", see WithConcurrency.
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
	// CheckoutTimeout applies to checkouts whose context has no deadline.
	CheckoutTimeout time.Duration `mapstructure:"checkout_timeout" yaml:"checkout_timeout"`
	// MaxLeaseDuration force-discards leases held longer than this. Zero
	// disables the limit.
	MaxLeaseDuration time.Duration `mapstructure:"max_lease_duration" yaml:"max_lease_duration"`
	// ShutdownGrace is how long Shutdown waits for outstanding leases.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	// DestroyTimeout bounds closing a single browser.
	DestroyTimeout time.Duration `mapstructure:"destroy_timeout" yaml:"destroy_timeout"`
	// Prewarm sessions are created by New before it returns.
	Prewarm            int  `mapstructure:"prewarm" yaml:"prewarm"`
	ValidateOnCheckout bool `mapstructure:"validate_on_checkout" yaml:"validate_on_checkout"`
}

// DefaultConfig returns a headless Chrome configuration. Capacity is left
// unset.
func DefaultConfig() Config {
	return Config{
		Driver: DriverConfig{
			Name:      driver.Chrome,
			Arguments: []string{"--ignore-certificate-errors"},
			Headless:  true,
			Docker: DockerConfig{
				Image:       "zenika/alpine-chrome",
				PullTimeout: time.Minute,
			},
		},
		Pool: PoolConfig{
			ShutdownGrace:      defaultShutdownGrace,
			DestroyTimeout:     defaultDestroyTimeout,
			ValidateOnCheckout: true,
		},
	}
}

// WithConcurrency fills an unset capacity from the host pipeline's
// concurrency limit.
func (c Config) WithConcurrency(concurrency int) Config {
	if c.Pool.Capacity <= 0 {
		c.Pool.Capacity = concurrency
	}
	return c
}

// ResolvedEngine returns the configured engine, or the default engine for
// the browser when none is set.
func (c DriverConfig) ResolvedEngine() Engine {
	if c.Engine != "" {
		return c.Engine
	}

	switch c.Name {
	case driver.Firefox, driver.WebKit:
		return EnginePlaywright
	default:
		return EngineCDP
	}
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Driver.Name {
	case "":
		errs = append(errs, errors.New("driver.name must be set"))
	case driver.Chrome, driver.Chromium, driver.Firefox, driver.WebKit:
	default:
		errs = append(errs, fmt.Errorf("driver.name %q is not supported", c.Driver.Name))
	}

	engine := c.Driver.ResolvedEngine()
	switch engine {
	case EngineCDP, EngineRod:
		if c.Driver.Name == driver.Firefox || c.Driver.Name == driver.WebKit {
			errs = append(errs, fmt.Errorf("engine %s cannot drive %s", engine, c.Driver.Name))
		}
	case EngineDocker:
		if c.Driver.Name != driver.Chrome && c.Driver.Name != driver.Chromium {
			errs = append(errs, fmt.Errorf("engine %s cannot drive %s", engine, c.Driver.Name))
		}
		if c.Driver.CommandExecutor != "" || c.Driver.ExecutablePath != "" {
			errs = append(errs, errors.New("engine docker takes neither driver.executable_path nor driver.command_executor"))
		}
	case EnginePlaywright:
	default:
		errs = append(errs, fmt.Errorf("driver.engine %q is not supported", engine))
	}

	if c.Driver.ExecutablePath != "" && c.Driver.CommandExecutor != "" {
		errs = append(errs, errors.New("driver.executable_path and driver.command_executor are mutually exclusive"))
	}

	if c.Pool.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("pool.capacity must be positive, got %d", c.Pool.Capacity))
	}
	if c.Pool.Prewarm < 0 {
		errs = append(errs, fmt.Errorf("pool.prewarm must not be negative, got %d", c.Pool.Prewarm))
	}

	for name, d := range map[string]time.Duration{
		"pool.checkout_timeout":   c.Pool.CheckoutTimeout,
		"pool.max_lease_duration": c.Pool.MaxLeaseDuration,
		"pool.shutdown_grace":     c.Pool.ShutdownGrace,
		"pool.destroy_timeout":    c.Pool.DestroyTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}

	return errors.Join(errs...)
}

func (c DriverConfig) options(logger *zap.Logger) driver.Options {
	return driver.Options{
		Browser:        c.Name,
		ExecutablePath: c.ExecutablePath,
		RemoteURL:      c.CommandExecutor,
		Args:           c.Arguments,
		Headless:       c.Headless,
		Stealth:        c.Stealth,
		Docker: driver.DockerOptions{
			Image:          c.Docker.Image,
			SeccompProfile: c.Docker.SeccompProfile,
			PullTimeout:    c.Docker.PullTimeout,
		},
		Logger: logger,
	}
}
