// Package config provides configuration management for the calendar spread engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // zone database for minimal containers

	yaml "gopkg.in/yaml.v3"
)

const (
	defaultTimezone      = "America/New_York"
	defaultCheckInterval = "30s"
	defaultDashboardPort = 8080
)

// Supported broker providers
const (
	ProviderIBKR      = "ibkr"
	ProviderSimulated = "simulated"
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Broker         BrokerConfig         `yaml:"broker"`
	Schedule       ScheduleConfig       `yaml:"schedule"`
	Engine         EngineConfig         `yaml:"engine"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Storage        StorageConfig        `yaml:"storage"`
	Dashboard      DashboardConfig      `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	LogFile  string `yaml:"log_file"`  // rotated with lumberjack when set
}

// BrokerConfig defines market gateway settings.
type BrokerConfig struct {
	Provider           string            `yaml:"provider"` // ibkr | simulated
	APIEndpoint        string            `yaml:"api_endpoint"`
	AccountID          string            `yaml:"account_id"`
	Underlying         string            `yaml:"underlying"`
	Timeout            string            `yaml:"timeout"`
	IndexConids        map[string]string `yaml:"index_conids"`
	RateLimitPerSecond float64           `yaml:"rate_limit_per_second"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"` // the local Client Portal gateway uses a self-signed cert
}

// ScheduleConfig defines the tick cadence and the strategy clock.
type ScheduleConfig struct {
	CheckInterval string `yaml:"check_interval"`
	Timezone      string `yaml:"timezone"` // e.g., "America/New_York"
	AutoStart     bool   `yaml:"auto_start"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	OrderPollInterval     string  `yaml:"order_poll_interval"`
	CloseConfirmTimeout   string  `yaml:"close_confirm_timeout"`
	IndexCacheTTL         string  `yaml:"index_cache_ttl"`
	MaxConcurrency        int     `yaml:"max_concurrency"`
	MaxTakeProfitAttempts int     `yaml:"max_take_profit_attempts"`
	TickSize              float64 `yaml:"tick_size"`
}

// RetryConfig bounds gateway retries.
type RetryConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// CircuitBreakerConfig configures the gateway breaker.
type CircuitBreakerConfig struct {
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// StorageConfig defines where strategies and trades live.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // json | sqlite | remote
	Path          string `yaml:"path"`
	RemoteURL     string `yaml:"remote_url"`
	RemoteToken   string `yaml:"remote_token"`
	RemoteTimeout string `yaml:"remote_timeout"`
}

// DashboardConfig defines the control API.
type DashboardConfig struct {
	AuthToken string `yaml:"auth_token"`
	Port      int    `yaml:"port"`
	Enabled   bool   `yaml:"enabled"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = ProviderSimulated
	}
	if c.Broker.Underlying == "" {
		c.Broker.Underlying = "SPX"
	}
	if c.Schedule.CheckInterval == "" {
		c.Schedule.CheckInterval = defaultCheckInterval
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "json"
	}
	if c.Storage.Path == "" && c.Storage.Backend != "remote" {
		c.Storage.Path = "data/strategies.json"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = defaultDashboardPort
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	// Broker validation
	switch c.Broker.Provider {
	case ProviderSimulated:
	case ProviderIBKR:
		if c.Broker.APIEndpoint == "" {
			return fmt.Errorf("broker.api_endpoint is required for provider %q", ProviderIBKR)
		}
	default:
		return fmt.Errorf("broker.provider must be %q or %q", ProviderIBKR, ProviderSimulated)
	}
	if c.IsLive() && c.Broker.Provider == ProviderSimulated {
		return fmt.Errorf("environment.mode 'live' requires a real broker provider")
	}
	if c.Broker.RateLimitPerSecond < 0 {
		return fmt.Errorf("broker.rate_limit_per_second must be >= 0")
	}
	if err := checkDuration("broker.timeout", c.Broker.Timeout); err != nil {
		return err
	}

	// Schedule validation
	d, err := time.ParseDuration(c.Schedule.CheckInterval)
	if err != nil {
		return fmt.Errorf("schedule.check_interval invalid: %w", err)
	}
	if d < time.Second {
		return fmt.Errorf("schedule.check_interval must be at least 1s")
	}
	if d > time.Minute {
		// Entry and exit clocks are minute-granular; a slower cadence can skip them.
		return fmt.Errorf("schedule.check_interval must be at most 1m")
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}

	// Engine validation
	for name, v := range map[string]string{
		"engine.order_poll_interval":   c.Engine.OrderPollInterval,
		"engine.close_confirm_timeout": c.Engine.CloseConfirmTimeout,
		"engine.index_cache_ttl":       c.Engine.IndexCacheTTL,
		"retry.initial_backoff":        c.Retry.InitialBackoff,
		"retry.max_backoff":            c.Retry.MaxBackoff,
		"circuit_breaker.interval":     c.CircuitBreaker.Interval,
		"circuit_breaker.timeout":      c.CircuitBreaker.Timeout,
		"storage.remote_timeout":       c.Storage.RemoteTimeout,
	} {
		if err := checkDuration(name, v); err != nil {
			return err
		}
	}
	if c.Engine.MaxConcurrency < 0 {
		return fmt.Errorf("engine.max_concurrency must be >= 0")
	}
	if c.Engine.MaxTakeProfitAttempts < 0 {
		return fmt.Errorf("engine.max_take_profit_attempts must be >= 0")
	}
	if c.Engine.TickSize < 0 {
		return fmt.Errorf("engine.tick_size must be >= 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.CircuitBreaker.FailureRatio < 0 || c.CircuitBreaker.FailureRatio > 1 {
		return fmt.Errorf("circuit_breaker.failure_ratio must be in [0,1]")
	}

	// Storage validation
	switch c.Storage.Backend {
	case "json", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for backend %q", c.Storage.Backend)
		}
	case "remote":
		if c.Storage.RemoteURL == "" {
			return fmt.Errorf("storage.remote_url is required for backend 'remote'")
		}
	default:
		return fmt.Errorf("storage.backend must be 'json', 'sqlite' or 'remote'")
	}

	// Dashboard validation
	if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be in [1,65535]")
	}

	return nil
}

func checkDuration(name, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", name, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be >= 0", name)
	}
	return nil
}

// duration parses v, returning def when unset or invalid
func duration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// IsLive returns true for live trading.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == "live"
}

// GetCheckInterval returns the configured tick interval.
func (c *Config) GetCheckInterval() time.Duration {
	return duration(c.Schedule.CheckInterval, 30*time.Second)
}

// Location returns the strategy clock's time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		if fallback, err2 := time.LoadLocation(defaultTimezone); err2 == nil {
			return fallback
		}
		// Final fallback to DST-agnostic FixedZone
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// BrokerTimeout returns the per-request gateway timeout
func (c *Config) BrokerTimeout() time.Duration {
	return duration(c.Broker.Timeout, 10*time.Second)
}

// OrderPollInterval returns the order status polling cadence, zero for the default
func (c *Config) OrderPollInterval() time.Duration {
	return duration(c.Engine.OrderPollInterval, 0)
}

// CloseConfirmTimeout returns how long a time exit waits for its fills, zero for the default
func (c *Config) CloseConfirmTimeout() time.Duration {
	return duration(c.Engine.CloseConfirmTimeout, 0)
}

// IndexCacheTTL returns how long an index quote is reused, zero for the default
func (c *Config) IndexCacheTTL() time.Duration {
	return duration(c.Engine.IndexCacheTTL, 0)
}

// RetryBackoff returns the initial and maximum retry backoff, zero for the defaults
func (c *Config) RetryBackoff() (initial, maxBackoff time.Duration) {
	return duration(c.Retry.InitialBackoff, 0), duration(c.Retry.MaxBackoff, 0)
}

// BreakerIntervals returns the breaker's count reset interval and open timeout, zero for the defaults
func (c *Config) BreakerIntervals() (interval, timeout time.Duration) {
	return duration(c.CircuitBreaker.Interval, 0), duration(c.CircuitBreaker.Timeout, 0)
}

// RemoteTimeout returns the remote repository request timeout, zero for the default
func (c *Config) RemoteTimeout() time.Duration {
	return duration(c.Storage.RemoteTimeout, 0)
}
