// Package config provides YAML configuration loading with validation and
// environment variable substitution for the RPC client.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration.
type Config struct {
	Transport      TransportConfig      `yaml:"transport" json:"transport"`
	Call           CallConfig           `yaml:"call" json:"call"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Fallback       FallbackConfig       `yaml:"fallback" json:"fallback"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Ops            OpsConfig            `yaml:"ops" json:"ops"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// TransportConfig holds the two channel endpoints and connection settings.
type TransportConfig struct {
	PrimaryURL     string        `yaml:"primary_url" json:"primary_url"`         // ws:// or wss:// streaming endpoint
	SecondaryURL   string        `yaml:"secondary_url" json:"secondary_url"`     // http:// or https:// polling base URL
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"` // bound on primary establishment; default: 5s
	TLS            TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds client-side TLS settings for wss/https endpoints.
type TLSConfig struct {
	MinVersion         string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
	CAFile             string `yaml:"ca_file" json:"ca_file"`         // optional extra root CA bundle
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// CallConfig holds per-call defaults applied when invoke options are absent.
type CallConfig struct {
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`         // default: 30s
	Retries    *int          `yaml:"retries" json:"retries"`         // retry budget after the first send; default: 2
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"` // delay before a resend; default: 1s
}

// RetryCount returns the configured retry budget (defaults to 2).
func (c CallConfig) RetryCount() int {
	if c.Retries == nil {
		return 2
	}
	return *c.Retries
}

// RetryConfig holds the backoff policy settings.
type RetryConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`     // default: 1s
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`       // default: 30s
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`     // default: 2.0
	Jitter      *bool         `yaml:"jitter" json:"jitter"`             // default: true
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"` // default: 3
}

// JitterEnabled returns whether jitter is applied (defaults to true).
func (r RetryConfig) JitterEnabled() bool {
	if r.Jitter == nil {
		return true
	}
	return *r.Jitter
}

// CircuitBreakerConfig holds thresholds shared by all circuits.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"` // default: 5
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"` // default: 2
	OpenTimeout      time.Duration `yaml:"open_timeout" json:"open_timeout"`           // default: 30s
}

// FallbackConfig holds transport degradation and recovery settings.
type FallbackConfig struct {
	MaxPrimaryAttempts    int           `yaml:"max_primary_attempts" json:"max_primary_attempts"`       // default: 5
	PrimaryRetryDelay     time.Duration `yaml:"primary_retry_delay" json:"primary_retry_delay"`         // default: 2s
	PollInterval          time.Duration `yaml:"poll_interval" json:"poll_interval"`                     // minimum cadence; default: 5s
	MaxPollInterval       time.Duration `yaml:"max_poll_interval" json:"max_poll_interval"`             // backoff ceiling; default: 30s
	PollBackoffMultiplier float64       `yaml:"poll_backoff_multiplier" json:"poll_backoff_multiplier"` // default: 2.0
	HealthCheckInterval   time.Duration `yaml:"health_check_interval" json:"health_check_interval"`     // primary probe cadence; default: 30s
}

// RateLimitConfig holds the client-side invoke rate limiter settings.
type RateLimitConfig struct {
	Enabled           bool                   `yaml:"enabled" json:"enabled"` // default: false
	RequestsPerSecond float64                `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int                    `yaml:"burst_size" json:"burst_size"`
	Overrides         []FunctionRateOverride `yaml:"overrides" json:"overrides,omitempty"`
}

// FunctionRateOverride overrides the global rate for one server function.
type FunctionRateOverride struct {
	Function          string  `yaml:"function" json:"function"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// LoggingConfig holds structured log output settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// ValidLogLevels are the accepted log level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// OpsConfig holds the local HTTP listener serving health, metrics, and admin.
type OpsConfig struct {
	Port            int           `yaml:"port" json:"port"`                         // default: 9090
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"` // default: 10s
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Transport.ConnectTimeout == 0 {
		cfg.Transport.ConnectTimeout = 5 * time.Second
	}
	if cfg.Transport.TLS.MinVersion == "" {
		cfg.Transport.TLS.MinVersion = "1.2"
	}

	// Call defaults
	if cfg.Call.Timeout == 0 {
		cfg.Call.Timeout = 30 * time.Second
	}
	if cfg.Call.RetryDelay == 0 {
		cfg.Call.RetryDelay = time.Second
	}

	// Retry policy defaults
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 2
	}
	if cb.OpenTimeout == 0 {
		cb.OpenTimeout = 30 * time.Second
	}

	// Fallback defaults
	fb := &cfg.Fallback
	if fb.MaxPrimaryAttempts == 0 {
		fb.MaxPrimaryAttempts = 5
	}
	if fb.PrimaryRetryDelay == 0 {
		fb.PrimaryRetryDelay = 2 * time.Second
	}
	if fb.PollInterval == 0 {
		fb.PollInterval = 5 * time.Second
	}
	if fb.MaxPollInterval == 0 {
		fb.MaxPollInterval = 30 * time.Second
	}
	if fb.PollBackoffMultiplier == 0 {
		fb.PollBackoffMultiplier = 2.0
	}
	if fb.HealthCheckInterval == 0 {
		fb.HealthCheckInterval = 30 * time.Second
	}

	// Rate limit defaults
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 50
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 25
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Ops.Port == 0 {
		cfg.Ops.Port = 9090
	}
	if cfg.Ops.ShutdownTimeout == 0 {
		cfg.Ops.ShutdownTimeout = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	// Transport validation
	if cfg.Transport.PrimaryURL == "" {
		return fmt.Errorf("transport.primary_url is required")
	}
	pu, err := url.Parse(cfg.Transport.PrimaryURL)
	if err != nil {
		return fmt.Errorf("transport.primary_url: invalid URL: %w", err)
	}
	if pu.Scheme != "ws" && pu.Scheme != "wss" {
		return fmt.Errorf("transport.primary_url: scheme must be ws or wss, got %q", pu.Scheme)
	}
	if pu.Host == "" {
		return fmt.Errorf("transport.primary_url: host is required")
	}

	if cfg.Transport.SecondaryURL == "" {
		return fmt.Errorf("transport.secondary_url is required")
	}
	su, err := url.Parse(cfg.Transport.SecondaryURL)
	if err != nil {
		return fmt.Errorf("transport.secondary_url: invalid URL: %w", err)
	}
	if su.Scheme != "http" && su.Scheme != "https" {
		return fmt.Errorf("transport.secondary_url: scheme must be http or https, got %q", su.Scheme)
	}
	if su.Host == "" {
		return fmt.Errorf("transport.secondary_url: host is required")
	}
	if cfg.Transport.ConnectTimeout <= 0 {
		return fmt.Errorf("transport.connect_timeout must be positive")
	}
	if v := cfg.Transport.TLS.MinVersion; v != "1.2" && v != "1.3" {
		return fmt.Errorf("transport.tls.min_version must be \"1.2\" or \"1.3\", got %q", v)
	}

	// Call validation
	if cfg.Call.Timeout <= 0 {
		return fmt.Errorf("call.timeout must be positive")
	}
	if cfg.Call.RetryCount() < 0 {
		return fmt.Errorf("call.retries must be non-negative")
	}
	if cfg.Call.RetryDelay <= 0 {
		return fmt.Errorf("call.retry_delay must be positive")
	}

	// Retry policy validation
	if cfg.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}

	// Circuit breaker validation
	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.success_threshold must be positive")
	}
	if cb.OpenTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.open_timeout must be positive")
	}

	// Fallback validation
	fb := cfg.Fallback
	if fb.MaxPrimaryAttempts < 1 {
		return fmt.Errorf("fallback.max_primary_attempts must be positive")
	}
	if fb.PrimaryRetryDelay <= 0 {
		return fmt.Errorf("fallback.primary_retry_delay must be positive")
	}
	if fb.PollInterval <= 0 {
		return fmt.Errorf("fallback.poll_interval must be positive")
	}
	if fb.MaxPollInterval < fb.PollInterval {
		return fmt.Errorf("fallback.max_poll_interval must be >= fallback.poll_interval")
	}
	if fb.PollBackoffMultiplier < 1 {
		return fmt.Errorf("fallback.poll_backoff_multiplier must be >= 1")
	}
	if fb.HealthCheckInterval <= 0 {
		return fmt.Errorf("fallback.health_check_interval must be positive")
	}

	// Rate limit validation
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if cfg.RateLimit.BurstSize < 1 {
			return fmt.Errorf("rate_limit.burst_size must be positive")
		}
		seen := make(map[string]bool)
		for i, o := range cfg.RateLimit.Overrides {
			if o.Function == "" {
				return fmt.Errorf("rate_limit.overrides[%d].function is required", i)
			}
			if seen[o.Function] {
				return fmt.Errorf("duplicate rate_limit override for function %q", o.Function)
			}
			seen[o.Function] = true
			if o.RequestsPerSecond <= 0 {
				return fmt.Errorf("rate_limit.overrides[%d].requests_per_second must be positive", i)
			}
			if o.BurstSize < 1 {
				return fmt.Errorf("rate_limit.overrides[%d].burst_size must be positive", i)
			}
		}
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.Ops.Port < 1 || cfg.Ops.Port > 65535 {
		return fmt.Errorf("ops.port must be between 1 and 65535, got %d", cfg.Ops.Port)
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if !cfg.Retry.JitterEnabled() {
		warnings = append(warnings, "retry.jitter is disabled; synchronized retries can stampede a recovering server")
	}
	if cfg.Transport.TLS.InsecureSkipVerify {
		warnings = append(warnings, "transport.tls.insecure_skip_verify is enabled; certificate validation is off")
	}
	if cfg.Fallback.PollInterval < time.Second {
		warnings = append(warnings, "fallback.poll_interval is under 1s; polling this aggressively may be rate limited")
	}
	return warnings
}
