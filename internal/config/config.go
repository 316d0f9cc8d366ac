package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Version is stamped into the default fetch user agent.
var Version = "dev"

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	Log          LogConfig
	Fetch        FetchConfig
	Sync         SyncConfig
	RateLimiting RateLimitConfig
	Alerts       AlertConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	SessionSecret string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string
}

// FetchConfig holds outbound feed fetch configuration.
type FetchConfig struct {
	Timeout         time.Duration
	MaxBytes        int64
	UserAgent       string
	AllowPrivateIPs bool
}

// SyncConfig holds scheduler, state machine and refresh interval configuration.
type SyncConfig struct {
	Workers          int
	SchedulerTick    time.Duration
	LeaseTimeout     time.Duration
	FailureThreshold int
	RetryBase        time.Duration
	MaxBackoff       time.Duration
	DefaultInterval  time.Duration
	MinInterval      time.Duration
	MaxInterval      time.Duration
	LogRetentionDays int
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// AlertConfig holds alert notification configuration.
type AlertConfig struct {
	WebhookURL      string
	EmailEnabled    bool
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SMTPTo          []string
	SMTPTLS         bool
	CooldownMinutes int
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	var err error

	// Server configuration
	if cfg.Server.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.BaseURL = getEnv("BASE_URL", "http://localhost:8080")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	// Security configuration
	cfg.Security.SessionSecret = getEnvRequired("SESSION_SECRET")
	if cfg.Security.SessionSecret != "" && len(cfg.Security.SessionSecret) < 32 {
		return nil, ErrSessionSecretSize
	}

	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calsync.db")
	cfg.Log.Level = getEnv("LOG_LEVEL", "info")

	// Fetch configuration
	fetchTimeout, err := getEnvInt("FETCH_TIMEOUT_SECS", 30)
	if err != nil {
		return nil, fmt.Errorf("%w: FETCH_TIMEOUT_SECS: %w", ErrInvalidConfig, err)
	}
	cfg.Fetch.Timeout = time.Duration(fetchTimeout) * time.Second

	maxBytes, err := getEnvInt("FETCH_MAX_BYTES", 10<<20)
	if err != nil {
		return nil, fmt.Errorf("%w: FETCH_MAX_BYTES: %w", ErrInvalidConfig, err)
	}
	cfg.Fetch.MaxBytes = int64(maxBytes)
	cfg.Fetch.UserAgent = getEnv("USER_AGENT", DefaultUserAgent())
	if cfg.Fetch.AllowPrivateIPs, err = getEnvBool("ALLOW_PRIVATE_IPS", false); err != nil {
		return nil, fmt.Errorf("%w: ALLOW_PRIVATE_IPS: %w", ErrInvalidConfig, err)
	}

	// Sync configuration
	if cfg.Sync.Workers, err = getEnvInt("SYNC_WORKERS", 4); err != nil {
		return nil, fmt.Errorf("%w: SYNC_WORKERS: %w", ErrInvalidConfig, err)
	}
	tick, err := getEnvInt("SCHEDULER_TICK_SECS", 30)
	if err != nil {
		return nil, fmt.Errorf("%w: SCHEDULER_TICK_SECS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.SchedulerTick = time.Duration(tick) * time.Second

	// Lease defaults to twice the fetch timeout
	lease, err := getEnvInt("LEASE_TIMEOUT_SECS", 2*fetchTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: LEASE_TIMEOUT_SECS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.LeaseTimeout = time.Duration(lease) * time.Second

	if cfg.Sync.FailureThreshold, err = getEnvInt("FAILURE_THRESHOLD", 3); err != nil {
		return nil, fmt.Errorf("%w: FAILURE_THRESHOLD: %w", ErrInvalidConfig, err)
	}
	retryBase, err := getEnvInt("RETRY_BASE_SECS", 300)
	if err != nil {
		return nil, fmt.Errorf("%w: RETRY_BASE_SECS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.RetryBase = time.Duration(retryBase) * time.Second
	maxBackoff, err := getEnvInt("MAX_BACKOFF_SECS", 6*3600)
	if err != nil {
		return nil, fmt.Errorf("%w: MAX_BACKOFF_SECS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.MaxBackoff = time.Duration(maxBackoff) * time.Second

	defInterval, err := getEnvInt("DEFAULT_REFRESH_INTERVAL", 3600)
	if err != nil {
		return nil, fmt.Errorf("%w: DEFAULT_REFRESH_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.DefaultInterval = time.Duration(defInterval) * time.Second
	minInterval, err := getEnvInt("MIN_REFRESH_INTERVAL", 900)
	if err != nil {
		return nil, fmt.Errorf("%w: MIN_REFRESH_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.MinInterval = time.Duration(minInterval) * time.Second
	maxInterval, err := getEnvInt("MAX_REFRESH_INTERVAL", 86400)
	if err != nil {
		return nil, fmt.Errorf("%w: MAX_REFRESH_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.MaxInterval = time.Duration(maxInterval) * time.Second

	if cfg.Sync.LogRetentionDays, err = getEnvInt("LOG_RETENTION_DAYS", 30); err != nil {
		return nil, fmt.Errorf("%w: LOG_RETENTION_DAYS: %w", ErrInvalidConfig, err)
	}

	// Rate limiting configuration
	if cfg.RateLimiting.RPS, err = getEnvFloat("RATE_LIMIT_RPS", 10.0); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.RateLimiting.Burst, err = getEnvInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}

	// Alert configuration
	cfg.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	if cfg.Alerts.EmailEnabled, err = getEnvBool("ALERT_EMAIL_ENABLED", false); err != nil {
		return nil, fmt.Errorf("%w: ALERT_EMAIL_ENABLED: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.SMTPHost = getEnv("SMTP_HOST", "")
	if cfg.Alerts.SMTPPort, err = getEnvInt("SMTP_PORT", 587); err != nil {
		return nil, fmt.Errorf("%w: SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.SMTPUsername = getEnv("SMTP_USERNAME", "")
	cfg.Alerts.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	cfg.Alerts.SMTPFrom = getEnv("SMTP_FROM", "")
	cfg.Alerts.SMTPTo = splitList(getEnv("SMTP_TO", ""))
	if cfg.Alerts.SMTPTLS, err = getEnvBool("SMTP_TLS", true); err != nil {
		return nil, fmt.Errorf("%w: SMTP_TLS: %w", ErrInvalidConfig, err)
	}
	if cfg.Alerts.CooldownMinutes, err = getEnvInt("ALERT_COOLDOWN_MINUTES", 60); err != nil {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}

	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Security.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	if c.Alerts.EmailEnabled && c.Alerts.SMTPHost == "" {
		missing = append(missing, "SMTP_HOST")
	}
	if c.Alerts.EmailEnabled && c.Alerts.SMTPFrom == "" {
		missing = append(missing, "SMTP_FROM")
	}

	return missing
}

// Validate checks value ranges that cannot be expressed by parsing alone.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("%w: PORT must be between 1 and 65535", ErrInvalidConfig)
	case c.Fetch.Timeout <= 0:
		return fmt.Errorf("%w: FETCH_TIMEOUT_SECS must be positive", ErrInvalidConfig)
	case c.Fetch.MaxBytes <= 0:
		return fmt.Errorf("%w: FETCH_MAX_BYTES must be positive", ErrInvalidConfig)
	case c.Sync.Workers < 1:
		return fmt.Errorf("%w: SYNC_WORKERS must be at least 1", ErrInvalidConfig)
	case c.Sync.SchedulerTick < time.Second:
		return fmt.Errorf("%w: SCHEDULER_TICK_SECS must be at least 1", ErrInvalidConfig)
	case c.Sync.LeaseTimeout <= c.Fetch.Timeout:
		return fmt.Errorf("%w: LEASE_TIMEOUT_SECS must exceed FETCH_TIMEOUT_SECS", ErrInvalidConfig)
	case c.Sync.FailureThreshold < 1:
		return fmt.Errorf("%w: FAILURE_THRESHOLD must be at least 1", ErrInvalidConfig)
	case c.Sync.RetryBase <= 0 || c.Sync.MaxBackoff < c.Sync.RetryBase:
		return fmt.Errorf("%w: MAX_BACKOFF_SECS must be at least RETRY_BASE_SECS", ErrInvalidConfig)
	case c.Sync.MinInterval <= 0 || c.Sync.MaxInterval < c.Sync.MinInterval:
		return fmt.Errorf("%w: MAX_REFRESH_INTERVAL must be at least MIN_REFRESH_INTERVAL", ErrInvalidConfig)
	case c.Sync.DefaultInterval < c.Sync.MinInterval || c.Sync.DefaultInterval > c.Sync.MaxInterval:
		return fmt.Errorf("%w: DEFAULT_REFRESH_INTERVAL must be within the refresh interval bounds", ErrInvalidConfig)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// DefaultUserAgent is the identifying header sent with every feed request.
func DefaultUserAgent() string {
	return "calsync/" + Version + " (+https://github.com/hearthly/calsync)"
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %w", err)
	}
	return parsed, nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
