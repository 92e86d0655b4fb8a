// Package config defines the process configuration for IRIS binaries.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> SecretProvider (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"log/slog"
	"time"

	"iris/internal/types"
)

// SecretString is an alias for types.SecretString so secrets in Config
// never print.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Database  DatabaseConfig
	Redis     RedisConfig
	Identity  IdentityConfig
	AWS       AWSConfig
	Metrics   MetricsConfig
	Ops       OpsConfig
	Dashboard DashboardConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// DatabaseConfig holds the Profile Store connection and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns        int32         `envconfig:"DB_MIN_CONNS" default:"1" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// RedisConfig holds the relay flag store connection. An empty URL keeps
// relay flags in process memory.
type RedisConfig struct {
	URL       SecretString  `envconfig:"REDIS_URL"`
	KeyPrefix string        `envconfig:"REDIS_KEY_PREFIX" default:"iris"`
	FlagTTL   time.Duration `envconfig:"RELAY_FLAG_TTL" default:"720h"`
}

// IdentityConfig holds the identity service credentials. Without an
// APIKey no identity client is built and account commands are unavailable.
type IdentityConfig struct {
	APIKey  SecretString  `envconfig:"IDENTITY_API_KEY"`
	BaseURL string        `envconfig:"IDENTITY_BASE_URL" default:"https://identitytoolkit.googleapis.com" validate:"url"`
	Timeout time.Duration `envconfig:"IDENTITY_TIMEOUT" default:"10s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"ap-south-1"`

	// AccountEventsQueueURL receives plan, add-on and limit events. Empty
	// disables publishing.
	AccountEventsQueueURL string `envconfig:"ACCOUNT_EVENTS_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// MetricsConfig selects the telemetry backend.
type MetricsConfig struct {
	Backend   string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"IRIS"`
}

// OpsConfig holds the operational listener address.
type OpsConfig struct {
	Addr string `envconfig:"OPS_ADDR" default:":9090" validate:"required"`
}

// DashboardConfig tunes the teacher dashboard activity fetch.
type DashboardConfig struct {
	CacheSize        int           `envconfig:"DASHBOARD_CACHE_SIZE" default:"512" validate:"min=1"`
	CacheTTL         time.Duration `envconfig:"DASHBOARD_CACHE_TTL" default:"5m"`
	FetchConcurrency int           `envconfig:"DASHBOARD_FETCH_CONCURRENCY" default:"8" validate:"min=1,max=64"`
	HistoryLimit     int           `envconfig:"DASHBOARD_HISTORY_LIMIT" default:"50" validate:"min=1"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSecretResolution indicates a failure when resolving secret references.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

// IsLocal reports whether the process runs in local development.
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}

// SlogLevel returns LogLevel as an slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
