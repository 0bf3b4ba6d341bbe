// Package config defines the global configuration structure for the
// entitlement service. Configuration is loaded once at process start and is
// immutable thereafter, following 12-Factor principles: values come from the
// OS environment, with an optional .env file for local development.
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"

	"amora/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"amora-entitlement"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Payments PaymentsConfig
	Sweep    SweepConfig
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	// CORS origins for the browser client, comma separated.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
// An empty URL selects the in-memory store, which is only suitable for a
// single process (local development, tests).
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AuthConfig holds bearer token verification settings for the client API.
type AuthConfig struct {
	// TokenSecret signs and verifies the client bearer tokens issued by
	// the auth provider.
	TokenSecret SecretString `envconfig:"AUTH_TOKEN_SECRET" validate:"required"`
}

// PaymentsConfig holds payment provider integration settings.
type PaymentsConfig struct {
	// WebhookSecret verifies provider webhook signatures.
	WebhookSecret SecretString `envconfig:"PAYMENTS_WEBHOOK_SECRET" validate:"required"`
}

// SweepConfig tunes the renewal sweeper process.
type SweepConfig struct {
	Interval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
}

// IsLocal reports whether the service runs in the local environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}
