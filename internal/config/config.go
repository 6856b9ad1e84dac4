package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for the collaboration sync service.
// Environment variables are parsed from the COLLABSYNC_ prefix, e.g.
// COLLABSYNC_HTTP_PORT, COLLABSYNC_REMOTE_DRIVER.
type Config struct {
	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Remote store boundary: postgres | rest | memory
	RemoteDriver string `envconfig:"REMOTE_DRIVER" default:"memory"`

	// Postgres Configuration
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// Hosted row API Configuration (PostgREST-style)
	RestBaseURL string `envconfig:"REST_BASE_URL" default:""`
	RestAPIKey  string `envconfig:"REST_API_KEY" default:""`

	// Persist quiet period after the last delta in a burst.
	DebouncePeriod time.Duration `envconfig:"DEBOUNCE_PERIOD" default:"2s"`

	// Local-first cache sync interval.
	SyncInterval time.Duration `envconfig:"SYNC_INTERVAL" default:"30s"`

	// Health probe interval.
	HealthInterval time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`

	// Websocket origin allow pattern. "*" disables the origin check.
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"*"`
}

// ResolveDefaults validates driver selection and its required settings.
func (c *Config) ResolveDefaults() error {
	switch c.RemoteDriver {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("COLLABSYNC_POSTGRES_DSN is required for the postgres driver")
		}
	case "rest":
		if c.RestBaseURL == "" {
			return fmt.Errorf("COLLABSYNC_REST_BASE_URL is required for the rest driver")
		}
	default:
		return fmt.Errorf("unsupported REMOTE_DRIVER: %s", c.RemoteDriver)
	}
	if c.DebouncePeriod <= 0 {
		return fmt.Errorf("DEBOUNCE_PERIOD must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}
	return nil
}

// New creates a new Config by parsing environment variables.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("COLLABSYNC", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("remote_driver", cfg.RemoteDriver).
		Int("http_port", cfg.HTTPPort).
		Dur("debounce_period", cfg.DebouncePeriod).
		Dur("sync_interval", cfg.SyncInterval).
		Msg("Configuration loaded")

	return &cfg, nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
