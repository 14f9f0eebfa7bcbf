package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Auth     AuthConfig     `yaml:"auth"`
	Lease    LeaseConfig    `yaml:"lease"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig holds the HMAC key used to sign the user_id cookie.
// Rotating the secret invalidates every outstanding cookie but not API tokens.
type AuthConfig struct {
	CookieSecret string `yaml:"cookie_secret"`
}

// LeaseConfig tunes lease lifecycle timing. All values are in seconds.
type LeaseConfig struct {
	// DefaultIdleTimeoutSecs is applied when an acquire request does not
	// specify its own idle timeout.
	DefaultIdleTimeoutSecs int `yaml:"default_idle_timeout_secs"`
	// CooldownTimeoutSecs bounds the HTTP call to a provider's cold endpoint.
	CooldownTimeoutSecs int `yaml:"cooldown_timeout_secs"`
}

// Load reads configuration from a YAML file (if it exists) and applies
// environment variable overrides (FLEET_ prefix). When the file does not
// exist, only built-in defaults and environment variables are used — this
// allows the service to start with zero configuration for local development.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{Listen: "0.0.0.0:4000"},
		Postgres: PostgresConfig{
			DSN: "postgres://localhost:5432/fleet?sslmode=disable",
		},
		Auth: AuthConfig{CookieSecret: "fleet-dev-cookie-secret"},
		Lease: LeaseConfig{
			DefaultIdleTimeoutSecs: 600,
			CooldownTimeoutSecs:    10,
		},
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Environment variable overrides (FLEET_ prefix).
	if v := os.Getenv("FLEET_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("FLEET_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("FLEET_COOKIE_SECRET"); v != "" {
		cfg.Auth.CookieSecret = v
	}
	if v := os.Getenv("FLEET_DEFAULT_IDLE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Lease.DefaultIdleTimeoutSecs = n
		}
	}
	if v := os.Getenv("FLEET_COOLDOWN_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Lease.CooldownTimeoutSecs = n
		}
	}

	return cfg, nil
}
