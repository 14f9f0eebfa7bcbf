package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("/tmp/fleet_nonexistent_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:4000", cfg.Server.Listen)
	assert.Equal(t, "postgres://localhost:5432/fleet?sslmode=disable", cfg.Postgres.DSN)
	assert.Equal(t, 600, cfg.Lease.DefaultIdleTimeoutSecs)
	assert.Equal(t, 10, cfg.Lease.CooldownTimeoutSecs)
	assert.NotEmpty(t, cfg.Auth.CookieSecret)
}

func TestLoad_YAMLFile(t *testing.T) {
	yaml := `
server:
  listen: "0.0.0.0:8000"
postgres:
  dsn: "postgres://prod:5432/fleet"
auth:
  cookie_secret: "prod-secret"
lease:
  default_idle_timeout_secs: 900
  cooldown_timeout_secs: 5
`
	tmp := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmp, []byte(yaml), 0644))

	cfg, err := Load(tmp)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Listen)
	assert.Equal(t, "postgres://prod:5432/fleet", cfg.Postgres.DSN)
	assert.Equal(t, "prod-secret", cfg.Auth.CookieSecret)
	assert.Equal(t, 900, cfg.Lease.DefaultIdleTimeoutSecs)
	assert.Equal(t, 5, cfg.Lease.CooldownTimeoutSecs)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmp, []byte(":::not yaml"), 0644))

	_, err := Load(tmp)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FLEET_LISTEN", "0.0.0.0:7070")
	t.Setenv("FLEET_POSTGRES_DSN", "postgres://env:5432/fleet")
	t.Setenv("FLEET_COOKIE_SECRET", "env-secret")
	t.Setenv("FLEET_DEFAULT_IDLE_TIMEOUT", "120")
	t.Setenv("FLEET_COOLDOWN_TIMEOUT", "30")

	cfg, err := Load("/tmp/fleet_nonexistent_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7070", cfg.Server.Listen)
	assert.Equal(t, "postgres://env:5432/fleet", cfg.Postgres.DSN)
	assert.Equal(t, "env-secret", cfg.Auth.CookieSecret)
	assert.Equal(t, 120, cfg.Lease.DefaultIdleTimeoutSecs)
	assert.Equal(t, 30, cfg.Lease.CooldownTimeoutSecs)
}

func TestLoad_InvalidEnvNumbersIgnored(t *testing.T) {
	t.Setenv("FLEET_DEFAULT_IDLE_TIMEOUT", "not-a-number")
	t.Setenv("FLEET_COOLDOWN_TIMEOUT", "-5")

	cfg, err := Load("/tmp/fleet_nonexistent_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 600, cfg.Lease.DefaultIdleTimeoutSecs)
	assert.Equal(t, 10, cfg.Lease.CooldownTimeoutSecs)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	yaml := `
server:
  listen: "0.0.0.0:9999"
`
	tmp := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmp, []byte(yaml), 0644))

	t.Setenv("FLEET_LISTEN", "0.0.0.0:1111")

	cfg, err := Load(tmp)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:1111", cfg.Server.Listen)
}
