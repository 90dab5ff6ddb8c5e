package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "http://localhost:8000", cfg.Server.BaseURL)

	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "./data/certifychain.sqlite", cfg.Database.Path)

	require.Equal(t, "certifychain", cfg.Auth.JWT.Issuer)
	require.Equal(t, 24*time.Hour, cfg.Auth.JWT.TTL)
	require.Empty(t, cfg.Auth.JWT.Secret)
	require.Equal(t, "admin", cfg.Auth.Bootstrap.Username)
	require.Empty(t, cfg.Auth.Bootstrap.Password)

	require.False(t, cfg.Email.SMTP.Enabled)
	require.Equal(t, 587, cfg.Email.SMTP.Port)
	require.Equal(t, 10*time.Second, cfg.Email.SMTP.Timeout)

	require.Equal(t, "./data/exports", cfg.Exports.Dir)
	require.Equal(t, 10000, cfg.Exports.RowCap)
	require.Equal(t, 24*time.Hour, cfg.Exports.Retention)

	require.Equal(t, 100, cfg.RateLimit.Requests)
	require.Equal(t, time.Minute, cfg.RateLimit.Window)
	require.Equal(t, "memory", cfg.RateLimit.Store)

	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	contents := `
server:
  port: 9090
  log_level: debug
  allowed_origins:
    - https://a.test
    - https://b.test

auth:
  jwt:
    secret: file-secret
    token_ttl: 90m

rate_limit:
  requests: 25
  window: 30s
  store: database
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Server.AllowedOrigins)

	require.Equal(t, "file-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, 90*time.Minute, cfg.Auth.JWT.TTL)

	require.Equal(t, 25, cfg.RateLimit.Requests)
	require.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	require.Equal(t, "database", cfg.RateLimit.Store)

	// Untouched sections keep their defaults.
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "certifychain", cfg.Auth.JWT.Issuer)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CERTIFYCHAIN_SERVER_PORT", "9001")
	t.Setenv("CERTIFYCHAIN_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("CERTIFYCHAIN_EXPORTS_RETENTION", "48h")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 9001, cfg.Server.Port)
	require.Equal(t, "env-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, 48*time.Hour, cfg.Exports.Retention)
}

func TestApplyRuntimeDefaults(t *testing.T) {
	cfg := &Config{}

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)

	require.True(t, generated["auth.jwt.secret"])
	require.True(t, generated["auth.encryption_key"])
	require.NotEmpty(t, cfg.Auth.JWT.Secret)

	key, err := DecodeKey(cfg.Auth.EncryptionKey)
	require.NoError(t, err)
	require.Len(t, key, 32)

	// A second pass keeps the existing values.
	before := cfg.Auth.JWT.Secret
	generated, err = ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.Empty(t, generated)
	require.Equal(t, before, cfg.Auth.JWT.Secret)
}

func TestApplyRuntimeDefaultsPreservesConfiguredSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.JWT.Secret = "configured"
	cfg.Auth.EncryptionKey = "00112233445566778899aabbccddeeff"

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.Empty(t, generated)
	require.Equal(t, "configured", cfg.Auth.JWT.Secret)
}

func TestDecodeKey(t *testing.T) {
	raw := []byte("0123456789abcdef")

	hexKey, err := DecodeKey("30313233343536373839616263646566")
	require.NoError(t, err)
	require.Equal(t, raw, hexKey)

	b64Key, err := DecodeKey("MDEyMzQ1Njc4OWFiY2RlZg==")
	require.NoError(t, err)
	require.Equal(t, raw, b64Key)

	// Values that are neither hex nor base64 pass through as raw bytes.
	rawKey, err := DecodeKey("not-an-encoded-key!")
	require.NoError(t, err)
	require.Equal(t, []byte("not-an-encoded-key!"), rawKey)

	_, err = DecodeKey("   ")
	require.Error(t, err)
}
