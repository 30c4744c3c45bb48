package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MALLPANEL_AUTH_SESSION_SECRET", testSecret)
	t.Setenv("MALLPANEL_DATABASE_DSN", "postgres://localhost/mall")
	t.Setenv("MALLPANEL_REDIS_ENABLED", "true")
	t.Setenv("MALLPANEL_SERVER_RATE_BURST", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Server.RateBurst)
	assert.Equal(t, "postgres://localhost/mall", cfg.Database.DSN)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Redis.TTL)
	assert.Equal(t, 12*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 3*time.Second, cfg.Audit.WriteTimeout)
	assert.Equal(t, 16, cfg.Audit.StreamBuffer)
	assert.Empty(t, cfg.Server.TrustedProxies)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mallpanel.yaml")
	body := []byte(`
server:
  addr: ":9999"
  trusted_proxies: ["10.0.0.0/8", "192.0.2.1"]
auth:
  session_secret: "` + testSecret + `"
  session_ttl: 1h
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.Server.TrustedProxies)
	assert.Equal(t, time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MALLPANEL_AUTH_SESSION_SECRET", "short")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_secret")
}
