package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/aegis/pkg/config/provider"
	"github.com/kadirpekel/aegis/pkg/validation"
)

const sampleYAML = `
logger:
  level: debug
server:
  port: 9090
  auth:
    jwks_url: https://auth.example.com/.well-known/jwks.json
    admin_roles: [security-admin]
rate_limiting:
  refill_tick: 250ms
  rules:
    - id: api
      pattern: /api/
      scope: user
      priority: 5
      bucket:
        capacity: 20
        refill_rate: 5
      actions:
        - type: alert
          threshold: 75
gateway:
  strict_mode: false
  session_ttl: 10m
  schemas:
    alert-ack:
      fields:
        alert_id:
          type: string
          required: true
          max: 64
audit:
  retention: 72h
  thresholds:
    threats: 2
notifications:
  log: false
  redis:
    addr: localhost:6379
  webhooks:
    - url: https://hooks.example.com/aegis
      min_level: error
      timeout: 5s
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "aegis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	require.NotNil(t, cfg.Server.Auth)
	assert.Equal(t, []string{"security-admin"}, cfg.Server.Auth.AdminRoles)
	assert.Equal(t, 15*time.Minute, cfg.Server.Auth.RefreshInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.RateLimiting.RefillTick)

	rules := cfg.RateLimiting.RateLimitRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "api", rules[0].ID)
	assert.Equal(t, 20, rules[0].Bucket.Capacity)
	assert.True(t, rules[0].Enabled)
	require.Len(t, rules[0].Actions, 1)
	assert.Equal(t, 75.0, rules[0].Actions[0].Threshold)

	assert.False(t, cfg.Gateway.Options().StrictMode)
	assert.Equal(t, 10*time.Minute, cfg.Gateway.SessionTTL)
	schemas := cfg.Gateway.SchemaList()
	require.Len(t, schemas, 1)
	field := schemas[0].Fields["alert_id"]
	assert.Equal(t, validation.FieldString, field.Type)
	assert.True(t, field.Required)
	require.NotNil(t, field.Max)
	assert.Equal(t, 64.0, *field.Max)

	assert.Equal(t, 72*time.Hour, cfg.Audit.Retention)
	assert.Equal(t, 2, cfg.Audit.Thresholds.Threats)
	assert.Equal(t, 10, cfg.Audit.Thresholds.RateLimit)

	assert.False(t, BoolValue(cfg.Notifications.Log, true))
	require.NotNil(t, cfg.Notifications.Redis)
	assert.Equal(t, "aegis:alerts", cfg.Notifications.Redis.Channel)
	require.Len(t, cfg.Notifications.Webhooks, 1)
	assert.Equal(t, 5*time.Second, cfg.Notifications.Webhooks[0].Timeout)
	assert.Equal(t, 3, cfg.Notifications.Webhooks[0].MaxRetries)
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("AEGIS_TEST_PORT", "9191")
	t.Setenv("AEGIS_TEST_LEVEL", "warn")

	cfg, err := Parse([]byte(`
server:
  port: ${AEGIS_TEST_PORT}
  host: ${AEGIS_TEST_UNSET_HOST:-0.0.0.0}
logger:
  level: $AEGIS_TEST_LEVEL
`))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "warn", cfg.Logger.Level)
}

func TestParse_JSONAndEmpty(t *testing.T) {
	cfg, err := Parse([]byte(`{"server": {"port": 7000}}`))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)

	cfg, err = Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown section", "gatway:\n  session_rate: 1\n", "gatway"},
		{"bad duration", "server:\n  read_timeout: soon\n", "decode"},
		{"invalid value", "logger:\n  level: loud\n", "validation failed"},
		{"not a document", "[1, 2", "parse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfigFile_NotFound(t *testing.T) {
	_, _, err := LoadConfigFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoader_WatchReloads(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server:\n  port: 9000\n")
	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)

	changes := make(chan *Config, 8)
	loader := NewLoader(p, WithOnChange(func(cfg *Config) { changes <- cfg }))
	t.Cleanup(func() { _ = loader.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o644)
		select {
		case cfg := <-changes:
			return cfg.Server.Port == 9001
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestLoadDotEnvForConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("AEGIS_DOTENV_NEW=from-file\nAEGIS_DOTENV_KEEP=from-file\n"), 0o644))

	t.Setenv("AEGIS_DOTENV_KEEP", "from-shell")
	t.Cleanup(func() { _ = os.Unsetenv("AEGIS_DOTENV_NEW") })

	require.NoError(t, LoadDotEnvForConfig(path))
	assert.Equal(t, "from-file", os.Getenv("AEGIS_DOTENV_NEW"))
	assert.Equal(t, "from-shell", os.Getenv("AEGIS_DOTENV_KEEP"))
}
