package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/aegis/pkg/auth"
	"github.com/kadirpekel/aegis/pkg/circuitbreaker"
	"github.com/kadirpekel/aegis/pkg/notify"
	"github.com/kadirpekel/aegis/pkg/ratelimit"
	"github.com/kadirpekel/aegis/pkg/tokenbucket"
	"github.com/kadirpekel/aegis/pkg/validation"
)

func intPtr(v int) *int { return &v }

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Address())
	assert.True(t, cfg.RateLimiting.IsEnabled())
	assert.Equal(t, ratelimit.DefaultRefillTick, cfg.RateLimiting.RefillTick)
	assert.Equal(t, circuitbreaker.DefaultConfig(), cfg.RateLimiting.DefaultBreaker)
	assert.Equal(t, validation.DefaultOptions(), cfg.Gateway.Options())
	assert.Equal(t, 10, cfg.Audit.Thresholds.RateLimit)
	assert.True(t, BoolValue(cfg.Notifications.Log, false))
	assert.Nil(t, cfg.Notifications.Redis)
	assert.Equal(t, "/metrics", cfg.Observability.Metrics.Endpoint)
}

func TestConfig_Validate(t *testing.T) {
	rule := func(id string, capacity int) RuleConfig {
		return RuleConfig{ID: id, Pattern: "*", Bucket: tokenbucket.Config{Capacity: capacity, RefillRate: 1}}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad log level", func(c *Config) { c.Logger.Level = "verbose" }, "logger"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server"},
		{"auth without jwks", func(c *Config) { c.Server.Auth = &auth.Config{} }, "jwks_url"},
		{"bad exporter", func(c *Config) {
			c.Observability.Tracing.Enabled = true
			c.Observability.Tracing.Exporter = "zipkin"
		}, "observability"},
		{"invalid rule", func(c *Config) { c.RateLimiting.Rules = []RuleConfig{rule("api", 0)} }, "rules[0]"},
		{"duplicate rule", func(c *Config) {
			c.RateLimiting.Rules = []RuleConfig{rule("api", 1), rule("api", 2)}
		}, "duplicate rule id"},
		{"negative session rate", func(c *Config) { c.Gateway.SessionRate = -1 }, "gateway"},
		{"negative retention", func(c *Config) { c.Audit.Retention = -time.Hour }, "audit"},
		{"redis without addr", func(c *Config) { c.Notifications.Redis = &notify.RedisConfig{} }, "notifications"},
		{"relative webhook", func(c *Config) {
			c.Notifications.Webhooks = []notify.WebhookConfig{{URL: "/hook"}}
		}, "webhooks[0]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestRuleRoundTrip(t *testing.T) {
	r := ratelimit.Rule{
		ID:       "api",
		Pattern:  "/api/",
		Scope:    ratelimit.ScopeUser,
		Priority: 10,
		Bucket: tokenbucket.Config{
			Capacity:       5,
			RefillRate:     2.5,
			InitialTokens:  intPtr(3),
			BurstAllowance: 2,
		},
		Breaker: &circuitbreaker.Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second},
		Actions: []ratelimit.Action{
			{Type: ratelimit.ActionAlert, Threshold: 50},
			{Type: ratelimit.ActionCircuitBreak, Threshold: 90},
		},
		Enabled: true,
	}
	require.NoError(t, r.Validate())

	assert.Equal(t, r, RuleFromRateLimit(r).ToRateLimit())

	data, err := yaml.Marshal(map[string]any{
		"rate_limiting": map[string]any{"rules": []RuleConfig{RuleFromRateLimit(r)}},
	})
	require.NoError(t, err)

	cfg, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, cfg.RateLimiting.Rules, 1)
	assert.Equal(t, r, cfg.RateLimiting.Rules[0].ToRateLimit())
}

func TestRuleConfig_EnabledDefaultsTrue(t *testing.T) {
	rc := RuleConfig{ID: "r", Pattern: "*", Bucket: tokenbucket.Config{Capacity: 1, RefillRate: 1}}
	assert.True(t, rc.ToRateLimit().Enabled)

	rc.Enabled = BoolPtr(false)
	assert.False(t, rc.ToRateLimit().Enabled)

	disabled := ratelimit.Rule{ID: "d"}
	assert.False(t, *RuleFromRateLimit(disabled).Enabled)
}

func TestRuleRoundTrip_DoesNotAlias(t *testing.T) {
	r := ratelimit.Rule{
		ID: "r", Pattern: "*",
		Bucket:  tokenbucket.Config{Capacity: 1, RefillRate: 1, InitialTokens: intPtr(1)},
		Actions: []ratelimit.Action{{Type: ratelimit.ActionLog, Threshold: 10}},
	}
	rc := RuleFromRateLimit(r)
	*rc.Bucket.InitialTokens = 0
	rc.Actions[0].Threshold = 99

	assert.Equal(t, 1, *r.Bucket.InitialTokens)
	assert.Equal(t, 10.0, r.Actions[0].Threshold)
}

func TestGatewayConfig_Schemas(t *testing.T) {
	limit := 64.0
	c := GatewayConfig{
		StrictMode:  BoolPtr(false),
		SessionRate: 2.5,
		Schemas: map[string]SchemaConfig{
			"zeta":  {AllowUnknown: true},
			"alpha": {Fields: map[string]validation.FieldRule{"id": {Type: validation.FieldString, Max: &limit}}},
		},
	}
	c.SetDefaults()
	require.NoError(t, c.Validate())

	opts := c.Options()
	assert.False(t, opts.StrictMode)
	assert.Equal(t, 3, opts.SessionBurst)

	schemas := c.SchemaList()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Type)
	assert.Equal(t, "zeta", schemas[1].Type)
	assert.True(t, schemas[1].AllowUnknown)
}
