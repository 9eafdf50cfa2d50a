package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/aegis/pkg/config"
)

const validConfig = `server:
  port: 9090
rate_limiting:
  rules:
    - id: api
      pattern: /api/
      scope: user
      bucket:
        capacity: 10
        refill_rate: 1
gateway:
  schemas:
    heartbeat:
      fields:
        at:
          type: number
          required: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("aegis"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func TestCLI_Parse(t *testing.T) {
	cli, kctx := parse(t, "serve", "--config", "aegis.yaml", "--port", "9000", "--watch")
	assert.Equal(t, "serve", kctx.Command())
	assert.Equal(t, "file", cli.ConfigType)
	assert.Equal(t, 9000, cli.Serve.Port)
	assert.True(t, cli.Serve.Watch)
	assert.True(t, strings.HasSuffix(cli.Config, "aegis.yaml"))

	cli, _ = parse(t, "serve", "--config-type", "etcd", "--config", "/aegis/config",
		"--config-endpoints", "10.0.0.1:2379,10.0.0.2:2379")
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cli.ConfigEndpoints)

	cli, kctx = parse(t, "validate", "aegis.yaml", "-f", "json", "-p")
	assert.Equal(t, "validate <config>", kctx.Command())
	assert.Equal(t, "json", cli.Validate.Format)
	assert.True(t, cli.Validate.PrintConfig)
}

func TestValidate_Success(t *testing.T) {
	path := writeConfig(t, validConfig)

	var out, errOut bytes.Buffer
	cmd := &ValidateCmd{Path: path, Format: "compact"}
	require.NoError(t, cmd.run(t.Context(), &out, &errOut))
	assert.Equal(t, path+": valid\n", out.String())
	assert.Empty(t, errOut.String())

	out.Reset()
	cmd.Format = "json"
	require.NoError(t, cmd.run(t.Context(), &out, &errOut))
	var res jsonResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, 1, res.Rules)
	assert.Equal(t, 1, res.Schemas)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "server:\n  prot: 80\n", "prot"},
		{"bad rule", "rate_limiting:\n  rules:\n    - id: x\n      pattern: /x\n      bucket:\n        capacity: 0\n", "rules[0]"},
		{"bad schema pattern", "gateway:\n  schemas:\n    t:\n      fields:\n        a:\n          type: string\n          pattern: \"[\"\n", "schema t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			var out, errOut bytes.Buffer
			cmd := &ValidateCmd{Path: path, Format: "json"}
			assert.ErrorIs(t, cmd.run(t.Context(), &out, &errOut), errInvalidConfig)

			var res jsonResult
			require.NoError(t, json.Unmarshal(out.Bytes(), &res))
			assert.False(t, res.Valid)
			require.Len(t, res.Errors, 1)
			assert.Contains(t, res.Errors[0].Message, tt.want)
		})
	}
}

func TestValidate_PrintConfig(t *testing.T) {
	t.Setenv("AEGIS_TEST_PORT", "7070")
	path := writeConfig(t, "server:\n  port: ${AEGIS_TEST_PORT}\n")

	var out bytes.Buffer
	cmd := &ValidateCmd{Path: path, Format: "compact", PrintConfig: true}
	require.NoError(t, cmd.run(t.Context(), &out, &bytes.Buffer{}))
	assert.Contains(t, out.String(), "port: 7070")
	assert.Contains(t, out.String(), "host: 127.0.0.1")

	out.Reset()
	cmd.Format = "json"
	require.NoError(t, cmd.run(t.Context(), &out, &bytes.Buffer{}))
	var doc struct {
		Server struct {
			Port int `json:"port"`
		} `json:"server"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, 7070, doc.Server.Port)
}

func TestSchema(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeSchema(&out, true))
	assert.Equal(t, 1, strings.Count(out.String(), "\n"), "compact output is one line")

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, "Aegis Configuration Schema", doc["title"])

	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"server", "rate_limiting", "gateway", "audit", "notifications"} {
		assert.Contains(t, props, key)
	}
}

func TestConfigSource_Defaults(t *testing.T) {
	src := &ConfigSource{ConfigType: "file"}
	cfg, loader, err := src.load(t.Context())
	require.NoError(t, err)
	assert.Nil(t, loader)
	assert.Equal(t, 8080, cfg.Server.Port)

	src = &ConfigSource{ConfigType: "consul"}
	_, _, err = src.load(t.Context())
	assert.ErrorContains(t, err, "--config is required")
}

func TestConfigSource_File(t *testing.T) {
	src := &ConfigSource{Config: writeConfig(t, validConfig), ConfigType: "file"}
	cfg, loader, err := src.load(t.Context())
	require.NoError(t, err)
	defer loader.Close()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Len(t, cfg.RateLimiting.Rules, 1)
}

func TestServeOverrides(t *testing.T) {
	cfg := config.Default()
	(&ServeCmd{}).applyOverrides(cfg)
	assert.Equal(t, 8080, cfg.Server.Port)

	(&ServeCmd{Host: "0.0.0.0", Port: 9443}).applyOverrides(cfg)
	assert.Equal(t, "0.0.0.0:9443", cfg.Server.Address())
}

func TestMergeLoggerConfig(t *testing.T) {
	file := config.LoggerConfig{Level: "warn", Format: "json", File: "aegis.log"}

	got := mergeLoggerConfig(&CLI{}, file)
	assert.Equal(t, file, got)

	got = mergeLoggerConfig(&CLI{LogLevel: "debug"}, file)
	assert.Equal(t, "debug", got.Level)
	assert.Equal(t, "json", got.Format)
}

func TestInitLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	_, err := initLogger("loud", "", "")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "aegis.log")
	cleanup, err := initLogger("info", path, "json")
	require.NoError(t, err)
	cleanup()
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestPrintStartup(t *testing.T) {
	cfg := config.Default()
	cfg.Observability.Metrics.Enabled = true
	cfg.Observability.Metrics.Endpoint = "/metrics"

	var out bytes.Buffer
	printStartup(&out, cfg, true)
	assert.Contains(t, out.String(), "http://127.0.0.1:8080/health")
	assert.Contains(t, out.String(), "http://127.0.0.1:8080/metrics")
	assert.Contains(t, out.String(), "watching for changes")
}
