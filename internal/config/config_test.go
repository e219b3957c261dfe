package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ceponatia/kobold-mcp/internal/config"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, "http://localhost:5001", cfg.Kobold.URL)
	assert.Equal(t, 30*time.Second, cfg.Kobold.Timeout)
	assert.Equal(t, 3, cfg.Kobold.MaxRetries)
	assert.Equal(t, time.Second, cfg.Kobold.RetryDelay)
	assert.Equal(t, "/api/v1/generate", cfg.Kobold.GenerateEndpoint)
	assert.Equal(t, "/api/v1/chat/completions", cfg.Kobold.ChatEndpoint)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Server.MaxConnections)
	assert.Equal(t, config.TransportStdIO, cfg.Server.Transport)
	assert.Equal(t, 20*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.Server.PingTimeout)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.True(t, cfg.Security.DataSanitization)
	assert.Equal(t, 8192, cfg.Security.MaxPromptLength)
	assert.Equal(t, 4096, cfg.Security.MaxResponseLength)

	assert.Equal(t, 5, cfg.Performance.MaxConcurrentRequests)
	assert.Equal(t, 100, cfg.Performance.RequestQueueSize)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err, "a missing file falls back to defaults")
	assert.Equal(t, config.Default().Kobold.URL, cfg.Kobold.URL)
}

func TestLoadFile(t *testing.T) {
	path := writeConfigFile(t, `
kobold:
  url: http://10.0.0.2:5001
  timeout: 45s
  retry_delay: 250ms
  max_retries: 5
server:
  host: 0.0.0.0
  port: 9000
  transport: sse
  ping_interval: 5s
logging:
  level: debug
  format: json
security:
  data_sanitization: false
  max_prompt_length: 2048
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.2:5001", cfg.Kobold.URL)
	assert.Equal(t, 45*time.Second, cfg.Kobold.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Kobold.RetryDelay)
	assert.Equal(t, 5, cfg.Kobold.MaxRetries)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, config.TransportSSE, cfg.Server.Transport)
	assert.Equal(t, 5*time.Second, cfg.Server.PingInterval)
	// Unset durations keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Server.PingTimeout)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Security.DataSanitization)
	assert.Equal(t, 2048, cfg.Security.MaxPromptLength)
	// Sections absent from the file stay at defaults.
	assert.Equal(t, 5, cfg.Performance.MaxConcurrentRequests)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_KOBOLD_HOST", "backend.internal")
	path := writeConfigFile(t, `
kobold:
  url: http://${TEST_KOBOLD_HOST}:5001
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://backend.internal:5001", cfg.Kobold.URL)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("KOBOLD_URL", "http://override:5001")
	t.Setenv("MCP_PORT", "9999")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("AUDIT_LOG", "1")
	t.Setenv("MAX_PROMPT_LENGTH", "512")

	path := writeConfigFile(t, `
kobold:
  url: http://file:5001
server:
  port: 9000
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://override:5001", cfg.Kobold.URL)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level, "LOG_LEVEL is lowercased")
	assert.True(t, cfg.Logging.AuditLog)
	assert.Equal(t, 512, cfg.Security.MaxPromptLength)
}

func TestEnvOverrideParseErrors(t *testing.T) {
	t.Setenv("MCP_PORT", "not-a-number")

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCP_PORT")
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfigFile(t, `
kobold:
  timeout: soonish
`)

	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kobold.timeout")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			"bad url scheme",
			func(c *config.Config) { c.Kobold.URL = "ftp://host" },
			"kobold.url",
		},
		{
			"zero timeout",
			func(c *config.Config) { c.Kobold.Timeout = 0 },
			"kobold.timeout",
		},
		{
			"negative retries",
			func(c *config.Config) { c.Kobold.MaxRetries = -1 },
			"kobold.max_retries",
		},
		{
			"port out of range",
			func(c *config.Config) { c.Server.Port = 70000 },
			"server.port",
		},
		{
			"unknown transport",
			func(c *config.Config) { c.Server.Transport = "websocket" },
			"server.transport",
		},
		{
			"zero prompt length",
			func(c *config.Config) { c.Security.MaxPromptLength = 0 },
			"security.max_prompt_length",
		},
		{
			"zero concurrency",
			func(c *config.Config) { c.Performance.MaxConcurrentRequests = 0 },
			"performance.max_concurrent_requests",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDumpRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Kobold.Timeout = 42 * time.Second

	data, err := cfg.Dump()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	kobold := doc["kobold"].(map[string]any)
	assert.Equal(t, "42s", kobold["timeout"])

	// The dump loads back to the same effective configuration.
	path := writeConfigFile(t, string(data))
	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, loaded.Kobold.Timeout)
	assert.Equal(t, cfg.Server.Port, loaded.Server.Port)
	assert.Equal(t, cfg.Server.PingInterval, loaded.Server.PingInterval)
	assert.Equal(t, cfg.Server.PingTimeout, loaded.Server.PingTimeout)
}

func TestAddr(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "localhost:8765", cfg.Server.Addr())

	cfg.Server.Host = "::1"
	cfg.Server.Port = 80
	assert.Equal(t, "[::1]:80", cfg.Server.Addr())
}
