package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatchd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfigFile(t, `
dispatchd:
  server:
    listen: ":9000"
    max_conns: 64
    read_timeout: "10s"
    write_timeout: "20s"
  data_dir: "/tmp/dispatchd-data"
  dispatch:
    default_batch_size: 4
    max_batch_size: 100
  sweep:
    enabled: true
    interval: "30s"
    timeout_ms: 600000
  webhook:
    feishu_url: "https://open.feishu.cn/open-apis/bot/v2/hook/abc"
    report_interval_minutes: 60
  log:
    level: "debug"
    format: "text"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, 64, cfg.Server.MaxConns)
	assert.Equal(t, "/tmp/dispatchd-data", cfg.DataDir)
	assert.Equal(t, 4, cfg.Dispatch.DefaultBatchSize)
	assert.Equal(t, 100, cfg.Dispatch.MaxBatchSize)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval())
	assert.Equal(t, int64(600000), cfg.Sweep.TimeoutMs)
	assert.Equal(t, "https://open.feishu.cn/open-apis/bot/v2/hook/abc", cfg.Webhook.FeishuURL)
	assert.Equal(t, 60, cfg.Webhook.ReportIntervalMinutes)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	// Unspecified sections fall back to defaults.
	assert.Equal(t, "/var/run/dispatchd.pid", cfg.Control.PIDFile)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Listen)
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout())
}

func TestLoad_MinimalFileUsesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
dispatchd:
  log:
    level: "warn"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 256, cfg.Server.MaxConns)
	assert.Equal(t, 8, cfg.Dispatch.DefaultBatchSize)
	assert.Equal(t, 1000, cfg.Dispatch.MaxBatchSize)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, time.Minute, cfg.SweepInterval())
	assert.Equal(t, int64(30*60*1000), cfg.Sweep.TimeoutMs)
	assert.Empty(t, cfg.Webhook.FeishuURL)
	assert.Equal(t, 240, cfg.Webhook.ReportIntervalMinutes)
	assert.True(t, cfg.Persistence.Enabled)
	assert.Equal(t, "/var/lib/dispatchd", cfg.DataDir)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "bad log level",
			yaml: `
dispatchd:
  log:
    level: "verbose"
`,
			wantErr: "invalid log level",
		},
		{
			name: "bad log format",
			yaml: `
dispatchd:
  log:
    format: "xml"
`,
			wantErr: "invalid log format",
		},
		{
			name: "non-https webhook",
			yaml: `
dispatchd:
  webhook:
    feishu_url: "http://open.feishu.cn/hook/abc"
`,
			wantErr: "must start with https://",
		},
		{
			name: "bad sweep interval",
			yaml: `
dispatchd:
  sweep:
    interval: "soon"
`,
			wantErr: "invalid sweep.interval",
		},
		{
			name: "zero sweep timeout",
			yaml: `
dispatchd:
  sweep:
    timeout_ms: 0
`,
			wantErr: "sweep.timeout_ms must be positive",
		},
		{
			name: "batch size below one",
			yaml: `
dispatchd:
  dispatch:
    default_batch_size: 0
`,
			wantErr: "default_batch_size must be at least 1",
		},
		{
			name: "max batch below default",
			yaml: `
dispatchd:
  dispatch:
    default_batch_size: 50
    max_batch_size: 10
`,
			wantErr: "max_batch_size must be >= default_batch_size",
		},
		{
			name: "bad read timeout",
			yaml: `
dispatchd:
  server:
    read_timeout: "fast"
`,
			wantErr: "invalid server.read_timeout",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NoError(t, cfg.ValidateAndApplyDefaults())
}
