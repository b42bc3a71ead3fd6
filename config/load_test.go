package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
env: dev
gateway:
  apiKey: foo
  apiSecret: bar
  baseURL: https://api.test
  wsURL: wss://ws.test/public
  privateWSURL: wss://ws.test/private
log:
  level: debug
  outputs: [stdout]
  format: console
metrics:
  addr: ":9101"
hub:
  maxRetries: 8
alert:
  webhookURL: https://hooks.test/mm
risk:
  maxVelocityBpsPerSec: 25
  maxSpreadBps: 40
  maxFillsPerMinute: 6
tasks:
  - symbol: btcusdt
    budgetUSD: 2000
    riskLevel: high
    exitBps: 12
    refreshIntervalMs: 500
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "foo", cfg.Gateway.APIKey)
	assert.Equal(t, 10.0, cfg.Gateway.RateLimit, "default kept")
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Hub.MaxRetries)
	assert.Equal(t, 25.0, cfg.Risk.MaxVelocityBpsPerSec)
	assert.Equal(t, 6, cfg.Risk.MaxFillsPerMinute)
	require.Len(t, cfg.Tasks, 1)
	assert.Equal(t, "BTCUSDT", cfg.Tasks[0].Symbol)
	assert.Equal(t, "high", cfg.Tasks[0].RiskLevel)
	assert.Equal(t, 500, cfg.Tasks[0].RefreshIntervalMs)
	assert.Equal(t, "data/symbols.json", cfg.Cache.Path)
	assert.Equal(t, "https://hooks.test/mm", cfg.Alert.WebhookURL)
	assert.Equal(t, 60, cfg.Alert.ThrottleSec, "default kept")
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	t.Setenv("MM_GATEWAY_API_KEY", "env-key")
	t.Setenv("MM_GATEWAY_API_SECRET", "env-secret")

	cfg, err := LoadWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Gateway.APIKey)
	assert.Equal(t, "env-secret", cfg.Gateway.APISecret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"empty env", func(c *AppConfig) { c.Env = "" }},
		{"missing secret", func(c *AppConfig) { c.Gateway.APISecret = "" }},
		{"missing ws url", func(c *AppConfig) { c.Gateway.WSURL = "" }},
		{"missing private ws url", func(c *AppConfig) { c.Gateway.PrivateWSURL = "" }},
		{"negative price age", func(c *AppConfig) { c.Tasks[0].MaxPriceAgeMs = -1 }},
		{"no tasks", func(c *AppConfig) { c.Tasks = nil }},
		{"zero budget", func(c *AppConfig) { c.Tasks[0].BudgetUSD = 0 }},
		{"bad risk level", func(c *AppConfig) { c.Tasks[0].RiskLevel = "yolo" }},
		{"duplicate symbol", func(c *AppConfig) { c.Tasks = append(c.Tasks, c.Tasks[0]) }},
		{"negative spread", func(c *AppConfig) { c.Risk.MaxSpreadBps = -1 }},
		{"negative alert throttle", func(c *AppConfig) { c.Alert.ThrottleSec = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.Tasks = append([]TaskConfig(nil), base.Tasks...)
			tc.mutate(&cfg)
			err := Validate(cfg)
			var invalid ErrInvalid
			assert.ErrorAs(t, err, &invalid)
		})
	}
	assert.NoError(t, Validate(base))
}
