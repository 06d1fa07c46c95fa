package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
rpc:
  endpoints:
    - url: https://rpc-a.example
      ws_url: wss://rpc-a.example
      priority: 0
    - url: https://rpc-b.example
      priority: 1
      timeout: 2s
  probe_interval: 15s
subscription:
  programs:
    - 675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8
  backfill_gap: 50
trading:
  normal_size: "2.5"
  quick_size_fraction: 0.25
  security_budget: 80ms
  max_open_positions: 3
analysis:
  url: http://analysis:8080
wallet:
  keypair_path: /keys/trader.json
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	// Load reads .env from the working directory.
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	path := filepath.Join(dir, "trader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_PolicyConstants(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.RPC.ProbeInterval)
	assert.Equal(t, 3, cfg.RPC.MaxConsecutiveFailures)
	assert.Equal(t, 10, cfg.Subscription.MaxReconnectAttempts)
	assert.Equal(t, int64(100), cfg.Subscription.BackfillGap)
	assert.Equal(t, 1000, cfg.Subscription.BackfillBatch)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Trading.SecurityBudget)
	assert.True(t, cfg.Trading.QuickSizeFraction.Equal(decimal.RequireFromString("0.3")))
	assert.True(t, cfg.Trading.ScaleInFraction.Equal(decimal.RequireFromString("0.7")))
	assert.Equal(t, 30*time.Second, cfg.Trading.TxCacheTTL)
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.RPC.Endpoints, 2)
	assert.Equal(t, "wss://rpc-a.example", cfg.RPC.Endpoints[0].WSURL)
	assert.Equal(t, 2*time.Second, cfg.RPC.Endpoints[1].Timeout)
	assert.Equal(t, 15*time.Second, cfg.RPC.ProbeInterval)
	assert.Equal(t, 5*time.Second, cfg.RPC.ProbeTimeout, "unset fields keep defaults")
	assert.Equal(t, int64(50), cfg.Subscription.BackfillGap)
	assert.True(t, cfg.Trading.NormalSize.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, cfg.Trading.QuickSizeFraction.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 80*time.Millisecond, cfg.Trading.SecurityBudget)
	assert.Equal(t, 3, cfg.Trading.MaxOpenPositions)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv(EnvRPCEndpoints, "https://x.example, https://y.example")
	t.Setenv(EnvWSEndpoints, "wss://x.example")
	t.Setenv(EnvKeypairPath, "/run/secrets/key.json")
	t.Setenv(EnvPostgresDSN, "postgres://u:p@db/trader")
	t.Setenv(EnvRedisAddr, "redis:6379")
	t.Setenv(EnvMaxPositions, "9")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.RPC.Endpoints, 2)
	assert.Equal(t, EndpointConfig{URL: "https://x.example", WSURL: "wss://x.example", Priority: 0}, cfg.RPC.Endpoints[0])
	assert.Equal(t, EndpointConfig{URL: "https://y.example", Priority: 1}, cfg.RPC.Endpoints[1])
	assert.Equal(t, "/run/secrets/key.json", cfg.Wallet.KeypairPath)
	assert.Equal(t, "postgres://u:p@db/trader", cfg.Storage.PostgresDSN)
	assert.Equal(t, "redis:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, 9, cfg.Trading.MaxOpenPositions)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	require.NoError(t, os.WriteFile(".env", []byte(EnvClickHouseDSN+"=clickhouse://ch:9000/archive\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv(EnvClickHouseDSN) })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "clickhouse://ch:9000/archive", cfg.Storage.ClickHouseDSN)
}

func TestLoad_Errors(t *testing.T) {
	path := writeConfig(t, "rpc: [not, a, map")
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv(EnvMaxPositions, "many")
	_, err = Load(writeConfig(t, sampleYAML))
	assert.ErrorIs(t, err, ErrInvalid)
}

func validConfig() Config {
	cfg := Default()
	cfg.RPC.Endpoints = []EndpointConfig{{URL: "https://rpc.example", WSURL: "wss://rpc.example"}}
	cfg.Subscription.Programs = []string{"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"}
	cfg.Wallet.KeypairPath = "/keys/trader.json"
	cfg.Analysis.URL = "http://analysis:8080"
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, func() error { c := validConfig(); return c.Validate() }())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no endpoints", func(c *Config) { c.RPC.Endpoints = nil }},
		{"bad rpc scheme", func(c *Config) { c.RPC.Endpoints[0].URL = "rpc.example" }},
		{"bad ws scheme", func(c *Config) { c.RPC.Endpoints[0].WSURL = "https://rpc.example" }},
		{"no programs", func(c *Config) { c.Subscription.Programs = nil }},
		{"no keypair", func(c *Config) { c.Wallet.KeypairPath = "" }},
		{"zero size", func(c *Config) { c.Trading.NormalSize = decimal.Zero }},
		{"quick fraction above one", func(c *Config) { c.Trading.QuickSizeFraction = decimal.RequireFromString("1.2") }},
		{"fractions exceed size", func(c *Config) { c.Trading.ScaleInFraction = decimal.RequireFromString("0.8") }},
		{"confidence above one", func(c *Config) { c.Trading.MinConfidence = 1.5 }},
		{"zero slippage", func(c *Config) { c.Trading.EntrySlippageBps = 0 }},
		{"no security budget", func(c *Config) { c.Trading.SecurityBudget = 0 }},
		{"fee cap below base", func(c *Config) { c.Trading.MaxPriorityFee = 10 }},
		{"scores out of order", func(c *Config) { c.Trading.LowScore = 9 }},
		{"negative loss limit", func(c *Config) { c.Breaker.DailyLossLimit = decimal.NewFromInt(-1) }},
		{"no analysis url", func(c *Config) { c.Analysis.URL = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
