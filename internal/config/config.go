// Package config loads the trader configuration: defaults, then a YAML file,
// then .env and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Environment overrides.
const (
	EnvRPCEndpoints  = "TRADER_RPC_ENDPOINTS"
	EnvWSEndpoints   = "TRADER_WS_ENDPOINTS"
	EnvKeypairPath   = "TRADER_KEYPAIR_PATH"
	EnvPostgresDSN   = "TRADER_POSTGRES_DSN"
	EnvClickHouseDSN = "TRADER_CLICKHOUSE_DSN"
	EnvRedisAddr     = "TRADER_REDIS_ADDR"
	EnvQuoteAPIKey   = "TRADER_QUOTE_API_KEY"
	EnvMetricsAddr   = "TRADER_METRICS_ADDR"
	EnvMaxPositions  = "TRADER_MAX_OPEN_POSITIONS"
	EnvLogLevel      = "LOG_LEVEL"
)

type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	RPC          RPCConfig          `yaml:"rpc"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Health       HealthConfig       `yaml:"health"`
	Trading      TradingConfig      `yaml:"trading"`
	Quote        QuoteConfig        `yaml:"quote"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
	Wallet       WalletConfig       `yaml:"wallet"`
	Storage      StorageConfig      `yaml:"storage"`
	Server       ServerConfig       `yaml:"server"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age_days"`
}

type EndpointConfig struct {
	URL      string        `yaml:"url"`
	WSURL    string        `yaml:"ws_url"`
	Priority int           `yaml:"priority"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RPCConfig struct {
	Endpoints              []EndpointConfig `yaml:"endpoints"`
	ProbeInterval          time.Duration    `yaml:"probe_interval"`
	ProbeTimeout           time.Duration    `yaml:"probe_timeout"`
	DialTimeout            time.Duration    `yaml:"dial_timeout"`
	MaxConsecutiveFailures int              `yaml:"max_consecutive_failures"`
	FailoverRetryDelay     time.Duration    `yaml:"failover_retry_delay"`
	RateLimit              float64          `yaml:"rate_limit"`
	RateBurst              int              `yaml:"rate_burst"`
	MaxRetries             int              `yaml:"max_retries"`
}

type SubscriptionConfig struct {
	// Programs are the addresses whose logs are subscribed.
	Programs             []string      `yaml:"programs"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffMax           time.Duration `yaml:"backoff_max"`
	BackfillGap          int64         `yaml:"backfill_gap"`
	BackfillBatch        int           `yaml:"backfill_batch"`
	BackfillMaxPages     int           `yaml:"backfill_max_pages"`
	BackfillInterval     time.Duration `yaml:"backfill_interval"`
	DedupeTTL            time.Duration `yaml:"dedupe_ttl"`
	// ProgressInterval is how often the last processed slot is persisted.
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

type BreakerConfig struct {
	FailureThreshold int             `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration   `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int             `yaml:"half_open_max_calls"`
	DailyLossLimit   decimal.Decimal `yaml:"daily_loss_limit"`
	LatencyThreshold time.Duration   `yaml:"latency_threshold"`
	MinDataSources   int             `yaml:"min_data_sources"`
}

type HealthConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	MinBalanceLamports uint64        `yaml:"min_balance_lamports"`
}

type TradingConfig struct {
	NormalSize        decimal.Decimal `yaml:"normal_size"`
	QuickSizeFraction decimal.Decimal `yaml:"quick_size_fraction"`
	ScaleInFraction   decimal.Decimal `yaml:"scale_in_fraction"`
	MinLiquidityUSD   float64         `yaml:"min_liquidity_usd"`
	MinConfidence     float64         `yaml:"min_confidence"`
	MaxOpenPositions  int             `yaml:"max_open_positions"`
	EntrySlippageBps  int             `yaml:"entry_slippage_bps"`
	ExitSlippageBps   int             `yaml:"exit_slippage_bps"`
	BasePriorityFee   uint64          `yaml:"base_priority_fee"`
	UrgentMultiplier  float64         `yaml:"urgent_multiplier"`
	MaxPriorityFee    uint64          `yaml:"max_priority_fee"`
	SecurityBudget    time.Duration   `yaml:"security_budget"`
	RequestTimeout    time.Duration   `yaml:"request_timeout"`
	ConfirmDelay      time.Duration   `yaml:"confirm_delay"`
	ConfirmAttempts   int             `yaml:"confirm_attempts"`
	AnalysisDelay     time.Duration   `yaml:"analysis_delay"`
	EarlyExitDelay    time.Duration   `yaml:"early_exit_delay"`
	LowScore          float64         `yaml:"low_score"`
	HighScore         float64         `yaml:"high_score"`
	HighSecurity      float64         `yaml:"high_security"`
	HoldTierScore     float64         `yaml:"hold_tier_score"`
	TxCacheTTL        time.Duration   `yaml:"tx_cache_ttl"`
	// ProtectionInterval is how often open positions are requoted against
	// their stop-loss and take-profit. Negative disables the check.
	ProtectionInterval time.Duration `yaml:"protection_interval"`
	// SOLPriceRefresh is how often the SOL/USD price used for liquidity is requoted.
	SOLPriceRefresh time.Duration `yaml:"sol_price_refresh"`
}

type QuoteConfig struct {
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`
}

type AnalysisConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WalletConfig struct {
	KeypairPath string `yaml:"keypair_path"`
}

type StorageConfig struct {
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// ArchiveBatch and ArchiveFlush pace ClickHouse writes. ArchiveBuffer caps
	// the records held while writes stall; the oldest are dropped beyond it.
	ArchiveBatch  int           `yaml:"archive_batch"`
	ArchiveFlush  time.Duration `yaml:"archive_flush"`
	ArchiveBuffer int           `yaml:"archive_buffer"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every policy constant set.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", MaxAge: 7},
		RPC: RPCConfig{
			ProbeInterval:          30 * time.Second,
			ProbeTimeout:           5 * time.Second,
			DialTimeout:            10 * time.Second,
			MaxConsecutiveFailures: 3,
			FailoverRetryDelay:     30 * time.Second,
			RateLimit:              20,
			RateBurst:              10,
			MaxRetries:             3,
		},
		Subscription: SubscriptionConfig{
			MaxReconnectAttempts: 10,
			BackoffBase:          time.Second,
			BackoffMax:           60 * time.Second,
			BackfillGap:          100,
			BackfillBatch:        1000,
			BackfillMaxPages:     10,
			BackfillInterval:     30 * time.Second,
			DedupeTTL:            10 * time.Minute,
			ProgressInterval:     5 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  60 * time.Second,
			HalfOpenMaxCalls: 3,
			DailyLossLimit:   decimal.NewFromInt(1),
			LatencyThreshold: time.Second,
			MinDataSources:   1,
		},
		Health: HealthConfig{
			Interval:           30 * time.Second,
			Timeout:            5 * time.Second,
			MinBalanceLamports: 50_000_000,
		},
		Trading: TradingConfig{
			NormalSize:         decimal.NewFromInt(1),
			QuickSizeFraction:  decimal.RequireFromString("0.3"),
			ScaleInFraction:    decimal.RequireFromString("0.7"),
			MinLiquidityUSD:    5000,
			MinConfidence:      0.5,
			MaxOpenPositions:   5,
			EntrySlippageBps:   1500,
			ExitSlippageBps:    2500,
			BasePriorityFee:    100_000,
			UrgentMultiplier:   3,
			MaxPriorityFee:     1_000_000,
			SecurityBudget:     100 * time.Millisecond,
			RequestTimeout:     5 * time.Second,
			ConfirmDelay:       5 * time.Second,
			ConfirmAttempts:    3,
			AnalysisDelay:      time.Second,
			EarlyExitDelay:     30 * time.Second,
			ProtectionInterval: 15 * time.Second,
			LowScore:           4,
			HighScore:          8,
			HighSecurity:       8,
			HoldTierScore:      7,
			TxCacheTTL:         30 * time.Second,
			SOLPriceRefresh:    time.Minute,
		},
		Quote:    QuoteConfig{Timeout: 5 * time.Second, RateLimit: 10, RateBurst: 5},
		Analysis: AnalysisConfig{Timeout: 10 * time.Second},
		Storage:  StorageConfig{ArchiveBatch: 500, ArchiveFlush: 2 * time.Second, ArchiveBuffer: 10_000},
		Server:   ServerConfig{Addr: ":9090"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (optional
// when empty), a .env file in the working directory and the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from the environment. TRADER_RPC_ENDPOINTS
// replaces the endpoint list, ordered by priority; TRADER_WS_ENDPOINTS pairs
// with it by position.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvRPCEndpoints); v != "" {
		urls := splitList(v)
		ws := splitList(os.Getenv(EnvWSEndpoints))
		c.RPC.Endpoints = make([]EndpointConfig, len(urls))
		for i, u := range urls {
			c.RPC.Endpoints[i] = EndpointConfig{URL: u, Priority: i}
			if i < len(ws) {
				c.RPC.Endpoints[i].WSURL = ws[i]
			}
		}
	} else if v := os.Getenv(EnvWSEndpoints); v != "" {
		ws := splitList(v)
		if len(ws) > len(c.RPC.Endpoints) {
			return fmt.Errorf("%w: %s has %d entries for %d endpoints", ErrInvalid, EnvWSEndpoints, len(ws), len(c.RPC.Endpoints))
		}
		for i, u := range ws {
			c.RPC.Endpoints[i].WSURL = u
		}
	}

	setString(&c.Wallet.KeypairPath, EnvKeypairPath)
	setString(&c.Storage.PostgresDSN, EnvPostgresDSN)
	setString(&c.Storage.ClickHouseDSN, EnvClickHouseDSN)
	setString(&c.Storage.RedisAddr, EnvRedisAddr)
	setString(&c.Quote.APIKey, EnvQuoteAPIKey)
	setString(&c.Server.Addr, EnvMetricsAddr)
	setString(&c.Logging.Level, EnvLogLevel)

	if v := os.Getenv(EnvMaxPositions); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvMaxPositions, err)
		}
		c.Trading.MaxOpenPositions = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate returns the first violated constraint.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if len(c.RPC.Endpoints) == 0 {
		return fail("rpc.endpoints is empty")
	}
	for i, ep := range c.RPC.Endpoints {
		if !strings.HasPrefix(ep.URL, "http://") && !strings.HasPrefix(ep.URL, "https://") {
			return fail("rpc.endpoints[%d].url %q is not http(s)", i, ep.URL)
		}
		if ep.WSURL != "" && !strings.HasPrefix(ep.WSURL, "ws://") && !strings.HasPrefix(ep.WSURL, "wss://") {
			return fail("rpc.endpoints[%d].ws_url %q is not ws(s)", i, ep.WSURL)
		}
	}
	if len(c.Subscription.Programs) == 0 {
		return fail("subscription.programs is empty")
	}
	if c.Wallet.KeypairPath == "" {
		return fail("wallet.keypair_path is required")
	}

	t := c.Trading
	one := decimal.NewFromInt(1)
	if !t.NormalSize.IsPositive() {
		return fail("trading.normal_size must be positive")
	}
	if !t.QuickSizeFraction.IsPositive() || t.QuickSizeFraction.GreaterThan(one) {
		return fail("trading.quick_size_fraction %s not in (0,1]", t.QuickSizeFraction)
	}
	if !t.ScaleInFraction.IsPositive() || t.ScaleInFraction.GreaterThan(one) {
		return fail("trading.scale_in_fraction %s not in (0,1]", t.ScaleInFraction)
	}
	if t.QuickSizeFraction.Add(t.ScaleInFraction).GreaterThan(one) {
		return fail("trading quick and scale-in fractions exceed the normal size")
	}
	if t.MinConfidence < 0 || t.MinConfidence > 1 {
		return fail("trading.min_confidence %v not in [0,1]", t.MinConfidence)
	}
	if t.EntrySlippageBps <= 0 || t.EntrySlippageBps > 10_000 || t.ExitSlippageBps <= 0 || t.ExitSlippageBps > 10_000 {
		return fail("trading slippage must be in (0,10000] bps")
	}
	if t.SecurityBudget <= 0 {
		return fail("trading.security_budget must be positive")
	}
	if t.MaxPriorityFee < t.BasePriorityFee {
		return fail("trading.max_priority_fee below base_priority_fee")
	}
	if !(t.LowScore <= t.HoldTierScore && t.HoldTierScore <= t.HighScore && t.HighScore <= 10) {
		return fail("trading score thresholds must satisfy low <= hold_tier <= high <= 10")
	}

	if c.Breaker.FailureThreshold <= 0 || c.Breaker.HalfOpenMaxCalls <= 0 {
		return fail("breaker thresholds must be positive")
	}
	if c.Breaker.DailyLossLimit.IsNegative() {
		return fail("breaker.daily_loss_limit must not be negative")
	}
	if c.Analysis.URL == "" {
		return fail("analysis.url is required")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fail("logging.format %q", c.Logging.Format)
	}
	return nil
}
