package fastpath

import (
	"time"

	"github.com/shopspring/decimal"

	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/quote"
)

// Protection places stop-loss and take-profit as fractions of the entry price.
type Protection struct {
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// Config is the fast-path trading policy. Score thresholds are on the
// analysis engine's 0..10 scale.
type Config struct {
	// NormalSize is the full position size in whole input-asset units (SOL).
	NormalSize        decimal.Decimal
	QuickSizeFraction decimal.Decimal
	ScaleInFraction   decimal.Decimal
	InputMint         string
	InputDecimals     int32

	MinLiquidityUSD  float64
	MinConfidence    float64
	MaxOpenPositions int

	EntrySlippageBps int
	ExitSlippageBps  int

	BasePriorityFee  uint64 // lamports
	UrgentMultiplier float64
	MaxPriorityFee   uint64

	SecurityBudget  time.Duration
	RequestTimeout  time.Duration
	ConfirmDelay    time.Duration
	ConfirmAttempts int
	AnalysisDelay   time.Duration
	EarlyExitDelay  time.Duration
	// ProtectionInterval paces the stop-loss/take-profit check. Negative disables it.
	ProtectionInterval time.Duration

	LowScore      float64
	HighScore     float64
	HighSecurity  float64
	HoldTierScore float64

	TxCacheTTL time.Duration
	Protection map[domain.RiskTier]Protection
}

// DefaultProtection returns stop-loss/take-profit distances per risk tier.
// Riskier tiers sit closer to the entry.
func DefaultProtection() map[domain.RiskTier]Protection {
	pct := decimal.RequireFromString
	return map[domain.RiskTier]Protection{
		domain.RiskTierUnassessed: {StopLoss: pct("0.25"), TakeProfit: pct("1.00")},
		domain.RiskTierLow:        {StopLoss: pct("0.30"), TakeProfit: pct("2.00")},
		domain.RiskTierMedium:     {StopLoss: pct("0.20"), TakeProfit: pct("0.75")},
		domain.RiskTierHigh:       {StopLoss: pct("0.10"), TakeProfit: pct("0.30")},
	}
}

// DefaultConfig returns the default fast-path policy.
func DefaultConfig() Config {
	return Config{
		NormalSize:         decimal.NewFromInt(1),
		QuickSizeFraction:  decimal.RequireFromString("0.3"),
		ScaleInFraction:    decimal.RequireFromString("0.7"),
		InputMint:          quote.WSOLMint,
		InputDecimals:      9,
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
		Protection:         DefaultProtection(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if !c.NormalSize.IsPositive() {
		c.NormalSize = def.NormalSize
	}
	if !c.QuickSizeFraction.IsPositive() {
		c.QuickSizeFraction = def.QuickSizeFraction
	}
	if !c.ScaleInFraction.IsPositive() {
		c.ScaleInFraction = def.ScaleInFraction
	}
	if c.InputMint == "" {
		c.InputMint = def.InputMint
		c.InputDecimals = def.InputDecimals
	}
	if c.EntrySlippageBps <= 0 {
		c.EntrySlippageBps = def.EntrySlippageBps
	}
	if c.ExitSlippageBps <= 0 {
		c.ExitSlippageBps = def.ExitSlippageBps
	}
	if c.UrgentMultiplier <= 0 {
		c.UrgentMultiplier = def.UrgentMultiplier
	}
	if c.MaxPriorityFee == 0 {
		c.MaxPriorityFee = def.MaxPriorityFee
	}
	if c.SecurityBudget <= 0 {
		c.SecurityBudget = def.SecurityBudget
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ConfirmDelay <= 0 {
		c.ConfirmDelay = def.ConfirmDelay
	}
	if c.ConfirmAttempts <= 0 {
		c.ConfirmAttempts = def.ConfirmAttempts
	}
	if c.AnalysisDelay <= 0 {
		c.AnalysisDelay = def.AnalysisDelay
	}
	if c.EarlyExitDelay <= 0 {
		c.EarlyExitDelay = def.EarlyExitDelay
	}
	if c.ProtectionInterval == 0 {
		c.ProtectionInterval = def.ProtectionInterval
	}
	if c.LowScore <= 0 {
		c.LowScore = def.LowScore
	}
	if c.HighScore <= 0 {
		c.HighScore = def.HighScore
	}
	if c.HighSecurity <= 0 {
		c.HighSecurity = def.HighSecurity
	}
	if c.HoldTierScore <= 0 {
		c.HoldTierScore = def.HoldTierScore
	}
	if c.TxCacheTTL <= 0 {
		c.TxCacheTTL = def.TxCacheTTL
	}
	if c.Protection == nil {
		c.Protection = def.Protection
	}
	return c
}

// toBaseUnits converts whole input-asset units to base units, truncating.
func (c Config) toBaseUnits(units decimal.Decimal) uint64 {
	return uint64(units.Shift(c.InputDecimals).IntPart())
}

// toUnits converts input-asset base units to whole units.
func (c Config) toUnits(base uint64) decimal.Decimal {
	return decimal.NewFromUint64(base).Shift(-c.InputDecimals)
}

// QuickAmount is the phase-one buy in input base units.
func (c Config) QuickAmount() uint64 {
	return c.toBaseUnits(c.NormalSize.Mul(c.QuickSizeFraction))
}

// ScaleInAmount is the follow-up buy in input base units.
func (c Config) ScaleInAmount() uint64 {
	return c.toBaseUnits(c.NormalSize.Mul(c.ScaleInFraction))
}
