package breaker

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyWindow is the rolling risk accounting period.
const DailyWindow = 24 * time.Hour

// DailyRiskStats accumulates execution outcomes over the current window.
type DailyRiskStats struct {
	TotalOps      int             `json:"totalOps"`
	SuccessfulOps int             `json:"successfulOps"`
	CumulativePnL decimal.Decimal `json:"cumulativePnl"`
	WindowStart   time.Time       `json:"windowStart"`
}

// SuccessRate returns successful/total, zero when nothing ran.
func (d DailyRiskStats) SuccessRate() float64 {
	if d.TotalOps == 0 {
		return 0
	}
	return float64(d.SuccessfulOps) / float64(d.TotalOps)
}

// RecordOutcome adds one execution outcome and its realized PnL to the daily stats.
func (b *Breaker) RecordOutcome(success bool, pnl decimal.Decimal) {
	b.mu.Lock()
	b.rollDailyLocked()
	b.daily.TotalOps++
	if success {
		b.daily.SuccessfulOps++
	}
	b.daily.CumulativePnL = b.daily.CumulativePnL.Add(pnl)
	total := b.daily.CumulativePnL
	b.mu.Unlock()

	f, _ := total.Float64()
	b.metrics.SetDailyPnL(f)
}

// DailyStats returns the stats of the current window.
func (b *Breaker) DailyStats() DailyRiskStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDailyLocked()
	return b.daily
}

// rollDailyLocked starts a new window once 24h have passed. Caller holds mu.
func (b *Breaker) rollDailyLocked() {
	now := b.clock.Now()
	if now.Sub(b.daily.WindowStart) < DailyWindow {
		return
	}
	b.daily = DailyRiskStats{WindowStart: now, CumulativePnL: decimal.Zero}
	b.metrics.SetDailyPnL(0)
}
