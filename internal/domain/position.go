package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionPending PositionStatus = "PENDING"
	PositionActive  PositionStatus = "ACTIVE"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// Side of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// RiskTier is assigned by deep analysis and drives protection levels.
type RiskTier string

const (
	RiskTierUnassessed RiskTier = "UNASSESSED"
	RiskTierLow        RiskTier = "LOW"
	RiskTierMedium     RiskTier = "MEDIUM"
	RiskTierHigh       RiskTier = "HIGH"
)

// Exit reason codes
const (
	ExitReasonEarlyLowScore  = "EARLY_EXIT_LOW_SCORE"
	ExitReasonStopLoss       = "STOP_LOSS"
	ExitReasonTakeProfit     = "TAKE_PROFIT"
	ExitReasonManual         = "MANUAL"
	ExitReasonEntryNotLanded = "ENTRY_NOT_CONFIRMED"
)

// Position is an open or historical holding created by the fast path.
// Prices are quoted as input-asset base units per instrument base unit.
type Position struct {
	ID           string
	InstrumentID string // token mint
	Side         Side

	Size        decimal.Decimal // input asset committed, in whole units (e.g. SOL)
	TokenAmount uint64          // instrument base units held

	EntryPrice      decimal.Decimal
	StopLossPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	RiskTier        RiskTier

	Status         PositionStatus
	EntrySignature string
	OpenedAt       time.Time
	ClosedAt       *time.Time
	ExitReason     string
	RealizedPnL    decimal.Decimal // input asset, whole units
}

var allowedTransitions = map[PositionStatus][]PositionStatus{
	PositionPending: {PositionActive, PositionClosed},
	PositionActive:  {PositionClosing},
	PositionClosing: {PositionClosed, PositionActive},
}

// Transition moves the position to the next status.
// Pending→Closed covers an entry that never landed; Closing→Active an exit that failed.
func (p *Position) Transition(to PositionStatus) error {
	for _, next := range allowedTransitions[p.Status] {
		if next == to {
			p.Status = to
			return nil
		}
	}
	return fmt.Errorf("invalid position transition %s -> %s", p.Status, to)
}

// IsOpen reports whether the position still holds or may hold the instrument.
func (p *Position) IsOpen() bool {
	return p.Status != PositionClosed
}

// SetProtection sets stop-loss and take-profit levels.
// Long: stopLoss < entry < takeProfit. Short: reversed.
func (p *Position) SetProtection(stopLoss, takeProfit decimal.Decimal) error {
	switch p.Side {
	case SideShort:
		if !(takeProfit.LessThan(p.EntryPrice) && p.EntryPrice.LessThan(stopLoss)) {
			return fmt.Errorf("short protection must satisfy take_profit < entry < stop_loss (tp=%s entry=%s sl=%s)",
				takeProfit, p.EntryPrice, stopLoss)
		}
	default:
		if !(stopLoss.LessThan(p.EntryPrice) && p.EntryPrice.LessThan(takeProfit)) {
			return fmt.Errorf("long protection must satisfy stop_loss < entry < take_profit (sl=%s entry=%s tp=%s)",
				stopLoss, p.EntryPrice, takeProfit)
		}
	}
	p.StopLossPrice = stopLoss
	p.TakeProfitPrice = takeProfit
	return nil
}

// Clone returns a copy safe to hand out of a lock.
func (p *Position) Clone() *Position {
	c := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
