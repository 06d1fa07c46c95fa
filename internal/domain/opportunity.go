package domain

import "time"

// Opportunity is a candidate instrument surfaced by the event consumer.
type Opportunity struct {
	ID           string
	InstrumentID string // token mint
	Pool         string
	Kind         EventKind
	Program      string
	// QuoteReserve is the SOL side of the pool in lamports, zero when unknown.
	QuoteReserve uint64
	LiquidityUSD float64
	Confidence   float64 // 0..1
	Signature    string  // transaction that surfaced it
	Slot         int64
	DetectedAt   time.Time
}
