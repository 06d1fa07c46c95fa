package discovery

import (
	"sort"

	"solana-fastpath/internal/domain"
)

// Event is a typed view of one program log event.
type Event struct {
	Kind    domain.EventKind
	Program string
	Record  domain.EventRecord
	// LogIndex is the log line that produced the event.
	LogIndex int
	// Pool and Mint are set when derivable from logs alone.
	Pool string
	Mint string

	// Swap amounts in raw base units.
	AmountIn  uint64
	AmountOut uint64

	// Liquidity amounts in raw base units.
	CoinAmount uint64
	PCAmount   uint64

	Init  *PoolInit
	Token *TokenInfo
}

// PoolInit is the Raydium AMM initialization log.
type PoolInit struct {
	OpenTime     uint64
	PCDecimals   uint8
	CoinDecimals uint8
	PCLotSize    uint64
	CoinLotSize  uint64
	PCAmount     uint64
	CoinAmount   uint64
	Market       string
}

// TokenInfo is the pump.fun token creation event.
type TokenInfo struct {
	Name         string
	Symbol       string
	URI          string
	Mint         string
	BondingCurve string
	Creator      string
}

// SortEvents sorts events by (slot, tx_signature, log_index) for deterministic ordering.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].Record, events[j].Record
		if a.Slot != b.Slot {
			return a.Slot < b.Slot
		}
		if a.Signature != b.Signature {
			return a.Signature < b.Signature
		}
		return events[i].LogIndex < events[j].LogIndex
	})
}
