package discovery

import (
	"encoding/base64"
	"encoding/binary"
	"regexp"

	"github.com/mr-tron/base58"

	"solana-fastpath/internal/domain"
)

// ray_log type tags.
const (
	rayLogInit        = 0
	rayLogDeposit     = 1
	rayLogWithdraw    = 2
	rayLogSwapBaseIn  = 3
	rayLogSwapBaseOut = 4
)

// Minimum ray_log payload sizes per type.
const (
	rayInitLen     = 75 // 1 + 8 + 1 + 1 + 8*4 + 32
	rayDepositLen  = 105
	rayWithdrawLen = 89
	raySwapLen     = 57
)

// RaydiumParser parses Raydium AMM v4 ray_log entries.
type RaydiumParser struct {
	// ray_log pattern: base64 encoded data after "ray_log: "
	rayLogPattern *regexp.Regexp
}

// NewRaydiumParser creates a new Raydium parser.
func NewRaydiumParser() *RaydiumParser {
	return &RaydiumParser{
		rayLogPattern: regexp.MustCompile(`ray_log: ([A-Za-z0-9+/=]+)`),
	}
}

// Parse extracts pool initialization, liquidity and swap events.
func (p *RaydiumParser) Parse(rec domain.EventRecord) []Event {
	var events []Event

	for i, line := range rec.Logs {
		matches := p.rayLogPattern.FindStringSubmatch(line)
		if matches == nil {
			continue
		}

		data, err := base64.StdEncoding.DecodeString(matches[1])
		if err != nil || len(data) == 0 {
			continue
		}

		ev := Event{Program: RaydiumAMMV4, Record: rec, LogIndex: i}
		switch data[0] {
		case rayLogInit:
			if len(data) < rayInitLen {
				continue
			}
			ev.Kind = domain.EventKindPoolInitialized
			ev.Init = &PoolInit{
				OpenTime:     readUint64LE(data, 1),
				PCDecimals:   data[9],
				CoinDecimals: data[10],
				PCLotSize:    readUint64LE(data, 11),
				CoinLotSize:  readUint64LE(data, 19),
				PCAmount:     readUint64LE(data, 27),
				CoinAmount:   readUint64LE(data, 35),
				Market:       base58.Encode(data[43:75]),
			}
		case rayLogDeposit:
			if len(data) < rayDepositLen {
				continue
			}
			ev.Kind = domain.EventKindLiquidityAdded
			ev.CoinAmount = readUint64LE(data, 81)
			ev.PCAmount = readUint64LE(data, 89)
		case rayLogWithdraw:
			if len(data) < rayWithdrawLen {
				continue
			}
			ev.Kind = domain.EventKindLiquidityRemoved
			ev.CoinAmount = readUint64LE(data, 73)
			ev.PCAmount = readUint64LE(data, 81)
		case rayLogSwapBaseIn:
			if len(data) < raySwapLen {
				continue
			}
			ev.Kind = domain.EventKindSwap
			ev.AmountIn = readUint64LE(data, 1)
			ev.AmountOut = readUint64LE(data, 49)
		case rayLogSwapBaseOut:
			if len(data) < raySwapLen {
				continue
			}
			ev.Kind = domain.EventKindSwap
			ev.AmountIn = readUint64LE(data, 49)
			ev.AmountOut = readUint64LE(data, 9)
		default:
			continue
		}

		events = append(events, ev)
	}

	return events
}

// QuoteReserve guesses the SOL side of an initialization from decimals.
// Used only when token balances are unavailable.
func (pi *PoolInit) QuoteReserve() uint64 {
	switch {
	case pi.PCDecimals == 9 && pi.CoinDecimals != 9:
		return pi.PCAmount
	case pi.CoinDecimals == 9 && pi.PCDecimals != 9:
		return pi.CoinAmount
	default:
		return pi.PCAmount
	}
}

// readUint64LE reads a little-endian uint64 from data at offset.
func readUint64LE(data []byte, offset int) uint64 {
	if offset+8 > len(data) {
		return 0
	}
	return binary.LittleEndian.Uint64(data[offset:])
}
