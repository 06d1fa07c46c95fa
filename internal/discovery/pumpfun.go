package discovery

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"

	"solana-fastpath/internal/domain"
)

// createEventDiscriminator is the Anchor event tag of pump.fun's CreateEvent.
var createEventDiscriminator = anchorEventDiscriminator("CreateEvent")

func anchorEventDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("event:" + name))
	return sum[:8]
}

// PumpFunParser parses pump.fun bonding curve events.
type PumpFunParser struct {
	mintPattern *regexp.Regexp
	dataPattern *regexp.Regexp
}

// NewPumpFunParser creates a new pump.fun parser.
func NewPumpFunParser() *PumpFunParser {
	return &PumpFunParser{
		mintPattern: regexp.MustCompile(`mint=([A-Za-z0-9]+)`),
		dataPattern: regexp.MustCompile(`^Program data: ([A-Za-z0-9+/=]+)`),
	}
}

// Parse extracts token creation, swap and migration events.
func (p *PumpFunParser) Parse(rec domain.EventRecord) []Event {
	var events []Event
	var currentMint string
	createIdx := -1
	inPumpFun := false

	for i, line := range rec.Logs {
		// Detect pump.fun program invocation
		if strings.HasPrefix(line, "Program "+PumpFun+" invoke") {
			inPumpFun = true
			createIdx = -1
			continue
		}

		// Detect program exit
		if strings.HasPrefix(line, "Program "+PumpFun+" success") ||
			strings.HasPrefix(line, "Program "+PumpFun+" failed") {
			inPumpFun = false
			currentMint = ""
			continue
		}

		if !inPumpFun {
			continue
		}

		if m := p.mintPattern.FindStringSubmatch(line); m != nil {
			currentMint = m[1]
		}

		if m := p.dataPattern.FindStringSubmatch(line); m != nil {
			info, err := decodeCreateEvent(m[1])
			if err != nil {
				continue
			}
			currentMint = info.Mint
			if createIdx >= 0 {
				events[createIdx].Token = info
				events[createIdx].Mint = info.Mint
				events[createIdx].Pool = info.BondingCurve
				continue
			}
			events = append(events, Event{
				Kind:     domain.EventKindTokenCreated,
				Program:  PumpFun,
				Record:   rec,
				LogIndex: i,
				Mint:     info.Mint,
				Pool:     info.BondingCurve,
				Token:    info,
			})
			createIdx = len(events) - 1
			continue
		}

		var kind domain.EventKind
		switch {
		case strings.Contains(line, "Program log: Instruction: Create"):
			kind = domain.EventKindTokenCreated
		case strings.Contains(line, "Program log: Instruction: Buy"),
			strings.Contains(line, "Program log: Instruction: Sell"):
			kind = domain.EventKindSwap
		case strings.Contains(line, "Program log: Instruction: Migrate"):
			kind = domain.EventKindLiquidityRemoved
		default:
			continue
		}

		events = append(events, Event{
			Kind:     kind,
			Program:  PumpFun,
			Record:   rec,
			LogIndex: i,
			Mint:     currentMint,
		})
		if kind == domain.EventKindTokenCreated {
			createIdx = len(events) - 1
		}
	}

	return events
}

var errShortEvent = errors.New("short event payload")

// decodeCreateEvent decodes a base64 Anchor CreateEvent:
// name, symbol, uri (borsh strings) followed by mint, bonding curve and creator keys.
func decodeCreateEvent(b64 string) (*TokenInfo, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 || string(data[:8]) != string(createEventDiscriminator) {
		return nil, errors.New("not a create event")
	}

	r := &borshReader{data: data[8:]}
	info := &TokenInfo{}
	if info.Name, err = r.string(); err != nil {
		return nil, err
	}
	if info.Symbol, err = r.string(); err != nil {
		return nil, err
	}
	if info.URI, err = r.string(); err != nil {
		return nil, err
	}
	if info.Mint, err = r.pubkey(); err != nil {
		return nil, err
	}
	if info.BondingCurve, err = r.pubkey(); err != nil {
		return nil, err
	}
	if info.Creator, err = r.pubkey(); err != nil {
		return nil, err
	}
	return info, nil
}

type borshReader struct {
	data []byte
	off  int
}

func (r *borshReader) string() (string, error) {
	if r.off+4 > len(r.data) {
		return "", errShortEvent
	}
	n := int(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	if n < 0 || r.off+n > len(r.data) {
		return "", errShortEvent
	}
	s := string(r.data[r.off : r.off+n])
	r.off += n
	return s, nil
}

func (r *borshReader) pubkey() (string, error) {
	if r.off+32 > len(r.data) {
		return "", errShortEvent
	}
	key := base58.Encode(r.data[r.off : r.off+32])
	r.off += 32
	return key, nil
}
