package discovery

import (
	"strings"

	"solana-fastpath/internal/domain"
)

// Known DEX program IDs.
const (
	// RaydiumAMMV4 is the Raydium AMM v4 program ID.
	RaydiumAMMV4 = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	// RaydiumAuthorityV4 owns the token vaults of every AMM v4 pool.
	RaydiumAuthorityV4 = "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"
	// PumpFun is the pump.fun program ID.
	PumpFun = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
)

// WSOL is the Wrapped SOL mint address.
const WSOL = "So11111111111111111111111111111111111111112"

// Parser extracts typed events for one program from a record's logs.
type Parser interface {
	Parse(rec domain.EventRecord) []Event
}

// Classifier routes records to the parsers of the programs they invoke.
type Classifier struct {
	parsers map[string]Parser // programID -> parser
}

// NewClassifier creates a classifier with the Raydium and pump.fun parsers registered.
func NewClassifier() *Classifier {
	c := &Classifier{
		parsers: make(map[string]Parser),
	}

	c.RegisterParser(RaydiumAMMV4, NewRaydiumParser())
	c.RegisterParser(PumpFun, NewPumpFunParser())

	return c
}

// RegisterParser registers a parser for a specific program ID.
func (c *Classifier) RegisterParser(programID string, parser Parser) {
	c.parsers[programID] = parser
}

// Classify returns the typed events in rec, ordered by log line.
// Failed transactions produce no events.
func (c *Classifier) Classify(rec domain.EventRecord) []Event {
	if rec.Failed() {
		return nil
	}

	var events []Event
	for programID, parser := range c.parsers {
		if !invoked(rec.Logs, programID) {
			continue
		}
		events = append(events, parser.Parse(rec)...)
	}

	SortEvents(events)
	return events
}

// invoked reports whether logs contain an invocation of programID at any depth.
func invoked(logs []string, programID string) bool {
	prefix := "Program " + programID + " invoke"
	for _, line := range logs {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
