package domain

import "time"

// EventKind classifies a program log event.
type EventKind string

const (
	EventKindUnknown          EventKind = "UNKNOWN"
	EventKindPoolInitialized  EventKind = "POOL_INITIALIZED"
	EventKindTokenCreated     EventKind = "TOKEN_CREATED"
	EventKindSwap             EventKind = "SWAP"
	EventKindLiquidityAdded   EventKind = "LIQUIDITY_ADDED"
	EventKindLiquidityRemoved EventKind = "LIQUIDITY_REMOVED"
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	return string(k)
}

// EventRecord is a normalized program log event for one watched address.
// Records are delivered at-least-once. Backfilled records may be older than
// live records that arrived before them.
type EventRecord struct {
	ContractAddress string
	Signature       string
	Slot            int64
	Logs            []string    // program log lines
	Err             interface{} // transaction error, nil on success
	Backfilled      bool
	ReceivedAt      time.Time
}

// NewEventRecord builds a record that owns its copy of logs.
func NewEventRecord(address, signature string, slot int64, logs []string, txErr interface{}, backfilled bool, receivedAt time.Time) EventRecord {
	owned := make([]string, len(logs))
	copy(owned, logs)
	return EventRecord{
		ContractAddress: address,
		Signature:       signature,
		Slot:            slot,
		Logs:            owned,
		Err:             txErr,
		Backfilled:      backfilled,
		ReceivedAt:      receivedAt,
	}
}

// Failed reports whether the underlying transaction failed on-chain.
func (e EventRecord) Failed() bool {
	return e.Err != nil
}
