package domain

import "time"

// ExecutionKind identifies why a transaction was submitted.
type ExecutionKind string

const (
	ExecutionEntry   ExecutionKind = "ENTRY"
	ExecutionScaleIn ExecutionKind = "SCALE_IN"
	ExecutionExit    ExecutionKind = "EXIT"
)

// ExecutionStatus tracks on-chain confirmation of a submission.
type ExecutionStatus string

const (
	ExecutionSubmitted ExecutionStatus = "SUBMITTED"
	ExecutionConfirmed ExecutionStatus = "CONFIRMED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Execution is one submitted swap transaction.
type Execution struct {
	ID           string
	PositionID   string
	InstrumentID string
	Kind         ExecutionKind
	Signature    string

	InputMint   string
	OutputMint  string
	AmountIn    uint64 // input base units
	ExpectedOut uint64 // output base units quoted

	PriorityFeeLamports uint64
	Status              ExecutionStatus
	Reason              string // exit reason or failure cause

	SubmittedAt time.Time
	ConfirmedAt *time.Time
}
