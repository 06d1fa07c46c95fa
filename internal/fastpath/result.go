package fastpath

import (
	"errors"
	"fmt"
	"time"
)

// Decision reasons. Breaker refusals pass through with the breaker's reason.
const (
	ReasonAccepted           = "ACCEPTED"
	ReasonInvalidOpportunity = "INVALID_OPPORTUNITY"
	ReasonLowConfidence      = "LOW_CONFIDENCE"
	ReasonDuplicatePosition  = "DUPLICATE_POSITION"
	ReasonMaxPositions       = "MAX_POSITIONS"
	ReasonSecurityTimeout    = "SECURITY_TIMEOUT"
	ReasonSecurityFailed     = "SECURITY_FAILED"
	ReasonLowLiquidity       = "LOW_LIQUIDITY"
	ReasonNoRoute            = "NO_ROUTE"
	ReasonQuoteFailed        = "QUOTE_FAILED"
	ReasonBuildFailed        = "BUILD_FAILED"
	ReasonSignFailed         = "SIGN_FAILED"
	ReasonSubmitFailed       = "SUBMIT_FAILED"
	ReasonStopped            = "CONTROLLER_STOPPED"
	ReasonNoPosition         = "NO_POSITION"
	ReasonNotActive          = "POSITION_NOT_ACTIVE"
)

var (
	// ErrNotConfirmed is recorded when a submission never reached confirmed commitment.
	ErrNotConfirmed = errors.New("transaction not confirmed")
	// ErrTransactionFailed is recorded when a submission landed with an error.
	ErrTransactionFailed = errors.New("transaction failed on-chain")
)

// Result is the outcome of Accept or Exit. Refusals are reported through
// Reason with OK false; Err carries the underlying cause when there is one.
type Result struct {
	OK         bool          `json:"ok"`
	Reason     string        `json:"reason"`
	Err        error         `json:"-"`
	PositionID string        `json:"positionId,omitempty"`
	Signature  string        `json:"signature,omitempty"`
	AmountIn   uint64        `json:"amountIn,omitempty"`
	Latency    time.Duration `json:"latencyNs"`
}

func reject(reason string, err error) Result {
	return Result{Reason: reason, Err: err}
}

// ValidationError is a failed quick security check.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(reason string, err error) *ValidationError {
	return &ValidationError{Reason: reason, Err: err}
}
