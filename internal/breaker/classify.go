package breaker

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"

	"solana-fastpath/internal/solana"
)

// Cause is the classified origin of an execution failure.
type Cause string

const (
	CauseConnectivity      Cause = "CONNECTIVITY"
	CauseSlippage          Cause = "SLIPPAGE"
	CauseInsufficientFunds Cause = "INSUFFICIENT_FUNDS"
	CauseTimeout           Cause = "TIMEOUT"
	CauseUnknown           Cause = "UNKNOWN"
)

// SPL token error 0x1 is InsufficientFunds; Jupiter's 0x1771 is SlippageToleranceExceeded.
var (
	tokenInsufficientFunds = regexp.MustCompile(`custom program error: 0x1\b`)
	jupiterSlippage        = regexp.MustCompile(`custom program error: 0x1771\b`)
)

// Node-side JSON-RPC codes that mean the node, not the transaction, failed.
var connectivityCodes = map[int]bool{
	-32005: true, // node unhealthy
	-32004: true, // block not available
	-32603: true, // internal error
	429:    true,
}

// Classify maps an error to a failure cause.
func Classify(err error) Cause {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	if errors.Is(err, solana.ErrWSClosed) {
		return CauseConnectivity
	}

	msg := strings.ToLower(err.Error())
	switch {
	case jupiterSlippage.MatchString(msg),
		strings.Contains(msg, "slippage"),
		strings.Contains(msg, "price impact"):
		return CauseSlippage
	case tokenInsufficientFunds.MatchString(msg),
		strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "insufficient lamports"),
		strings.Contains(msg, "insufficientfunds"):
		return CauseInsufficientFunds
	}

	var rpcErr *solana.RPCError
	if errors.As(err, &rpcErr) && connectivityCodes[rpcErr.Code] {
		return CauseConnectivity
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CauseTimeout
		}
		return CauseConnectivity
	}

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "blockhash not found"),
		strings.Contains(msg, "block height exceeded"):
		return CauseTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "unexpected status 5"),
		strings.Contains(msg, "rate limited"),
		strings.Contains(msg, "http request"):
		return CauseConnectivity
	}

	return CauseUnknown
}
