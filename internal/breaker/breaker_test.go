package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/logger"
	"solana-fastpath/internal/observability"
	"solana-fastpath/internal/solana"
)

func newTestBreaker(cfg Config) (*Breaker, *clock.Fake) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := New(Options{Config: cfg, Clock: fc, Logger: logger.Discard()})
	return b, fc
}

var errBoom = errors.New("boom")

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		b.RecordFailure(errBoom)
		ok, _ := b.CanExecute()
		require.True(t, ok, "still closed after %d failures", i+1)
	}

	b.RecordFailure(errBoom)
	ok, reason := b.CanExecute()
	assert.False(t, ok)
	assert.Equal(t, ReasonCircuitOpen, reason)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_RecoveryScenario(t *testing.T) {
	b, fc := newTestBreaker(Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 5,
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure(errBoom)
	}
	require.Equal(t, StateOpen, b.State())

	fc.Advance(time.Minute - time.Millisecond)
	ok, reason := b.CanExecute()
	assert.False(t, ok)
	assert.Equal(t, ReasonCircuitOpen, reason)
	assert.Equal(t, StateOpen, b.State())

	fc.Advance(time.Millisecond)
	ok, _ = b.CanExecute()
	assert.True(t, ok, "recovery timeout elapsed exactly")
	assert.Equal(t, StateHalfOpen, b.State())

	for i := 0; i < 4; i++ {
		b.RecordSuccess()
		assert.Equal(t, StateHalfOpen, b.State(), "after %d successes", i+1)
	}
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, fc := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: time.Second})

	for i := 0; i < 3; i++ {
		b.RecordFailure(errBoom)
	}
	fc.Advance(2 * time.Second)
	ok, _ := b.CanExecute()
	require.True(t, ok)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	b.RecordFailure(errBoom)
	assert.Equal(t, StateOpen, b.State())

	ok, reason := b.CanExecute()
	assert.False(t, ok)
	assert.Equal(t, ReasonCircuitOpen, reason)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	b.RecordFailure(errBoom)
	b.RecordFailure(errBoom)
	b.RecordSuccess()
	b.RecordFailure(errBoom)
	b.RecordFailure(errBoom)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().FailureCount)
}

func TestBreaker_EmergencyStopBlocksFirst(t *testing.T) {
	b, _ := newTestBreaker(Config{DailyLossLimit: decimal.NewFromInt(1)})
	b.RecordOutcome(false, decimal.NewFromInt(-5))
	b.SetEmergencyStop(true, "operator")

	ok, reason := b.CanExecute()
	assert.False(t, ok)
	assert.Equal(t, ReasonEmergencyStop, reason)

	b.SetEmergencyStop(false, "")
	_, reason = b.CanExecute()
	assert.Equal(t, ReasonDailyLossLimit, reason)
}

func TestBreaker_DailyLossLimitRollsOver(t *testing.T) {
	b, fc := newTestBreaker(Config{DailyLossLimit: decimal.RequireFromString("0.5")})

	b.RecordOutcome(true, decimal.RequireFromString("0.2"))
	b.RecordOutcome(false, decimal.RequireFromString("-0.6"))
	ok, _ := b.CanExecute()
	assert.True(t, ok, "-0.4 is within the limit")

	b.RecordOutcome(false, decimal.RequireFromString("-0.2"))
	ok, reason := b.CanExecute()
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyLossLimit, reason)

	stats := b.DailyStats()
	assert.Equal(t, 3, stats.TotalOps)
	assert.Equal(t, 1, stats.SuccessfulOps)
	assert.True(t, stats.CumulativePnL.Equal(decimal.RequireFromString("-0.6")))

	fc.Advance(DailyWindow)
	ok, _ = b.CanExecute()
	assert.True(t, ok)
	assert.Equal(t, 0, b.DailyStats().TotalOps)
}

func TestBreaker_ZeroLossLimitDisabled(t *testing.T) {
	b, _ := newTestBreaker(Config{DailyLossLimit: decimal.Zero})
	b.RecordOutcome(false, decimal.NewFromInt(-100))

	ok, _ := b.CanExecute()
	assert.True(t, ok)
}

func TestBreaker_InsufficientDataSources(t *testing.T) {
	b, _ := newTestBreaker(Config{MinDataSources: 2})

	ok, _ := b.CanExecute()
	assert.True(t, ok, "unknown source health does not block")

	b.SetHealthyDataSources(1)
	ok, reason := b.CanExecute()
	assert.False(t, ok)
	assert.Equal(t, ReasonInsufficientDataSources, reason)
	assert.Contains(t, b.Snapshot().PauseReasons, ReasonInsufficientDataSources)

	b.SetHealthyDataSources(2)
	ok, _ = b.CanExecute()
	assert.True(t, ok)
	assert.NotContains(t, b.Snapshot().PauseReasons, ReasonInsufficientDataSources)
}

func TestBreaker_ExecuteBlockedDoesNotRun(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	b.SetEmergencyStop(true, "halt")

	ran := false
	res := b.Execute(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})

	assert.False(t, ran)
	assert.True(t, res.Blocked)
	assert.Equal(t, ReasonEmergencyStop, res.Reason)
	assert.False(t, res.OK())
}

func TestBreaker_ExecuteRecordsOutcome(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})

	res := b.Execute(context.Background(), func(context.Context) error { return errBoom })
	assert.ErrorIs(t, res.Err, errBoom)
	res = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	assert.Equal(t, StateOpen, b.State())

	res = b.Execute(context.Background(), func(context.Context) error { return nil })
	assert.True(t, res.Blocked)
}

func TestBreaker_SubmitRecordsOnlyFailure(t *testing.T) {
	b, fc := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1})
	for i := 0; i < 3; i++ {
		b.RecordFailure(errBoom)
	}
	fc.Advance(2 * time.Second)

	res := b.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, res.OK())
	assert.Equal(t, StateHalfOpen, b.State(), "success waits for confirmation")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	res = b.Submit(context.Background(), func(context.Context) error { return errBoom })
	assert.ErrorIs(t, res.Err, errBoom)
	assert.Equal(t, 1, b.Snapshot().FailureCount)
}

func TestBreaker_HighLatencyDoesNotOpen(t *testing.T) {
	b, fc := newTestBreaker(Config{LatencyThreshold: 100 * time.Millisecond})

	res := b.Execute(context.Background(), func(context.Context) error {
		fc.Advance(250 * time.Millisecond)
		return nil
	})
	require.True(t, res.OK())
	assert.Equal(t, 250*time.Millisecond, res.Latency)
	assert.Equal(t, StateClosed, b.State())
	assert.Contains(t, b.Snapshot().PauseReasons, ReasonHighLatency)

	// A fast success clears it.
	b.Execute(context.Background(), func(context.Context) error { return nil })
	assert.NotContains(t, b.Snapshot().PauseReasons, ReasonHighLatency)
}

func TestBreaker_PauseReasonsFromCauses(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 10})

	b.RecordFailure(context.DeadlineExceeded)
	b.RecordFailure(errors.New("Program log: custom program error: 0x1771"))
	b.RecordFailure(errBoom)

	reasons := b.Snapshot().PauseReasons
	assert.Equal(t, []string{string(CauseSlippage), string(CauseTimeout)}, reasons)

	b.RecordSuccess()
	assert.Empty(t, b.Snapshot().PauseReasons)
}

func TestBreaker_StateChangeObserver(t *testing.T) {
	b, fc := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1})

	var seen []string
	b.OnStateChange(func(from, to State) {
		seen = append(seen, fmt.Sprintf("%s->%s", from, to))
	})

	b.RecordFailure(errBoom)
	fc.Advance(2 * time.Second)
	b.CanExecute()
	b.RecordSuccess()

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, seen)
}

func TestBreaker_Metrics(t *testing.T) {
	m := observability.NewMetrics("test")
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(Options{Config: Config{FailureThreshold: 1}, Clock: fc, Logger: logger.Discard(), Metrics: m})

	b.RecordFailure(&solana.RPCError{Code: -32005, Message: "Node is unhealthy"})
	b.CanExecute()

	assert.Equal(t, float64(observability.BreakerOpen), testutil.ToFloat64(m.BreakerState))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BreakerFailure.WithLabelValues(string(CauseConnectivity))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BreakerBlocked.WithLabelValues(ReasonCircuitOpen)))
}
