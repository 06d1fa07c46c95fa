// Package breaker isolates the trading path from cascading failures: a
// Closed/Open/HalfOpen state machine plus daily loss, emergency stop and
// data source gates consulted before every risk-bearing operation.
package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/logger"
	"solana-fastpath/internal/observability"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s State) metric() int {
	switch s {
	case StateOpen:
		return observability.BreakerOpen
	case StateHalfOpen:
		return observability.BreakerHalfOpen
	default:
		return observability.BreakerClosed
	}
}

// Blocking reasons.
const (
	ReasonEmergencyStop           = "EMERGENCY_STOP"
	ReasonDailyLossLimit          = "DAILY_LOSS_LIMIT"
	ReasonInsufficientDataSources = "INSUFFICIENT_DATA_SOURCES"
	ReasonCircuitOpen             = "CIRCUIT_OPEN"
	ReasonHalfOpenLimit           = "HALF_OPEN_LIMIT"
)

// Pause reasons surfaced for diagnostics.
const (
	ReasonHighLatency = "HIGH_LATENCY"
	// Health task entries.
	ReasonHealthConnectivity = "HEALTH_CONNECTIVITY"
	ReasonLowBalance         = "LOW_WALLET_BALANCE"
)

// Config holds the breaker policy.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	// DailyLossLimit is a positive amount in the input asset; zero disables the check.
	DailyLossLimit decimal.Decimal
	// LatencyThreshold: calls slower than twice this add HIGH_LATENCY.
	LatencyThreshold time.Duration
	MinDataSources   int
}

// DefaultConfig returns the default breaker policy.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
		DailyLossLimit:   decimal.NewFromInt(1),
		LatencyThreshold: time.Second,
		MinDataSources:   1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = def.LatencyThreshold
	}
	if c.MinDataSources < 0 {
		c.MinDataSources = 0
	}
	return c
}

// Options configures the Breaker.
type Options struct {
	Config  Config
	Clock   clock.Clock
	Logger  *logrus.Entry
	Metrics *observability.Metrics
}

// Result is the outcome of a guarded operation. Business-level refusals are
// reported through Blocked and Reason, never as errors.
type Result struct {
	Blocked bool
	Reason  string
	Err     error
	Latency time.Duration
}

// OK reports whether the operation ran and succeeded.
func (r Result) OK() bool {
	return !r.Blocked && r.Err == nil
}

// Breaker is safe for concurrent use. Every transition happens under one lock.
type Breaker struct {
	cfg     Config
	clock   clock.Clock
	log     *logrus.Entry
	metrics *observability.Metrics

	mu                   sync.Mutex
	state                State
	failureCount         int
	halfOpenSuccessCount int
	lastFailureAt        time.Time
	pauseReasons         map[string]struct{}
	healthReasons        map[string]struct{}
	emergencyStop        bool
	emergencyReason      string
	daily                DailyRiskStats
	// healthyDataSources is -1 until the health task reports.
	healthyDataSources int
	onStateChange      []func(from, to State)
}

// New creates a closed breaker.
func New(opts Options) *Breaker {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Component("breaker")
	}
	b := &Breaker{
		cfg:                opts.Config.withDefaults(),
		clock:              c,
		log:                log,
		metrics:            opts.Metrics,
		pauseReasons:       make(map[string]struct{}),
		healthReasons:      make(map[string]struct{}),
		healthyDataSources: -1,
		daily:              DailyRiskStats{WindowStart: c.Now(), CumulativePnL: decimal.Zero},
	}
	b.metrics.SetBreakerState(StateClosed.metric())
	return b
}

// Config returns the active policy.
func (b *Breaker) Config() Config {
	return b.cfg
}

// OnStateChange registers fn for state transitions. It runs outside the lock.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = append(b.onStateChange, fn)
}

// CanExecute reports whether a new operation may run, and why not.
// It may move Open to HalfOpen once the recovery timeout has elapsed.
func (b *Breaker) CanExecute() (bool, string) {
	b.mu.Lock()
	ok, reason, change := b.canExecuteLocked()
	b.mu.Unlock()

	b.notify(change)
	if !ok {
		b.metrics.RecordBlocked(reason)
	}
	return ok, reason
}

type transition struct {
	from, to State
	fns      []func(from, to State)
}

func (b *Breaker) canExecuteLocked() (bool, string, *transition) {
	if b.emergencyStop {
		return false, ReasonEmergencyStop, nil
	}

	b.rollDailyLocked()
	if b.cfg.DailyLossLimit.IsPositive() && b.daily.CumulativePnL.LessThan(b.cfg.DailyLossLimit.Neg()) {
		return false, ReasonDailyLossLimit, nil
	}

	if b.healthyDataSources >= 0 && b.healthyDataSources < b.cfg.MinDataSources {
		return false, ReasonInsufficientDataSources, nil
	}

	switch b.state {
	case StateOpen:
		if b.clock.Now().Sub(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
			return true, "", b.setStateLocked(StateHalfOpen)
		}
		return false, ReasonCircuitOpen, nil
	case StateHalfOpen:
		if b.halfOpenSuccessCount < b.cfg.HalfOpenMaxCalls {
			return true, "", nil
		}
		return false, ReasonHalfOpenLimit, nil
	default:
		return true, "", nil
	}
}

// Execute runs op when allowed and records its success or failure.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) Result {
	if ok, reason := b.CanExecute(); !ok {
		return Result{Blocked: true, Reason: reason}
	}

	start := b.clock.Now()
	err := op(ctx)
	latency := clock.Since(b.clock, start)

	if err != nil {
		b.RecordFailure(err)
	} else {
		b.RecordSuccess()
	}
	b.RecordLatency(latency)
	return Result{Err: err, Latency: latency}
}

// Submit runs op when allowed and records only its failure; success is
// recorded later, once the submission is confirmed.
func (b *Breaker) Submit(ctx context.Context, op func(ctx context.Context) error) Result {
	if ok, reason := b.CanExecute(); !ok {
		return Result{Blocked: true, Reason: reason}
	}

	start := b.clock.Now()
	err := op(ctx)
	latency := clock.Since(b.clock, start)

	if err != nil {
		b.RecordFailure(err)
	}
	b.RecordLatency(latency)
	return Result{Err: err, Latency: latency}
}

// RecordSuccess resets the failure count and clears failure pause reasons.
// In HalfOpen, HalfOpenMaxCalls successes close the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failureCount = 0
	b.pauseReasons = make(map[string]struct{})
	var change *transition
	if b.state == StateHalfOpen {
		b.halfOpenSuccessCount++
		if b.halfOpenSuccessCount >= b.cfg.HalfOpenMaxCalls {
			change = b.setStateLocked(StateClosed)
		}
	}
	b.mu.Unlock()

	b.notify(change)
}

// RecordFailure counts a failure and classifies its cause. The breaker opens
// at FailureThreshold, or on any failure while HalfOpen.
func (b *Breaker) RecordFailure(err error) {
	cause := Classify(err)

	b.mu.Lock()
	b.failureCount++
	b.lastFailureAt = b.clock.Now()
	if cause != CauseUnknown && cause != "" {
		b.pauseReasons[string(cause)] = struct{}{}
	}
	var change *transition
	switch {
	case b.state == StateHalfOpen:
		change = b.setStateLocked(StateOpen)
	case b.state == StateClosed && b.failureCount >= b.cfg.FailureThreshold:
		change = b.setStateLocked(StateOpen)
	}
	failures := b.failureCount
	b.mu.Unlock()

	b.metrics.RecordBreakerFailure(string(cause))
	b.log.WithError(err).WithFields(logrus.Fields{
		"cause":    cause,
		"failures": failures,
	}).Warn("Operation failed")
	b.notify(change)
}

// RecordLatency adds HIGH_LATENCY when d exceeds twice the latency threshold.
// It never opens the breaker.
func (b *Breaker) RecordLatency(d time.Duration) {
	if d <= 2*b.cfg.LatencyThreshold {
		return
	}
	b.mu.Lock()
	b.pauseReasons[ReasonHighLatency] = struct{}{}
	b.mu.Unlock()
	b.log.WithField("latency", d).Warn("High latency")
}

// SetEmergencyStop toggles the operator stop. Only an explicit call clears it.
func (b *Breaker) SetEmergencyStop(active bool, reason string) {
	b.mu.Lock()
	b.emergencyStop = active
	if active {
		b.emergencyReason = reason
	} else {
		b.emergencyReason = ""
	}
	b.mu.Unlock()

	entry := b.log.WithField("reason", reason)
	if active {
		entry.Error("Emergency stop activated")
	} else {
		entry.Warn("Emergency stop cleared")
	}
}

// SetHealthReason adds or clears a health task pause reason.
func (b *Breaker) SetHealthReason(reason string, active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if active {
		b.healthReasons[reason] = struct{}{}
	} else {
		delete(b.healthReasons, reason)
	}
}

// SetHealthyDataSources records how many upstream data sources are healthy.
func (b *Breaker) SetHealthyDataSources(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthyDataSources = n
	if n < b.cfg.MinDataSources {
		b.healthReasons[ReasonInsufficientDataSources] = struct{}{}
	} else {
		delete(b.healthReasons, ReasonInsufficientDataSources)
	}
}

// State returns the current state without evaluating the recovery timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setStateLocked changes state and returns the transition to notify. Caller holds mu.
func (b *Breaker) setStateLocked(to State) *transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	switch to {
	case StateHalfOpen:
		b.halfOpenSuccessCount = 0
	case StateClosed:
		b.failureCount = 0
		b.halfOpenSuccessCount = 0
	}
	return &transition{from: from, to: to, fns: append([]func(from, to State){}, b.onStateChange...)}
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	b.metrics.SetBreakerState(t.to.metric())
	entry := b.log.WithFields(logrus.Fields{"from": t.from.String(), "to": t.to.String()})
	if t.to == StateOpen {
		entry.Warn("Circuit breaker opened")
	} else {
		entry.Info("Circuit breaker state changed")
	}
	for _, fn := range t.fns {
		fn(t.from, t.to)
	}
}

// Snapshot is a point-in-time view for the status surface.
type Snapshot struct {
	State                State          `json:"state"`
	FailureCount         int            `json:"failureCount"`
	HalfOpenSuccessCount int            `json:"halfOpenSuccessCount"`
	LastFailureAt        *time.Time     `json:"lastFailureAt,omitempty"`
	PauseReasons         []string       `json:"pauseReasons"`
	EmergencyStop        bool           `json:"emergencyStop"`
	EmergencyReason      string         `json:"emergencyReason,omitempty"`
	HealthyDataSources   int            `json:"healthyDataSources"`
	MinDataSources       int            `json:"minDataSources"`
	Daily                DailyRiskStats `json:"daily"`
}

// Snapshot returns the current state, pause reasons and daily stats.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDailyLocked()

	s := Snapshot{
		State:                b.state,
		FailureCount:         b.failureCount,
		HalfOpenSuccessCount: b.halfOpenSuccessCount,
		EmergencyStop:        b.emergencyStop,
		EmergencyReason:      b.emergencyReason,
		HealthyDataSources:   b.healthyDataSources,
		MinDataSources:       b.cfg.MinDataSources,
		Daily:                b.daily,
		PauseReasons:         []string{},
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	for r := range b.pauseReasons {
		s.PauseReasons = append(s.PauseReasons, r)
	}
	for r := range b.healthReasons {
		if _, dup := b.pauseReasons[r]; !dup {
			s.PauseReasons = append(s.PauseReasons, r)
		}
	}
	sort.Strings(s.PauseReasons)
	return s
}
