// Package connection owns the active Solana endpoint: it probes health,
// fails over across a ranked endpoint list and notifies observers.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/logger"
	"solana-fastpath/internal/observability"
	"solana-fastpath/internal/solana"
)

var (
	// ErrNotInitialized is returned by GetConnection before Initialize succeeds.
	ErrNotInitialized = errors.New("connection manager not initialized")
	// ErrNoEndpoints is returned when Initialize gets an empty list.
	ErrNoEndpoints = errors.New("no endpoints configured")
	// ErrNoHealthyEndpoint is returned when no endpoint could be dialed.
	ErrNoHealthyEndpoint = errors.New("no endpoint could be dialed")
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("connection manager already initialized")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection manager closed")
)

// Endpoint is one RPC node. Lower PriorityIndex is preferred.
type Endpoint struct {
	URL           string
	WSURL         string
	PriorityIndex int
	// Timeout bounds each probe; zero uses Options.ProbeTimeout.
	Timeout time.Duration
}

// ActiveConnection is the transport pair for the active endpoint.
// Callers fetch it per use via GetConnection and must not cache it.
type ActiveConnection struct {
	Endpoint Endpoint
	RPC      solana.RPCClient
	// WS is nil when the endpoint has no WebSocket URL.
	WS solana.LogSubscriber
}

// Close releases the WebSocket transport.
func (a *ActiveConnection) Close() error {
	if a == nil || a.WS == nil {
		return nil
	}
	return a.WS.Close()
}

// DialFunc builds a connection to ep.
type DialFunc func(ctx context.Context, ep Endpoint) (*ActiveConnection, error)

// Options configures the Manager.
type Options struct {
	Clock   clock.Clock
	Logger  *logrus.Entry
	Metrics *observability.Metrics
	// Dial defaults to NewDialer with Metrics.
	Dial DialFunc

	ProbeInterval          time.Duration
	ProbeTimeout           time.Duration
	DialTimeout            time.Duration
	MaxConsecutiveFailures int
	// FailoverRetryDelay is the wait after every endpoint failed to dial.
	FailoverRetryDelay time.Duration
}

// DefaultOptions returns the default probe and failover policy.
func DefaultOptions() Options {
	return Options{
		ProbeInterval:          30 * time.Second,
		ProbeTimeout:           5 * time.Second,
		DialTimeout:            10 * time.Second,
		MaxConsecutiveFailures: 3,
		FailoverRetryDelay:     30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = logger.Component("connection")
	}
	if o.Dial == nil {
		o.Dial = NewDialer(DialerConfig{Metrics: o.Metrics})
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = def.ProbeInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = def.ProbeTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if o.FailoverRetryDelay <= 0 {
		o.FailoverRetryDelay = def.FailoverRetryDelay
	}
	return o
}

// Status is a point-in-time view of the manager.
type Status struct {
	Initialized         bool          `json:"initialized"`
	Endpoint            string        `json:"endpoint"`
	WSEndpoint          string        `json:"wsEndpoint"`
	PriorityIndex       int           `json:"priorityIndex"`
	Healthy             bool          `json:"healthy"`
	Health              HealthMetrics `json:"health"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Failovers           int           `json:"failovers"`
	FailoverPending     bool          `json:"failoverPending"`
}

// Manager keeps one live connection across endpoint failures.
type Manager struct {
	opts    Options
	clock   clock.Clock
	log     *logrus.Entry
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu                  sync.Mutex
	endpoints           []Endpoint
	active              int
	conn                *ActiveConnection
	health              HealthMetrics
	healthy             bool
	consecutiveFailures int
	failovers           int
	probing             bool
	failingOver         bool
	probeTimer          clock.Timer
	retryTimer          clock.Timer
	closed              bool
	onHealthy           []func()
	onUnhealthy         []func()
}

// NewManager creates an uninitialized Manager.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		health:  newHealthMetrics(),
	}
}

// OnHealthy registers fn to run when the active endpoint recovers.
func (m *Manager) OnHealthy(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealthy = append(m.onHealthy, fn)
}

// OnUnhealthy registers fn to run when the active endpoint is declared unhealthy.
func (m *Manager) OnUnhealthy(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnhealthy = append(m.onUnhealthy, fn)
}

// Initialize dials the endpoints in priority order, keeps the first that
// answers and starts the periodic health probe.
func (m *Manager) Initialize(ctx context.Context, endpoints []Endpoint) error {
	if len(endpoints) == 0 {
		return ErrNoEndpoints
	}
	ranked := append([]Endpoint(nil), endpoints...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].PriorityIndex < ranked[j].PriorityIndex
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.endpoints != nil {
		m.mu.Unlock()
		return ErrAlreadyInitialized
	}
	m.endpoints = ranked
	m.mu.Unlock()

	var lastErr error
	for i, ep := range ranked {
		conn, err := m.dial(ctx, ep)
		if err != nil {
			m.log.WithError(err).WithField("endpoint", ep.URL).Warn("Endpoint unavailable at startup")
			lastErr = err
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return ErrClosed
		}
		m.active = i
		m.conn = conn
		m.healthy = true
		m.probeTimer = clock.Every(m.clock, m.opts.ProbeInterval, func() { m.CheckHealth(m.ctx) })
		m.mu.Unlock()

		m.metrics.SetHealthy(true)
		m.log.WithFields(logrus.Fields{"endpoint": ep.URL, "index": i}).Info("Connection initialized")
		return nil
	}

	m.mu.Lock()
	m.endpoints = nil
	m.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrNoHealthyEndpoint, lastErr)
}

// GetConnection returns the active connection.
func (m *Manager) GetConnection() (*ActiveConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.conn == nil {
		return nil, ErrNotInitialized
	}
	return m.conn, nil
}

// CheckHealth probes the active endpoint once. It runs on the probe timer;
// overlapping calls are skipped.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.conn == nil || m.probing {
		m.mu.Unlock()
		return
	}
	m.probing = true
	conn := m.conn
	timeout := conn.Endpoint.Timeout
	if timeout <= 0 {
		timeout = m.opts.ProbeTimeout
	}
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	start := m.clock.Now()
	_, err := conn.RPC.GetSlot(pctx)
	latency := clock.Since(m.clock, start)
	cancel()

	m.metrics.RecordProbe(latency, err)

	m.mu.Lock()
	m.probing = false
	m.mu.Unlock()

	m.observe(ctx, conn, latency, err)
}

// ReportFailure feeds a connectivity failure seen elsewhere into the same
// accounting as a failed probe.
func (m *Manager) ReportFailure(err error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || err == nil {
		return
	}
	m.observe(m.ctx, conn, 0, err)
}

// observe applies one outcome for conn; stale outcomes for a replaced
// connection are discarded.
func (m *Manager) observe(ctx context.Context, conn *ActiveConnection, latency time.Duration, err error) {
	m.mu.Lock()
	if m.closed || conn != m.conn {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	var notify []func()
	startFailover := false
	healthChanged := false

	if err == nil {
		m.health.recordSuccess(latency, now)
		m.consecutiveFailures = 0
		if m.failingOver && m.retryTimer != nil {
			// The endpoint came back while waiting out the retry delay.
			m.retryTimer.Stop()
			m.retryTimer = nil
			m.failingOver = false
		}
		if !m.healthy {
			m.healthy = true
			healthChanged = true
			notify = append(notify, m.onHealthy...)
		}
	} else {
		m.health.recordFailure(now)
		m.consecutiveFailures++
		if m.consecutiveFailures >= m.opts.MaxConsecutiveFailures {
			if m.healthy {
				m.healthy = false
				healthChanged = true
				notify = append(notify, m.onUnhealthy...)
			}
			if !m.failingOver {
				m.failingOver = true
				startFailover = true
			}
		}
	}
	failures := m.consecutiveFailures
	healthy := m.healthy
	endpoint := conn.Endpoint.URL
	m.mu.Unlock()

	if healthChanged {
		m.metrics.SetHealthy(healthy)
		entry := m.log.WithFields(logrus.Fields{"endpoint": endpoint, "consecutive_failures": failures})
		if healthy {
			entry.Info("Endpoint healthy")
		} else {
			entry.WithError(err).Warn("Endpoint unhealthy")
		}
	}
	for _, fn := range notify {
		fn()
	}
	if startFailover {
		m.failover(ctx)
	}
}

// failover tries every other endpoint in rotation, the current one last.
// When all fail it schedules another pass after FailoverRetryDelay.
func (m *Manager) failover(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	origin := m.active
	endpoints := m.endpoints
	m.mu.Unlock()

	n := len(endpoints)
	for i := 1; i <= n; i++ {
		idx := (origin + i) % n
		ep := endpoints[idx]

		conn, err := m.dial(ctx, ep)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{"endpoint": ep.URL, "index": idx}).Warn("Failover candidate unavailable")
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return
		}
		old := m.conn
		m.active = idx
		m.conn = conn
		m.health = newHealthMetrics()
		m.consecutiveFailures = 0
		m.failovers++
		m.failingOver = false
		m.retryTimer = nil
		m.mu.Unlock()

		if old != nil && old != conn {
			old.Close()
		}
		m.metrics.RecordFailover()
		m.log.WithFields(logrus.Fields{
			"from": endpoints[origin].URL,
			"to":   ep.URL,
		}).Warn("Failed over to endpoint")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.consecutiveFailures = 0
	m.retryTimer = m.clock.AfterFunc(m.opts.FailoverRetryDelay, func() { m.failover(m.ctx) })
	m.log.WithField("retry_in", m.opts.FailoverRetryDelay).Error("All endpoints failed, waiting before next failover pass")
}

func (m *Manager) dial(ctx context.Context, ep Endpoint) (*ActiveConnection, error) {
	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()
	return m.opts.Dial(dctx, ep)
}

// Status returns a snapshot for the status surface.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		Initialized:         m.conn != nil,
		PriorityIndex:       m.active,
		Healthy:             m.healthy,
		Health:              m.health,
		ConsecutiveFailures: m.consecutiveFailures,
		Failovers:           m.failovers,
		FailoverPending:     m.failingOver,
	}
	if m.conn != nil {
		s.Endpoint = m.conn.Endpoint.URL
		s.WSEndpoint = m.conn.Endpoint.WSURL
	}
	return s
}

// Healthy reports whether the active endpoint is healthy.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.healthy
}

// Close stops probing and closes the active connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.probeTimer != nil {
		m.probeTimer.Stop()
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	conn := m.conn
	m.mu.Unlock()

	m.cancel()
	return conn.Close()
}
