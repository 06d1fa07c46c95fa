package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/logger"
)

// DataSource is a named upstream dependency checked by the health task.
type DataSource struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthOptions configures the HealthTask.
type HealthOptions struct {
	Clock    clock.Clock
	Logger   *logrus.Entry
	Interval time.Duration
	Timeout  time.Duration

	// Connectivity probes the active endpoint. Optional.
	Connectivity func(ctx context.Context) error
	// Balance returns the wallet balance in lamports. Optional.
	Balance            func(ctx context.Context) (uint64, error)
	MinBalanceLamports uint64
	Sources            []DataSource
}

// HealthReport is the outcome of one health pass.
type HealthReport struct {
	ConnectivityOK bool              `json:"connectivityOk"`
	BalanceOK      bool              `json:"balanceOk"`
	Balance        uint64            `json:"balanceLamports"`
	HealthySources int               `json:"healthySources"`
	SourceErrors   map[string]string `json:"sourceErrors,omitempty"`
	CheckedAt      time.Time         `json:"checkedAt"`
}

// HealthTask periodically feeds connectivity, balance and data source
// health into the breaker's pause reasons.
type HealthTask struct {
	breaker *Breaker
	opts    HealthOptions
	log     *logrus.Entry

	mu     sync.Mutex
	timer  clock.Timer
	last   *HealthReport
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHealthTask creates a stopped health task for b.
func NewHealthTask(b *Breaker, opts HealthOptions) *HealthTask {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Component("breaker-health")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &HealthTask{breaker: b, opts: opts, log: opts.Logger}
}

// Start runs one pass immediately, then every Interval.
func (h *HealthTask) Start(ctx context.Context) {
	h.mu.Lock()
	if h.timer != nil {
		h.mu.Unlock()
		return
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	runCtx := h.ctx
	h.timer = clock.Every(h.opts.Clock, h.opts.Interval, func() { h.RunOnce(runCtx) })
	h.mu.Unlock()

	h.RunOnce(runCtx)
}

// Stop cancels future passes.
func (h *HealthTask) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer == nil {
		return
	}
	h.timer.Stop()
	h.timer = nil
	h.cancel()
}

// Last returns the most recent report, nil before the first pass.
func (h *HealthTask) Last() *HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return nil
	}
	r := *h.last
	return &r
}

// RunOnce checks everything concurrently and updates the breaker.
func (h *HealthTask) RunOnce(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	report := HealthReport{
		ConnectivityOK: true,
		BalanceOK:      true,
		SourceErrors:   make(map[string]string),
		CheckedAt:      h.opts.Clock.Now(),
	}
	var connErr, balErr error
	sourceErrs := make([]error, len(h.opts.Sources))

	var g errgroup.Group
	if h.opts.Connectivity != nil {
		g.Go(func() error {
			connErr = h.opts.Connectivity(ctx)
			return nil
		})
	}
	if h.opts.Balance != nil {
		g.Go(func() error {
			report.Balance, balErr = h.opts.Balance(ctx)
			return nil
		})
	}
	for i, src := range h.opts.Sources {
		i, src := i, src
		g.Go(func() error {
			sourceErrs[i] = src.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if connErr != nil {
		report.ConnectivityOK = false
		h.log.WithError(connErr).Warn("Connectivity check failed")
	}
	h.breaker.SetHealthReason(ReasonHealthConnectivity, !report.ConnectivityOK)

	if h.opts.Balance != nil {
		if balErr != nil {
			report.BalanceOK = false
			h.log.WithError(balErr).Warn("Balance check failed")
		} else if report.Balance < h.opts.MinBalanceLamports {
			report.BalanceOK = false
			h.log.WithFields(logrus.Fields{
				"balance": report.Balance,
				"minimum": h.opts.MinBalanceLamports,
			}).Warn("Wallet balance below minimum")
		}
	}
	h.breaker.SetHealthReason(ReasonLowBalance, !report.BalanceOK)

	for i, err := range sourceErrs {
		if err != nil {
			report.SourceErrors[h.opts.Sources[i].Name] = err.Error()
			continue
		}
		report.HealthySources++
	}
	if len(h.opts.Sources) > 0 {
		h.breaker.SetHealthyDataSources(report.HealthySources)
	}

	h.mu.Lock()
	h.last = &report
	h.mu.Unlock()
	return report
}
