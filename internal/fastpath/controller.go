// Package fastpath executes speculative entries. Phase one runs a bounded
// quick check and submits a reduced buy without preflight; phase two later
// confirms the submission and runs deep analysis, which scales the position
// in, holds it with updated protection, or schedules an early exit.
package fastpath

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/analysis"
	"solana-fastpath/internal/breaker"
	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/logger"
	"solana-fastpath/internal/observability"
	"solana-fastpath/internal/quote"
	"solana-fastpath/internal/signer"
	"solana-fastpath/internal/solana"
	"solana-fastpath/internal/storage"
	"solana-fastpath/internal/storage/memory"
)

// Phase-two decisions.
const (
	DecisionPending   = "PENDING_ANALYSIS"
	DecisionHold      = "HOLD"
	DecisionScaleIn   = "SCALE_IN"
	DecisionEarlyExit = "EARLY_EXIT"
)

// Options configures the Controller.
type Options struct {
	Config  Config
	Clock   clock.Clock
	Logger  *logrus.Entry
	Metrics *observability.Metrics
	// Journal defaults to an in-memory journal.
	Journal storage.Journal
	// Security defaults to an RPCSecurityChecker over the controller's connections.
	Security SecurityChecker
}

// tracked is an open position and its scheduled work. Guarded by Controller.mu.
type tracked struct {
	pos    *domain.Position
	opp    domain.Opportunity
	timers []clock.Timer

	decision       string
	analyzed       bool
	finalScore     float64
	securityScore  float64
	scaleInPending bool
	scaleInDone    bool
	exitPending    string // exit reason held until the entry confirms
}

// PositionView is an open position with its analysis outcome.
type PositionView struct {
	Position      *domain.Position `json:"position"`
	Decision      string           `json:"decision"`
	Analyzed      bool             `json:"analyzed"`
	FinalScore    float64          `json:"finalScore"`
	SecurityScore float64          `json:"securityScore"`
}

// Controller is safe for concurrent use.
type Controller struct {
	cfg     Config
	clock   clock.Clock
	log     *logrus.Entry
	metrics *observability.Metrics

	conns    ConnectionSource
	breaker  *breaker.Breaker
	quotes   quote.Provider
	analyzer analysis.Analyzer
	signer   signer.Signer
	security SecurityChecker
	journal  storage.Journal
	cache    *TxCache

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	positions map[string]*tracked // open positions by mint
	inflight  map[string]struct{}
	monitor   clock.Timer
	closed    bool
}

// New creates a controller. Submissions are signed by sgn and guarded by br.
func New(conns ConnectionSource, br *breaker.Breaker, quotes quote.Provider, analyzer analysis.Analyzer, sgn signer.Signer, opts Options) *Controller {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Component("fastpath")
	}
	journal := opts.Journal
	if journal == nil {
		journal = memory.NewJournal()
	}
	security := opts.Security
	if security == nil {
		security = NewRPCSecurityChecker(conns, c)
	}

	ctl := &Controller{
		cfg:       opts.Config.withDefaults(),
		clock:     c,
		log:       log,
		metrics:   opts.Metrics,
		conns:     conns,
		breaker:   br,
		quotes:    quotes,
		analyzer:  analyzer,
		signer:    sgn,
		security:  security,
		journal:   journal,
		positions: make(map[string]*tracked),
		inflight:  make(map[string]struct{}),
	}
	ctl.ctx, ctl.cancel = context.WithCancel(context.Background())
	ctl.cache = NewTxCache(c, ctl.cfg.TxCacheTTL, ctl.buildBuy, log, opts.Metrics)
	return ctl
}

// Config returns the active policy.
func (c *Controller) Config() Config {
	return c.cfg
}

// Start runs the transaction cache refresh task and the stop-loss /
// take-profit monitor.
func (c *Controller) Start() {
	c.cache.Start()
	if c.cfg.ProtectionInterval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.monitor != nil {
		return
	}
	c.monitor = clock.Every(c.clock, c.cfg.ProtectionInterval, c.checkProtection)
}

// Close cancels every scheduled confirmation, analysis and exit. Open
// positions stay in the journal.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
	for _, t := range c.positions {
		stopTimers(t)
	}
	c.mu.Unlock()

	c.cancel()
	c.cache.Stop()
}

// Prewarm builds the phase-one transaction for mint ahead of Accept.
func (c *Controller) Prewarm(ctx context.Context, mint string) error {
	return c.cache.Prewarm(ctx, mint, c.cfg.QuickAmount())
}

// Accept runs phase one for opp. It returns once the entry is submitted or
// refused; confirmation and analysis happen later.
func (c *Controller) Accept(ctx context.Context, opp domain.Opportunity) Result {
	start := c.clock.Now()
	res := c.accept(ctx, opp)
	res.Latency = clock.Since(c.clock, start)

	entry := c.log.WithFields(logrus.Fields{
		"mint":       opp.InstrumentID,
		"pool":       opp.Pool,
		"reason":     res.Reason,
		"latency_ms": res.Latency.Milliseconds(),
	})
	c.metrics.RecordDecision(res.Reason)
	if res.OK {
		c.metrics.RecordAccept(res.Latency)
		entry.WithFields(logrus.Fields{"position_id": res.PositionID, "signature": res.Signature, "amount_in": res.AmountIn}).
			Info("Fast-path entry submitted")
	} else if res.Err != nil {
		entry.WithError(res.Err).Info("Opportunity rejected")
	} else {
		entry.Info("Opportunity rejected")
	}
	return res
}

func (c *Controller) accept(ctx context.Context, opp domain.Opportunity) Result {
	mint := opp.InstrumentID
	if mint == "" {
		return reject(ReasonInvalidOpportunity, nil)
	}
	if opp.Confidence < c.cfg.MinConfidence {
		return reject(ReasonLowConfidence, nil)
	}
	if reason := c.reserve(mint); reason != "" {
		return reject(reason, nil)
	}
	defer c.release(mint)

	if ok, reason := c.breaker.CanExecute(); !ok {
		return reject(reason, nil)
	}
	if reason, err := c.checkSecurity(ctx, mint); reason != "" {
		return reject(reason, err)
	}
	if opp.LiquidityUSD < c.cfg.MinLiquidityUSD {
		return reject(ReasonLowLiquidity, nil)
	}

	amount := c.cfg.QuickAmount()
	tx, ok := c.cache.Take(mint, amount)
	if !ok {
		var (
			reason string
			err    error
		)
		tx, reason, err = c.buildSwap(ctx, c.cfg.InputMint, mint, amount, c.cfg.EntrySlippageBps, c.cfg.urgentFee())
		if err != nil {
			return reject(reason, err)
		}
	}

	signed, err := c.signer.Sign(tx.Raw)
	if err != nil {
		return reject(ReasonSignFailed, err)
	}

	var sig string
	sub := c.breaker.Submit(ctx, func(ctx context.Context) error {
		var err error
		sig, err = c.send(ctx, signed)
		return err
	})
	if sub.Blocked {
		return reject(sub.Reason, nil)
	}
	if sub.Err != nil {
		c.metrics.RecordSubmission(string(domain.ExecutionEntry), "failed")
		return reject(ReasonSubmitFailed, sub.Err)
	}

	now := c.clock.Now()
	pos := &domain.Position{
		ID:             uuid.NewString(),
		InstrumentID:   mint,
		Side:           domain.SideLong,
		Size:           c.cfg.toUnits(amount),
		TokenAmount:    tx.Quote.OutAmount,
		EntryPrice:     entryPrice(amount, tx.Quote.OutAmount),
		RiskTier:       domain.RiskTierUnassessed,
		Status:         domain.PositionPending,
		EntrySignature: sig,
		OpenedAt:       now,
	}
	c.protect(pos)
	exec := c.newExecution(pos, domain.ExecutionEntry, sig, c.cfg.InputMint, mint, amount, tx.Quote.OutAmount, tx.Fee)

	t := &tracked{pos: pos, opp: opp, decision: DecisionPending}
	c.mu.Lock()
	c.positions[mint] = t
	open := len(c.positions)
	posCopy, execCopy := pos.Clone(), cloneExecution(exec)
	c.mu.Unlock()

	c.metrics.RecordSubmission(string(domain.ExecutionEntry), "submitted")
	c.metrics.SetOpenPositions(open)
	c.persist(posCopy, execCopy)

	c.scheduleConfirm(t, exec, 1)
	c.schedule(t, c.cfg.AnalysisDelay, func() { c.analyze(t) })

	return Result{OK: true, Reason: ReasonAccepted, PositionID: pos.ID, Signature: sig, AmountIn: amount}
}

// reserve claims mint for one in-flight accept.
func (c *Controller) reserve(mint string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ReasonStopped
	}
	if _, ok := c.positions[mint]; ok {
		return ReasonDuplicatePosition
	}
	if _, ok := c.inflight[mint]; ok {
		return ReasonDuplicatePosition
	}
	if c.cfg.MaxOpenPositions > 0 && len(c.positions)+len(c.inflight) >= c.cfg.MaxOpenPositions {
		return ReasonMaxPositions
	}
	c.inflight[mint] = struct{}{}
	return ""
}

func (c *Controller) release(mint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, mint)
}

// checkSecurity races the quick check against the security budget. A check
// still running when the budget elapses is a rejection.
func (c *Controller) checkSecurity(ctx context.Context, mint string) (string, error) {
	start := c.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SecurityBudget)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.security.Check(ctx, mint) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.metrics.RecordSecurityCheck(clock.Since(c.clock, start))

	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonSecurityTimeout, err
	default:
		return ReasonSecurityFailed, err
	}
}

// buildBuy is the transaction cache's builder.
func (c *Controller) buildBuy(ctx context.Context, mint string, amount uint64) (*PreparedTx, error) {
	tx, _, err := c.buildSwap(ctx, c.cfg.InputMint, mint, amount, c.cfg.EntrySlippageBps, c.cfg.urgentFee())
	return tx, err
}

var errNoRoute = errors.New("no route")

// buildSwap quotes and builds an unsigned swap. On failure it returns the
// refusal reason alongside the error.
func (c *Controller) buildSwap(ctx context.Context, in, out string, amount uint64, slippageBps int, fee uint64) (*PreparedTx, string, error) {
	qctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	q, err := c.quotes.Quote(qctx, quote.Request{
		InputMint:   in,
		OutputMint:  out,
		Amount:      amount,
		SlippageBps: slippageBps,
	})
	if err != nil {
		return nil, ReasonQuoteFailed, err
	}
	if q == nil {
		return nil, ReasonNoRoute, errNoRoute
	}

	raw, err := c.quotes.BuildSwap(qctx, q, c.signer.PublicKey(), fee)
	if err != nil {
		return nil, ReasonBuildFailed, err
	}
	return &PreparedTx{Quote: q, Raw: raw, Fee: fee, BuiltAt: c.clock.Now()}, "", nil
}

// send submits without preflight and without node-side retries.
func (c *Controller) send(ctx context.Context, signed []byte) (string, error) {
	conn, err := c.conns.GetConnection()
	if err != nil {
		return "", err
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return conn.RPC.SendTransaction(sctx, signed, solana.SendOptions{SkipPreflight: true, MaxRetries: 0})
}

func (c *Controller) newExecution(pos *domain.Position, kind domain.ExecutionKind, sig, in, out string, amountIn, expectedOut, fee uint64) *domain.Execution {
	return &domain.Execution{
		ID:                  uuid.NewString(),
		PositionID:          pos.ID,
		InstrumentID:        pos.InstrumentID,
		Kind:                kind,
		Signature:           sig,
		InputMint:           in,
		OutputMint:          out,
		AmountIn:            amountIn,
		ExpectedOut:         expectedOut,
		PriorityFeeLamports: fee,
		Status:              domain.ExecutionSubmitted,
		SubmittedAt:         c.clock.Now(),
	}
}

// schedule runs fn after d unless the position closes or the controller stops first.
func (c *Controller) schedule(t *tracked, d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !t.pos.IsOpen() {
		return
	}
	t.timers = append(t.timers, c.clock.AfterFunc(d, fn))
}

func stopTimers(t *tracked) {
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.timers = nil
}

// untrackLocked forgets a closed position. Caller holds mu.
func (c *Controller) untrackLocked(t *tracked) {
	stopTimers(t)
	if c.positions[t.pos.InstrumentID] == t {
		delete(c.positions, t.pos.InstrumentID)
	}
}

// protect sets stop-loss and take-profit for the position's risk tier.
func (c *Controller) protect(pos *domain.Position) {
	p, ok := c.cfg.Protection[pos.RiskTier]
	if !ok {
		return
	}
	one := decimal.NewFromInt(1)
	sl := pos.EntryPrice.Mul(one.Sub(p.StopLoss))
	tp := pos.EntryPrice.Mul(one.Add(p.TakeProfit))
	if err := pos.SetProtection(sl, tp); err != nil {
		c.log.WithError(err).WithField("position_id", pos.ID).Warn("Protection not updated")
	}
}

// entryPrice is input base units per instrument base unit.
func entryPrice(amountIn, tokens uint64) decimal.Decimal {
	if tokens == 0 {
		return decimal.Zero
	}
	return decimal.NewFromUint64(amountIn).DivRound(decimal.NewFromUint64(tokens), 18)
}

func cloneExecution(e *domain.Execution) *domain.Execution {
	cp := *e
	if e.ConfirmedAt != nil {
		t := *e.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// persist writes copies to the journal. Failures are logged; trading state
// lives in memory.
func (c *Controller) persist(pos *domain.Position, exec *domain.Execution) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()
	if pos != nil {
		if err := c.journal.SavePosition(ctx, pos); err != nil {
			c.log.WithError(err).WithField("position_id", pos.ID).Warn("Journal position write failed")
		}
	}
	if exec != nil {
		if err := c.journal.SaveExecution(ctx, exec); err != nil {
			c.log.WithError(err).WithField("execution_id", exec.ID).Warn("Journal execution write failed")
		}
	}
}

// Positions returns open positions ordered by open time.
func (c *Controller) Positions() []PositionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PositionView, 0, len(c.positions))
	for _, t := range c.positions {
		out = append(out, PositionView{
			Position:      t.pos.Clone(),
			Decision:      t.decision,
			Analyzed:      t.analyzed,
			FinalScore:    t.finalScore,
			SecurityScore: t.securityScore,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Position.OpenedAt.Before(out[j].Position.OpenedAt)
	})
	return out
}

// Position returns the open position for mint.
func (c *Controller) Position(mint string) (PositionView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.positions[mint]
	if !ok {
		return PositionView{}, false
	}
	return PositionView{
		Position:      t.pos.Clone(),
		Decision:      t.decision,
		Analyzed:      t.analyzed,
		FinalScore:    t.finalScore,
		SecurityScore: t.securityScore,
	}, true
}

// CachedTransactions returns the transaction cache size.
func (c *Controller) CachedTransactions() int {
	return c.cache.Len()
}
