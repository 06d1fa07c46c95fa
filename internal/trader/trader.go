// Package trader wires the connection manager, event subscriptions, circuit
// breaker and fast-path controller into one runtime.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/analysis"
	"solana-fastpath/internal/breaker"
	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/config"
	"solana-fastpath/internal/connection"
	"solana-fastpath/internal/discovery"
	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/eventsub"
	"solana-fastpath/internal/fastpath"
	"solana-fastpath/internal/logger"
	"solana-fastpath/internal/observability"
	"solana-fastpath/internal/quote"
	"solana-fastpath/internal/signer"
	"solana-fastpath/internal/statusapi"
	"solana-fastpath/internal/storage"
	chstore "solana-fastpath/internal/storage/clickhouse"
	"solana-fastpath/internal/storage/memory"
	"solana-fastpath/internal/storage/migrations"
	pgstore "solana-fastpath/internal/storage/postgres"
)

// ErrAlreadyRunning is returned by Run while the trader runs.
var ErrAlreadyRunning = errors.New("trader already running")

const (
	lamportsPerSOL   = 1_000_000_000
	storeTimeout     = 5 * time.Second
	redisDedupPrefix = "trader:dedupe:"
)

// Deps are the trader's collaborators. Build fills them from config; nil
// stores fall back to in-memory ones.
type Deps struct {
	Clock    clock.Clock
	Logger   *logrus.Entry
	Metrics  *observability.Metrics
	Dial     connection.DialFunc
	Quotes   quote.Provider
	Analyzer analysis.Analyzer
	Signer   signer.Signer
	// Security overrides the default RPC security checker.
	Security fastpath.SecurityChecker
	Journal  storage.Journal
	Progress storage.ProgressStore
	// Archive is optional; without it delivered records are not archived.
	Archive storage.EventArchive
	Deduper eventsub.Deduper
}

// Trader is the running system. It implements statusapi.Backend.
type Trader struct {
	cfg     config.Config
	clock   clock.Clock
	log     *logrus.Entry
	metrics *observability.Metrics

	conns      *connection.Manager
	breaker    *breaker.Breaker
	health     *breaker.HealthTask
	controller *fastpath.Controller
	detector   *discovery.PoolDetector
	quotes     quote.Provider
	signer     signer.Signer
	progress   storage.ProgressStore
	deduper    eventsub.Deduper
	archiver   *archiver

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	events    *eventsub.Service
	running   bool
	startedAt time.Time
	solPrice  float64
	last      storage.Progress
	saved     int64
	timers    []clock.Timer

	stopOnce sync.Once
	closers  []func()
}

var _ statusapi.Backend = (*Trader)(nil)

// New assembles the components from cfg. Nothing runs until Run.
func New(cfg config.Config, deps Deps) *Trader {
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	log := deps.Logger
	if log == nil {
		log = logger.Component("trader")
	}
	progress := deps.Progress
	if progress == nil {
		progress = memory.NewProgressStore()
	}
	deduper := deps.Deduper
	if deduper == nil && cfg.Subscription.DedupeTTL > 0 {
		deduper = eventsub.NewMemoryDeduper(c, cfg.Subscription.DedupeTTL)
	}

	t := &Trader{
		cfg:      cfg,
		clock:    c,
		log:      log,
		metrics:  deps.Metrics,
		quotes:   deps.Quotes,
		signer:   deps.Signer,
		progress: progress,
		deduper:  deduper,
		last:     storage.Progress{Slot: -1},
		saved:    -1,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.conns = connection.NewManager(connection.Options{
		Clock:                  c,
		Metrics:                deps.Metrics,
		Dial:                   deps.Dial,
		ProbeInterval:          cfg.RPC.ProbeInterval,
		ProbeTimeout:           cfg.RPC.ProbeTimeout,
		DialTimeout:            cfg.RPC.DialTimeout,
		MaxConsecutiveFailures: cfg.RPC.MaxConsecutiveFailures,
		FailoverRetryDelay:     cfg.RPC.FailoverRetryDelay,
	})

	t.breaker = breaker.New(breaker.Options{
		Config: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
			DailyLossLimit:   cfg.Breaker.DailyLossLimit,
			LatencyThreshold: cfg.Breaker.LatencyThreshold,
			MinDataSources:   cfg.Breaker.MinDataSources,
		},
		Clock:   c,
		Metrics: deps.Metrics,
	})
	t.breaker.OnStateChange(func(from, to breaker.State) {
		t.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("Circuit breaker state changed")
	})

	t.health = breaker.NewHealthTask(t.breaker, breaker.HealthOptions{
		Clock:              c,
		Interval:           cfg.Health.Interval,
		Timeout:            cfg.Health.Timeout,
		Connectivity:       t.checkConnectivity,
		Balance:            t.walletBalance,
		MinBalanceLamports: cfg.Health.MinBalanceLamports,
		Sources: []breaker.DataSource{
			{Name: "rpc", Check: t.checkRPC},
			{Name: "quote", Check: t.refreshPrice},
		},
	})

	t.controller = fastpath.New(t.conns, t.breaker, deps.Quotes, deps.Analyzer, deps.Signer, fastpath.Options{
		Config:   tradingConfig(cfg.Trading),
		Clock:    c,
		Metrics:  deps.Metrics,
		Journal:  deps.Journal,
		Security: deps.Security,
	})

	t.detector = discovery.NewPoolDetector(progress)

	if deps.Archive != nil {
		t.archiver = newArchiver(deps.Archive, c, cfg.Storage.ArchiveBatch, cfg.Storage.ArchiveBuffer, cfg.Storage.ArchiveFlush, log.WithField("sink", "archive"))
	}
	return t
}

func tradingConfig(tc config.TradingConfig) fastpath.Config {
	return fastpath.Config{
		NormalSize:         tc.NormalSize,
		QuickSizeFraction:  tc.QuickSizeFraction,
		ScaleInFraction:    tc.ScaleInFraction,
		MinLiquidityUSD:    tc.MinLiquidityUSD,
		MinConfidence:      tc.MinConfidence,
		MaxOpenPositions:   tc.MaxOpenPositions,
		EntrySlippageBps:   tc.EntrySlippageBps,
		ExitSlippageBps:    tc.ExitSlippageBps,
		BasePriorityFee:    tc.BasePriorityFee,
		UrgentMultiplier:   tc.UrgentMultiplier,
		MaxPriorityFee:     tc.MaxPriorityFee,
		SecurityBudget:     tc.SecurityBudget,
		RequestTimeout:     tc.RequestTimeout,
		ConfirmDelay:       tc.ConfirmDelay,
		ConfirmAttempts:    tc.ConfirmAttempts,
		AnalysisDelay:      tc.AnalysisDelay,
		EarlyExitDelay:     tc.EarlyExitDelay,
		ProtectionInterval: tc.ProtectionInterval,
		LowScore:           tc.LowScore,
		HighScore:          tc.HighScore,
		HighSecurity:       tc.HighSecurity,
		HoldTierScore:      tc.HoldTierScore,
		TxCacheTTL:         tc.TxCacheTTL,
	}
}

// Build opens the wallet, clients and configured stores, running migrations
// on the databases. The returned trader owns them until Close.
func Build(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (*Trader, error) {
	kp, err := signer.LoadKeypair(cfg.Wallet.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}

	quoteOpts := []quote.ClientOption{
		quote.WithTimeout(cfg.Quote.Timeout),
		quote.WithRateLimit(cfg.Quote.RateLimit, cfg.Quote.RateBurst),
	}
	if cfg.Quote.APIKey != "" {
		quoteOpts = append(quoteOpts, quote.WithAPIKey(cfg.Quote.APIKey))
	}

	deps := Deps{
		Metrics: metrics,
		Signer:  kp,
		Dial: connection.NewDialer(connection.DialerConfig{
			RateLimit:  cfg.RPC.RateLimit,
			RateBurst:  cfg.RPC.RateBurst,
			MaxRetries: cfg.RPC.MaxRetries,
			Metrics:    metrics,
		}),
		Quotes:   quote.NewClient(cfg.Quote.URL, quoteOpts...),
		Analyzer: analysis.NewClient(cfg.Analysis.URL, cfg.Analysis.Timeout),
	}

	var closers []func()
	fail := func(err error) (*Trader, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	if cfg.Storage.PostgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return fail(fmt.Errorf("connect to postgres: %w", err))
		}
		closers = append(closers, pool.Close)
		pool.SetMetrics(metrics)
		report, err := migrations.RunPostgresMigrations(ctx, pool)
		if err != nil {
			return fail(fmt.Errorf("postgres migrations: %w", err))
		}
		logMigrations(report)
		deps.Journal = pgstore.NewJournal(pool)
		deps.Progress = pgstore.NewProgressStore(pool)
	}

	if cfg.Storage.ClickHouseDSN != "" {
		conn, report, err := migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickHouseDSN)
		if err != nil {
			return fail(fmt.Errorf("clickhouse migrations: %w", err))
		}
		logMigrations(report)
		closers = append(closers, func() { _ = conn.Close() })
		conn.SetMetrics(metrics)
		deps.Archive = chstore.NewEventArchive(conn)
	}

	if cfg.Storage.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("connect to redis: %w", err))
		}
		deps.Deduper = eventsub.NewRedisDeduper(rdb, redisDedupPrefix, cfg.Subscription.DedupeTTL)
	}

	t := New(cfg, deps)
	t.closers = closers
	return t, nil
}

func (t *Trader) endpoints() []connection.Endpoint {
	eps := make([]connection.Endpoint, len(t.cfg.RPC.Endpoints))
	for i, ep := range t.cfg.RPC.Endpoints {
		eps[i] = connection.Endpoint{
			URL:           ep.URL,
			WSURL:         ep.WSURL,
			PriorityIndex: ep.Priority,
			Timeout:       ep.Timeout,
		}
	}
	return eps
}

// Run connects, subscribes to the configured programs and trades until ctx
// is cancelled or the subscription service gives up.
func (t *Trader) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	t.running = true
	t.startedAt = t.clock.Now()
	t.mu.Unlock()
	defer t.shutdown()

	if err := t.conns.Initialize(ctx, t.endpoints()); err != nil {
		return fmt.Errorf("initialize connections: %w", err)
	}

	resume, err := t.resumeSlot(ctx)
	if err != nil {
		return err
	}

	if err := t.refreshPrice(ctx); err != nil {
		t.log.WithError(err).Warn("Initial SOL price unavailable")
	}
	t.addTimer(clock.Every(t.clock, orDefault(t.cfg.Trading.SOLPriceRefresh, time.Minute), func() {
		if err := t.refreshPrice(t.ctx); err != nil {
			t.log.WithError(err).Warn("SOL price refresh failed")
		}
	}))

	t.health.Start(t.ctx)
	t.controller.Start()
	if t.archiver != nil {
		t.archiver.start()
	}

	sc := t.cfg.Subscription
	events := eventsub.NewService(t.conns, eventsub.Options{
		Clock:                t.clock,
		Metrics:              t.metrics,
		Deduper:              t.deduper,
		MaxReconnectAttempts: sc.MaxReconnectAttempts,
		BackoffBase:          sc.BackoffBase,
		BackoffMax:           sc.BackoffMax,
		BackfillGap:          sc.BackfillGap,
		BackfillBatch:        sc.BackfillBatch,
		BackfillMaxPages:     sc.BackfillMaxPages,
		BackfillInterval:     sc.BackfillInterval,
		RequestTimeout:       t.cfg.Trading.RequestTimeout,
		ResumeSlot:           resume,
	})
	events.Handle(domain.EventKindPoolInitialized, t.onPoolInitialized)
	events.Handle(domain.EventKindTokenCreated, t.onTokenCreated)

	t.mu.Lock()
	t.events = events
	t.mu.Unlock()

	if err := events.Start(ctx, sc.Programs, t.onRecord); err != nil {
		return fmt.Errorf("start subscriptions: %w", err)
	}
	t.log.WithFields(logrus.Fields{"programs": sc.Programs, "resume_slot": resume}).Info("Trader started")

	if resume > 0 {
		res, err := events.Backfill(ctx)
		if err != nil {
			t.log.WithError(err).Warn("Startup backfill failed")
		} else {
			t.log.WithFields(logrus.Fields{
				"from_slot": res.FromSlot,
				"to_slot":   res.CurrentSlot,
				"delivered": res.Delivered,
				"skipped":   res.Skipped,
				"truncated": res.Truncated,
			}).Info("Startup backfill finished")
		}
	}

	t.addTimer(clock.Every(t.clock, orDefault(sc.ProgressInterval, 5*time.Second), t.saveProgress))

	select {
	case <-ctx.Done():
		return nil
	case <-events.Done():
		if err := events.Err(); err != nil {
			t.log.WithError(err).Error("Event subscription service stopped")
			return err
		}
		return nil
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (t *Trader) resumeSlot(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	p, err := t.progress.GetLastProcessed(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load progress: %w", err)
	}
	t.mu.Lock()
	t.last, t.saved = *p, p.Slot
	t.mu.Unlock()
	return p.Slot, nil
}

func (t *Trader) addTimer(tm clock.Timer) {
	t.mu.Lock()
	t.timers = append(t.timers, tm)
	t.mu.Unlock()
}

// onRecord sees every delivered record before the typed handlers.
func (t *Trader) onRecord(_ context.Context, rec domain.EventRecord) {
	t.mu.Lock()
	if rec.Slot > t.last.Slot {
		t.last = storage.Progress{Slot: rec.Slot, Signature: rec.Signature}
	}
	t.mu.Unlock()
	if t.archiver != nil {
		t.archiver.add(rec)
	}
}

func (t *Trader) onPoolInitialized(ctx context.Context, ev discovery.Event) {
	log := t.log.WithFields(logrus.Fields{"signature": ev.Record.Signature, "slot": ev.Record.Slot})
	conn, err := t.conns.GetConnection()
	if err != nil {
		log.WithError(err).Warn("No connection for pool detection")
		return
	}
	opp, err := t.detector.Detect(ctx, ev, conn.RPC)
	if err != nil {
		log.WithError(err).Warn("Pool detection failed")
		return
	}
	if opp == nil {
		return
	}

	if err := t.markMint(ctx, opp.InstrumentID); err != nil {
		log.WithError(err).WithField("mint", opp.InstrumentID).Warn("Failed to record surfaced mint")
	}
	opp.LiquidityUSD = t.liquidityUSD(opp.QuoteReserve)
	t.controller.Accept(ctx, *opp)
}

func (t *Trader) onTokenCreated(ctx context.Context, ev discovery.Event) {
	if ev.Mint == "" {
		return
	}
	if err := t.controller.Prewarm(ctx, ev.Mint); err != nil {
		t.log.WithError(err).WithField("mint", ev.Mint).Debug("Prewarm failed")
	}
}

func (t *Trader) markMint(ctx context.Context, mint string) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return t.progress.MarkMint(ctx, mint)
}

// liquidityUSD values both sides of the pool at the SOL reserve's price.
// Zero when the price or reserve is unknown.
func (t *Trader) liquidityUSD(reserveLamports uint64) float64 {
	t.mu.Lock()
	price := t.solPrice
	t.mu.Unlock()
	return float64(reserveLamports) / lamportsPerSOL * price * 2
}

// refreshPrice requotes SOL/USD; the last good price is kept on failure.
func logMigrations(r *migrations.Report) {
	logger.Component("trader").WithFields(logrus.Fields{
		"backend": r.Backend,
		"version": r.Version,
		"applied": r.AppliedVersions(),
	}).Info("Schema up to date")
}

func (t *Trader) refreshPrice(ctx context.Context) error {
	if t.quotes == nil {
		return errors.New("no quote provider")
	}
	price, err := quote.SOLPriceUSD(ctx, t.quotes)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.solPrice = price
	t.mu.Unlock()
	return nil
}

func (t *Trader) checkConnectivity(ctx context.Context) error {
	conn, err := t.conns.GetConnection()
	if err != nil {
		return err
	}
	_, err = conn.RPC.GetSlot(ctx)
	return err
}

func (t *Trader) checkRPC(context.Context) error {
	if !t.conns.Healthy() {
		return connection.ErrNoHealthyEndpoint
	}
	return nil
}

func (t *Trader) walletBalance(ctx context.Context) (uint64, error) {
	if t.signer == nil {
		return 0, errors.New("no signer")
	}
	conn, err := t.conns.GetConnection()
	if err != nil {
		return 0, err
	}
	return conn.RPC.GetBalance(ctx, t.signer.PublicKey())
}

// saveProgress persists the highest delivered slot when it advanced.
func (t *Trader) saveProgress() {
	t.mu.Lock()
	p := t.last
	advanced := p.Slot > t.saved
	t.mu.Unlock()
	if !advanced {
		return
	}

	p.UpdatedAt = t.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := t.progress.SetLastProcessed(ctx, &p); err != nil {
		t.log.WithError(err).WithField("slot", p.Slot).Warn("Failed to save progress")
		return
	}
	t.mu.Lock()
	if p.Slot > t.saved {
		t.saved = p.Slot
	}
	t.mu.Unlock()
}

// shutdown stops every component in reverse start order.
func (t *Trader) shutdown() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		events := t.events
		timers := t.timers
		t.timers = nil
		t.mu.Unlock()

		if events != nil {
			events.Stop()
		}
		for _, tm := range timers {
			tm.Stop()
		}
		if t.archiver != nil {
			t.archiver.close()
		}
		t.saveProgress()
		t.health.Stop()
		t.controller.Close()
		t.cancel()
		if err := t.conns.Close(); err != nil {
			t.log.WithError(err).Warn("Failed to close connections")
		}

		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		t.log.Info("Trader stopped")
	})
}

// Close stops the trader and releases the stores opened by Build.
func (t *Trader) Close() {
	t.shutdown()
	for i := len(t.closers) - 1; i >= 0; i-- {
		t.closers[i]()
	}
	t.closers = nil
}

// Status aggregates every component's view.
func (t *Trader) Status() statusapi.Status {
	t.mu.Lock()
	events := t.events
	running := t.running
	st := statusapi.Status{StartedAt: t.startedAt, SOLPriceUSD: t.solPrice}
	t.mu.Unlock()

	st.Breaker = t.breaker.Snapshot()
	st.Connection = t.conns.Status()
	st.Health = t.health.Last()
	st.OpenPositions = len(t.controller.Positions())
	st.CachedTransactions = t.controller.CachedTransactions()

	terminal := false
	if events != nil {
		st.Subscription = events.GetStatus()
		terminal = events.Err() != nil
	}
	st.Healthy = running && !terminal && t.conns.Healthy()
	return st
}

func (t *Trader) Positions() []fastpath.PositionView {
	return t.controller.Positions()
}

func (t *Trader) SetEmergencyStop(active bool, reason string) {
	t.breaker.SetEmergencyStop(active, reason)
}

// Exit closes mint's position on operator request.
func (t *Trader) Exit(ctx context.Context, mint string) fastpath.Result {
	return t.controller.Exit(ctx, mint, domain.ExitReasonManual)
}
