package trader

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-fastpath/internal/analysis"
	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/config"
	"solana-fastpath/internal/connection"
	"solana-fastpath/internal/discovery"
	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/fastpath"
	"solana-fastpath/internal/logger"
	"solana-fastpath/internal/quote"
	"solana-fastpath/internal/solana"
	"solana-fastpath/internal/solana/stub"
	"solana-fastpath/internal/storage"
	"solana-fastpath/internal/storage/memory"
)

const (
	wallet  = "WaLLet1111111111111111111111111111111111111"
	newMint = "MintNEW1111111111111111111111111111111111111"
)

type fakeQuotes struct {
	mu       sync.Mutex
	priceErr error
	buys     []quote.Request
}

func (q *fakeQuotes) Quote(_ context.Context, req quote.Request) (*quote.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.OutputMint == quote.USDCMint {
		if q.priceErr != nil {
			return nil, q.priceErr
		}
		return &quote.Quote{InputMint: req.InputMint, OutputMint: req.OutputMint, InAmount: req.Amount, OutAmount: req.Amount / 1000 * 150}, nil
	}
	q.buys = append(q.buys, req)
	return &quote.Quote{InputMint: req.InputMint, OutputMint: req.OutputMint, InAmount: req.Amount, OutAmount: req.Amount * 1000}, nil
}

func (q *fakeQuotes) BuildSwap(_ context.Context, qt *quote.Quote, _ string, _ uint64) ([]byte, error) {
	return []byte("swap:" + qt.OutputMint), nil
}

func (q *fakeQuotes) setPriceErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.priceErr = err
}

func (q *fakeQuotes) buyCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buys)
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(context.Context, string, analysis.Context) (*analysis.Result, error) {
	return &analysis.Result{FinalScore: 6}, nil
}

type fakeSigner struct{}

func (fakeSigner) PublicKey() string { return wallet }

func (fakeSigner) Sign(raw []byte) ([]byte, error) {
	return append([]byte("signed:"), raw...), nil
}

type passSecurity struct{}

func (passSecurity) Check(context.Context, string) error { return nil }

type harness struct {
	trader   *Trader
	clock    *clock.Fake
	rpc      *stub.RPCClient
	ws       *stub.LogSubscriber
	quotes   *fakeQuotes
	progress *memory.ProgressStore
	archive  *memory.EventArchive

	cancel context.CancelFunc
	done   chan error
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RPC.Endpoints = []config.EndpointConfig{{URL: "https://rpc.test", WSURL: "wss://rpc.test"}}
	cfg.Subscription.Programs = []string{discovery.RaydiumAMMV4}
	cfg.Storage.ArchiveBatch = 1000
	return cfg
}

func newHarness(t *testing.T, progress *memory.ProgressStore, slot int64) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		rpc:      stub.NewRPCClient(),
		ws:       stub.NewLogSubscriber(),
		quotes:   &fakeQuotes{},
		progress: progress,
		archive:  memory.NewEventArchive(),
	}
	h.rpc.SetSlot(slot)
	h.rpc.SetBalance(wallet, 2_000_000_000)

	dial := func(_ context.Context, ep connection.Endpoint) (*connection.ActiveConnection, error) {
		return &connection.ActiveConnection{Endpoint: ep, RPC: h.rpc, WS: h.ws}, nil
	}
	h.trader = New(testConfig(), Deps{
		Clock:    h.clock,
		Logger:   logger.Discard(),
		Dial:     dial,
		Quotes:   h.quotes,
		Analyzer: fakeAnalyzer{},
		Signer:   fakeSigner{},
		Security: passSecurity{},
		Journal:  memory.NewJournal(),
		Progress: progress,
		Archive:  h.archive,
	})
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.trader.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })

	require.Eventually(t, func() bool {
		return h.trader.Status().Subscription.Running && h.ws.Active() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("trader did not stop")
	}
	h.trader.Close()
}

func (h *harness) lastSlot() int64 {
	h.trader.mu.Lock()
	defer h.trader.mu.Unlock()
	return h.trader.last.Slot
}

func rayInitLog() string {
	data := make([]byte, 75)
	data[9], data[10] = 9, 6
	return "Program log: ray_log: " + base64.StdEncoding.EncodeToString(data)
}

func poolNotification(sig string, slot int64) solana.LogNotification {
	return solana.LogNotification{
		Signature: sig,
		Slot:      slot,
		Logs: []string{
			"Program " + discovery.RaydiumAMMV4 + " invoke [1]",
			rayInitLog(),
			"Program " + discovery.RaydiumAMMV4 + " success",
		},
	}
}

// poolTx puts reserveLamports of SOL in the new pool's vault.
func poolTx(sig string, slot int64, reserveLamports string) *solana.Transaction {
	return &solana.Transaction{
		Signature: sig,
		Slot:      slot,
		Meta: &solana.TransactionMeta{
			PostTokenBalances: []solana.TokenBalance{
				{AccountIndex: 1, Mint: newMint, Owner: discovery.RaydiumAuthorityV4, Amount: "1000000000", Decimals: 6},
				{AccountIndex: 2, Mint: discovery.WSOL, Owner: discovery.RaydiumAuthorityV4, Amount: reserveLamports, Decimals: 9},
			},
		},
	}
}

func plainNotification(sig string, slot int64) solana.LogNotification {
	return solana.LogNotification{Signature: sig, Slot: slot, Logs: []string{"Program log: unrelated"}}
}

func TestTrader_PoolInitializationOpensPosition(t *testing.T) {
	h := newHarness(t, memory.NewProgressStore(), 1000)
	h.rpc.AddTransaction(poolTx("pool-sig", 1001, "42000000000"))
	h.run(t)

	require.Equal(t, 1, h.ws.Emit(discovery.RaydiumAMMV4, poolNotification("pool-sig", 1001)))

	require.Eventually(t, func() bool { return len(h.trader.Positions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	pos := h.trader.Positions()[0].Position
	assert.Equal(t, newMint, pos.InstrumentID)
	assert.Equal(t, domain.PositionPending, pos.Status)

	sent, _ := h.rpc.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "signed:swap:"+newMint, string(sent[0]))

	known, err := h.progress.HasMint(context.Background(), newMint)
	require.NoError(t, err)
	assert.True(t, known)

	st := h.trader.Status()
	assert.True(t, st.Healthy)
	assert.Equal(t, 1, st.OpenPositions)
	assert.InDelta(t, 150.0, st.SOLPriceUSD, 1e-9)
}

func TestTrader_SurfacedMintNotTradedTwice(t *testing.T) {
	h := newHarness(t, memory.NewProgressStore(), 1000)
	h.rpc.AddTransaction(poolTx("pool-sig", 1001, "42000000000"))
	h.rpc.AddTransaction(poolTx("pool-sig-2", 1002, "42000000000"))
	h.run(t)

	h.ws.Emit(discovery.RaydiumAMMV4, poolNotification("pool-sig", 1001))
	h.ws.Emit(discovery.RaydiumAMMV4, poolNotification("pool-sig-2", 1002))
	h.ws.Emit(discovery.RaydiumAMMV4, plainNotification("after", 1003))

	require.Eventually(t, func() bool { return h.lastSlot() == 1003 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.trader.Positions(), 1)
	assert.Equal(t, 1, h.quotes.buyCount())
}

func TestTrader_NoPriceMeansLowLiquidity(t *testing.T) {
	h := newHarness(t, memory.NewProgressStore(), 1000)
	h.quotes.setPriceErr(errors.New("aggregator down"))
	h.rpc.AddTransaction(poolTx("pool-sig", 1001, "42000000000"))
	h.run(t)

	h.ws.Emit(discovery.RaydiumAMMV4, poolNotification("pool-sig", 1001))
	h.ws.Emit(discovery.RaydiumAMMV4, plainNotification("after", 1002))

	require.Eventually(t, func() bool { return h.lastSlot() == 1002 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.trader.Positions())
	assert.Equal(t, 0, h.quotes.buyCount())
	sent, _ := h.rpc.Sent()
	assert.Empty(t, sent)
	assert.Zero(t, h.trader.Status().SOLPriceUSD)
}

func TestTrader_ThinPoolRejected(t *testing.T) {
	h := newHarness(t, memory.NewProgressStore(), 1000)
	// 10 SOL at $150 values the pool at $3000, under the $5000 minimum.
	h.rpc.AddTransaction(poolTx("pool-sig", 1001, "10000000000"))
	h.run(t)

	h.ws.Emit(discovery.RaydiumAMMV4, poolNotification("pool-sig", 1001))
	h.ws.Emit(discovery.RaydiumAMMV4, plainNotification("after", 1002))

	require.Eventually(t, func() bool { return h.lastSlot() == 1002 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.trader.Positions())
}

func TestTrader_ProgressPersistedAndResumed(t *testing.T) {
	progress := memory.NewProgressStore()

	h := newHarness(t, progress, 1000)
	h.run(t)
	h.ws.Emit(discovery.RaydiumAMMV4, plainNotification("live-1", 1001))
	require.Eventually(t, func() bool { return h.lastSlot() == 1001 }, 2*time.Second, 5*time.Millisecond)

	h.clock.Advance(5 * time.Second)
	p, err := progress.GetLastProcessed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1001), p.Slot)
	assert.Equal(t, "live-1", p.Signature)
	h.stop(t)

	// Downtime: the chain moved past the backfill gap.
	h2 := newHarness(t, progress, 1300)
	h2.rpc.AddSignatures(discovery.RaydiumAMMV4, []solana.SignatureInfo{
		{Signature: "missed", Slot: 1200},
		{Signature: "live-1", Slot: 1001},
	})
	h2.rpc.AddTransaction(&solana.Transaction{
		Signature: "missed",
		Slot:      1200,
		Meta:      &solana.TransactionMeta{LogMessages: []string{"Program log: while down"}},
	})
	h2.run(t)

	require.Eventually(t, func() bool { return h2.lastSlot() == 1200 }, 2*time.Second, 5*time.Millisecond)
	h2.stop(t)

	recs, err := h2.archive.GetBySlotRange(context.Background(), discovery.RaydiumAMMV4, 0, 2000)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "missed", recs[0].Signature)
	assert.True(t, recs[0].Backfilled)

	p, err = progress.GetLastProcessed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1200), p.Slot)
}

func TestTrader_Backend(t *testing.T) {
	h := newHarness(t, memory.NewProgressStore(), 1000)
	assert.False(t, h.trader.Status().Healthy)

	h.run(t)
	assert.True(t, h.trader.Status().Healthy)

	h.trader.SetEmergencyStop(true, "operator")
	st := h.trader.Status()
	assert.True(t, st.Breaker.EmergencyStop)
	assert.Equal(t, "operator", st.Breaker.EmergencyReason)

	res := h.trader.Exit(context.Background(), "UnknownMint")
	assert.False(t, res.OK)
	assert.Equal(t, fastpath.ReasonNoPosition, res.Reason)

	assert.ErrorIs(t, h.trader.Run(context.Background()), ErrAlreadyRunning)
}

func TestTrader_LiquidityUSD(t *testing.T) {
	h := newHarness(t, memory.NewProgressStore(), 1000)
	assert.Zero(t, h.trader.liquidityUSD(42_000_000_000))

	require.NoError(t, h.trader.refreshPrice(context.Background()))
	assert.InDelta(t, 12_600.0, h.trader.liquidityUSD(42_000_000_000), 1e-6)
	assert.Zero(t, h.trader.liquidityUSD(0))
}

type failingArchive struct{ calls int }

func (f *failingArchive) Append(context.Context, []domain.EventRecord) error {
	f.calls++
	return errors.New("clickhouse down")
}

func (f *failingArchive) GetBySlotRange(context.Context, string, int64, int64) ([]domain.EventRecord, error) {
	return nil, nil
}

var _ storage.EventArchive = (*failingArchive)(nil)

func record(sig string, slot int64) domain.EventRecord {
	return domain.NewEventRecord(discovery.RaydiumAMMV4, sig, slot, nil, nil, false, time.Unix(1714554000, 0))
}

func TestArchiver_FlushesOnBatchAndTicker(t *testing.T) {
	fc := clock.NewFake(time.Unix(1714554000, 0))
	archive := memory.NewEventArchive()
	a := newArchiver(archive, fc, 2, 0, time.Second, logger.Discard())
	a.start()
	defer a.close()

	a.add(record("a", 1))
	a.add(record("b", 2))
	require.Eventually(t, func() bool { return archive.Len() == 2 }, time.Second, 5*time.Millisecond)

	a.add(record("c", 3))
	assert.Never(t, func() bool { return archive.Len() == 3 }, 50*time.Millisecond, 5*time.Millisecond)
	fc.Advance(time.Second)
	require.Eventually(t, func() bool { return archive.Len() == 3 }, time.Second, 5*time.Millisecond)
}

func TestArchiver_CloseFlushesAndDropsFailures(t *testing.T) {
	archive := memory.NewEventArchive()
	a := newArchiver(archive, clock.NewFake(time.Unix(0, 0)), 100, 0, time.Minute, logger.Discard())
	a.start()
	a.add(record("a", 1))
	a.close()
	assert.Equal(t, 1, archive.Len())
	a.close()

	failing := &failingArchive{}
	b := newArchiver(failing, clock.NewFake(time.Unix(0, 0)), 1, 0, time.Minute, logger.Discard())
	b.start()
	b.add(record("x", 1))
	b.close()
	assert.GreaterOrEqual(t, failing.calls, 1)
}

func TestArchiver_BufferCapDropsOldest(t *testing.T) {
	archive := memory.NewEventArchive()
	a := newArchiver(archive, clock.NewFake(time.Unix(0, 0)), 2, 3, time.Minute, logger.Discard())
	assert.Equal(t, 3, a.limit)

	// No writer running: the buffer stands in for a stalled archive.
	for i, sig := range []string{"a", "b", "c", "d", "e"} {
		a.add(record(sig, int64(i+1)))
	}
	a.mu.Lock()
	assert.Len(t, a.buf, 3)
	assert.Equal(t, 2, a.dropped)
	a.mu.Unlock()

	a.flush()
	got, err := archive.GetBySlotRange(context.Background(), discovery.RaydiumAMMV4, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "d", "e"}, []string{got[0].Signature, got[1].Signature, got[2].Signature})

	a.mu.Lock()
	assert.Zero(t, a.dropped)
	a.mu.Unlock()

	assert.Equal(t, 40, newArchiver(archive, clock.NewFake(time.Unix(0, 0)), 2, 0, time.Minute, logger.Discard()).limit)
}
