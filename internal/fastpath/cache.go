package fastpath

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/observability"
	"solana-fastpath/internal/quote"
)

// PreparedTx is a quoted, built and still unsigned swap.
type PreparedTx struct {
	Quote   *quote.Quote
	Raw     []byte
	Fee     uint64
	BuiltAt time.Time
}

// BuildFunc quotes and builds a buy of amount input base units of mint.
type BuildFunc func(ctx context.Context, mint string, amount uint64) (*PreparedTx, error)

type cacheKey struct {
	mint   string
	amount uint64
}

// TxCache holds pre-built transactions keyed by (mint, amount). Entries expire
// after the TTL; the refresh task purges expired entries and rebuilds those
// past half their TTL.
type TxCache struct {
	ttl     time.Duration
	clock   clock.Clock
	build   BuildFunc
	log     *logrus.Entry
	metrics *observability.Metrics

	mu      sync.Mutex
	entries map[cacheKey]*PreparedTx
	timer   clock.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTxCache creates a stopped cache.
func NewTxCache(c clock.Clock, ttl time.Duration, build BuildFunc, log *logrus.Entry, m *observability.Metrics) *TxCache {
	return &TxCache{
		ttl:     ttl,
		clock:   c,
		build:   build,
		log:     log,
		metrics: m,
		entries: make(map[cacheKey]*PreparedTx),
	}
}

// Start runs the refresh task every TTL/2.
func (t *TxCache) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		return
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.timer = clock.Every(t.clock, t.ttl/2, t.refresh)
}

// Stop halts the refresh task and drops every entry.
func (t *TxCache) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
		t.cancel()
	}
	t.entries = make(map[cacheKey]*PreparedTx)
}

// Take removes and returns a live entry for (mint, amount).
func (t *TxCache) Take(mint string, amount uint64) (*PreparedTx, bool) {
	key := cacheKey{mint, amount}
	t.mu.Lock()
	tx, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
		if t.expired(tx) {
			tx, ok = nil, false
		}
	}
	t.mu.Unlock()

	t.metrics.RecordTxCache(ok)
	return tx, ok
}

// Put stores tx for (mint, amount), replacing any previous entry.
func (t *TxCache) Put(mint string, amount uint64, tx *PreparedTx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[cacheKey{mint, amount}] = tx
}

// Prewarm builds and stores a transaction for (mint, amount).
func (t *TxCache) Prewarm(ctx context.Context, mint string, amount uint64) error {
	tx, err := t.build(ctx, mint, amount)
	if err != nil {
		return err
	}
	t.Put(mint, amount, tx)
	return nil
}

// Len returns the number of cached entries, expired ones included.
func (t *TxCache) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *TxCache) expired(tx *PreparedTx) bool {
	return t.clock.Now().Sub(tx.BuiltAt) >= t.ttl
}

func (t *TxCache) refresh() {
	t.mu.Lock()
	ctx := t.ctx
	now := t.clock.Now()
	var stale []cacheKey
	for key, tx := range t.entries {
		age := now.Sub(tx.BuiltAt)
		switch {
		case age >= t.ttl:
			delete(t.entries, key)
		case age >= t.ttl/2:
			stale = append(stale, key)
		}
	}
	t.mu.Unlock()

	if ctx == nil {
		return
	}
	for _, key := range stale {
		tx, err := t.build(ctx, key.mint, key.amount)

		t.mu.Lock()
		if _, still := t.entries[key]; still {
			if err != nil {
				delete(t.entries, key)
			} else {
				t.entries[key] = tx
			}
		}
		t.mu.Unlock()

		if err != nil {
			t.log.WithError(err).WithField("mint", key.mint).Debug("Transaction cache rebuild failed")
		}
	}
}
