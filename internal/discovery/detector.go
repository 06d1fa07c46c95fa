package discovery

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/idhash"
	"solana-fastpath/internal/solana"
)

// Confidence assigned to detected opportunities.
const (
	// ConfidenceResolved: mint and SOL reserve read from pool vault balances.
	ConfidenceResolved = 0.9
	// ConfidenceInferred: mint or reserve inferred without vault ownership.
	ConfidenceInferred = 0.6
	// ConfidenceLogOnly: only log data was available.
	ConfidenceLogOnly = 0.4
)

// TransactionFetcher fetches full transactions for mint resolution.
type TransactionFetcher interface {
	GetTransaction(ctx context.Context, signature string) (*solana.Transaction, error)
}

// MintLookup reports whether a mint is already traded.
type MintLookup interface {
	HasMint(ctx context.Context, mint string) (bool, error)
}

// PoolDetector turns pool initialization and token creation events into
// opportunities, once per mint.
type PoolDetector struct {
	mu        sync.Mutex
	seenMints map[string]bool
	known     MintLookup
	kinds     map[domain.EventKind]bool
}

// NewPoolDetector creates a detector for the given kinds.
// With no kinds, only POOL_INITIALIZED is accepted. known may be nil.
func NewPoolDetector(known MintLookup, kinds ...domain.EventKind) *PoolDetector {
	if len(kinds) == 0 {
		kinds = []domain.EventKind{domain.EventKindPoolInitialized}
	}
	d := &PoolDetector{
		seenMints: make(map[string]bool),
		known:     known,
		kinds:     make(map[domain.EventKind]bool, len(kinds)),
	}
	for _, k := range kinds {
		d.kinds[k] = true
	}
	return d
}

// Accepts reports whether the detector handles kind.
func (d *PoolDetector) Accepts(kind domain.EventKind) bool {
	return d.kinds[kind]
}

// Detect returns an opportunity for ev, or nil if the event is not a new
// mint. fetch is used when the mint is not present in the logs.
func (d *PoolDetector) Detect(ctx context.Context, ev Event, fetch TransactionFetcher) (*domain.Opportunity, error) {
	if !d.kinds[ev.Kind] {
		return nil, nil
	}

	mint, reserve, confidence := ev.Mint, uint64(0), ConfidenceLogOnly
	if ev.Init != nil {
		reserve = ev.Init.QuoteReserve()
	}

	if mint == "" && fetch != nil {
		tx, err := fetch.GetTransaction(ctx, ev.Record.Signature)
		if err != nil {
			return nil, fmt.Errorf("fetch transaction %s: %w", ev.Record.Signature, err)
		}
		if tx != nil && tx.Meta != nil {
			var vaultOwned bool
			var balReserve uint64
			mint, balReserve, vaultOwned = ResolvePoolMint(tx.Meta.PostTokenBalances)
			if balReserve > 0 {
				reserve = balReserve
			}
			confidence = ConfidenceInferred
			if vaultOwned {
				confidence = ConfidenceResolved
			}
		}
	}
	if mint == "" {
		return nil, nil
	}

	d.mu.Lock()
	seen := d.seenMints[mint]
	d.mu.Unlock()
	if seen {
		return nil, nil
	}

	if d.known != nil {
		exists, err := d.known.HasMint(ctx, mint)
		if err != nil {
			return nil, err
		}
		if exists {
			d.markSeen(mint)
			return nil, nil
		}
	}

	// Concurrent callers may both pass the checks above; only the first marks.
	if !d.markSeen(mint) {
		return nil, nil
	}

	return &domain.Opportunity{
		ID:           idhash.ComputeOpportunityID(mint, ev.Pool, ev.Kind, ev.Record.Signature, ev.Record.Slot),
		InstrumentID: mint,
		Pool:         ev.Pool,
		Kind:         ev.Kind,
		Program:      ev.Program,
		QuoteReserve: reserve,
		Confidence:   confidence,
		Signature:    ev.Record.Signature,
		Slot:         ev.Record.Slot,
		DetectedAt:   ev.Record.ReceivedAt,
	}, nil
}

// markSeen marks mint and reports whether it was new.
func (d *PoolDetector) markSeen(mint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seenMints[mint] {
		return false
	}
	d.seenMints[mint] = true
	return true
}

// Reset clears the in-memory seen mints cache.
func (d *PoolDetector) Reset() {
	d.mu.Lock()
	d.seenMints = make(map[string]bool)
	d.mu.Unlock()
}

// ResolvePoolMint finds the non-WSOL mint and the WSOL reserve among post
// token balances. Balances owned by the Raydium authority are preferred;
// vaultOwned reports whether both were found that way.
func ResolvePoolMint(balances []solana.TokenBalance) (mint string, reserve uint64, vaultOwned bool) {
	var fallbackMint string
	var vaultMint string
	var vaultReserve uint64

	for _, b := range balances {
		vault := b.Owner == RaydiumAuthorityV4
		if b.Mint == WSOL {
			if vault {
				if amount, err := strconv.ParseUint(b.Amount, 10, 64); err == nil {
					vaultReserve = amount
				}
			}
			continue
		}
		if vault && vaultMint == "" {
			vaultMint = b.Mint
		}
		if fallbackMint == "" {
			fallbackMint = b.Mint
		}
	}

	if vaultMint != "" {
		return vaultMint, vaultReserve, vaultReserve > 0
	}
	return fallbackMint, vaultReserve, false
}
