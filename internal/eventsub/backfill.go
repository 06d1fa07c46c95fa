package eventsub

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/solana"
)

// ErrTransactionUnavailable is returned when a signature's transaction cannot be fetched yet.
var ErrTransactionUnavailable = errors.New("transaction not available")

// BackfillResult summarizes one backfill pass.
type BackfillResult struct {
	FromSlot    int64 `json:"fromSlot"`
	CurrentSlot int64 `json:"currentSlot"`
	// Skipped is true when the gap did not exceed the threshold.
	Skipped   bool `json:"skipped"`
	Pages     int  `json:"pages"`
	Delivered int  `json:"delivered"`
	// Truncated is true when the page limit stopped pagination before reaching FromSlot.
	Truncated bool `json:"truncated"`
}

// Backfill runs one backfill pass from the last processed slot.
func (s *Service) Backfill(ctx context.Context) (BackfillResult, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return BackfillResult{}, ErrStopped
	}
	from := s.lastSlot
	s.mu.Unlock()

	conn, err := s.conns.GetConnection()
	if err != nil {
		return BackfillResult{}, err
	}

	s.backfillMu.Lock()
	defer s.backfillMu.Unlock()
	return s.backfill(ctx, conn.RPC, from)
}

// periodicBackfill is the safety net for drops that raised no error.
func (s *Service) periodicBackfill() {
	s.mu.Lock()
	if !s.running || s.reconnectPending {
		s.mu.Unlock()
		return
	}
	from := s.lastSlot
	ctx := s.ctx
	s.mu.Unlock()

	// A reconnect backfill already covers the gap.
	if !s.backfillMu.TryLock() {
		return
	}
	defer s.backfillMu.Unlock()

	conn, err := s.conns.GetConnection()
	if err != nil {
		return
	}
	if _, err := s.backfill(ctx, conn.RPC, from); err != nil {
		s.log.WithError(err).Warn("Periodic backfill failed")
	}
}

// backfill replays every watched address's history in (from, current] when
// the gap exceeds BackfillGap, then advances the last processed slot to
// current. Any fetch error aborts without advancing. Caller holds backfillMu.
func (s *Service) backfill(ctx context.Context, rpc solana.RPCClient, from int64) (BackfillResult, error) {
	res := BackfillResult{FromSlot: from}

	sctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	current, err := rpc.GetSlot(sctx)
	cancel()
	if err != nil {
		s.metrics.RecordBackfill("error")
		return res, fmt.Errorf("get slot: %w", err)
	}
	res.CurrentSlot = current

	if current-from <= s.opts.BackfillGap {
		res.Skipped = true
		s.recordBackfill(res)
		s.metrics.RecordBackfill("skipped")
		return res, nil
	}

	s.mu.Lock()
	addresses := s.addresses
	s.mu.Unlock()

	var records []domain.EventRecord
	for _, addr := range addresses {
		recs, pages, truncated, err := s.history(ctx, rpc, addr, from, current)
		res.Pages += pages
		res.Truncated = res.Truncated || truncated
		if err != nil {
			s.metrics.RecordBackfill("error")
			return res, fmt.Errorf("history %s: %w", addr, err)
		}
		records = append(records, recs...)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Slot != records[j].Slot {
			return records[i].Slot < records[j].Slot
		}
		return records[i].Signature < records[j].Signature
	})

	for _, rec := range records {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.deliver(ctx, rec)
		res.Delivered++
	}

	s.mu.Lock()
	if current > s.lastSlot {
		s.lastSlot = current
	}
	s.mu.Unlock()
	s.metrics.SetHighestSlot(current)

	s.recordBackfill(res)
	s.metrics.RecordBackfill("replayed")
	entry := s.log.WithFields(logrus.Fields{
		"from":      from,
		"to":        current,
		"delivered": res.Delivered,
		"pages":     res.Pages,
	})
	if res.Truncated {
		entry.Warn("Backfill hit page limit, older records in the gap were not replayed")
	} else {
		entry.Info("Backfill complete")
	}
	return res, nil
}

func (s *Service) recordBackfill(res BackfillResult) {
	s.mu.Lock()
	s.lastBackfill = &res
	s.mu.Unlock()
}

// history pages backwards through addr's signatures and returns backfilled
// records with from < slot <= to. Failed transactions are included; their
// error is carried on the record.
func (s *Service) history(ctx context.Context, rpc solana.RPCClient, addr string, from, to int64) ([]domain.EventRecord, int, bool, error) {
	var wanted []solana.SignatureInfo
	before := ""
	pages := 0
	reached := false

	for pages < s.opts.BackfillMaxPages {
		sctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		sigs, err := rpc.GetSignaturesForAddress(sctx, addr, &solana.SignaturesOpts{
			Before: before,
			Limit:  s.opts.BackfillBatch,
		})
		cancel()
		if err != nil {
			return nil, pages, false, err
		}
		pages++

		for _, sig := range sigs {
			if sig.Slot <= from {
				reached = true
				continue
			}
			if sig.Slot > to {
				continue
			}
			wanted = append(wanted, sig)
		}

		if reached || len(sigs) < s.opts.BackfillBatch {
			reached = true
			break
		}
		before = sigs[len(sigs)-1].Signature
	}

	records := make([]domain.EventRecord, 0, len(wanted))
	for _, sig := range wanted {
		sctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		tx, err := rpc.GetTransaction(sctx, sig.Signature)
		cancel()
		if err != nil {
			return nil, pages, !reached, fmt.Errorf("get transaction %s: %w", sig.Signature, err)
		}
		if tx == nil {
			return nil, pages, !reached, fmt.Errorf("%w: %s", ErrTransactionUnavailable, sig.Signature)
		}

		var logs []string
		txErr := sig.Err
		if tx.Meta != nil {
			logs = tx.Meta.LogMessages
			if txErr == nil {
				txErr = tx.Meta.Err
			}
		}
		records = append(records, domain.NewEventRecord(addr, sig.Signature, sig.Slot, logs, txErr, true, s.clock.Now()))
	}

	return records, pages, !reached, nil
}
