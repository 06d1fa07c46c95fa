package memory

import (
	"context"
	"sort"
	"sync"

	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/idhash"
	"solana-fastpath/internal/storage"
)

// EventArchive is an in-memory implementation of storage.EventArchive.
type EventArchive struct {
	mu        sync.RWMutex
	keys      map[string]struct{} // idhash.ComputeEventKey
	byAddress map[string][]domain.EventRecord
}

// NewEventArchive creates a new in-memory event archive.
func NewEventArchive() *EventArchive {
	return &EventArchive{
		keys:      make(map[string]struct{}),
		byAddress: make(map[string][]domain.EventRecord),
	}
}

var _ storage.EventArchive = (*EventArchive)(nil)

// Append stores records, skipping ones already archived.
func (a *EventArchive) Append(_ context.Context, records []domain.EventRecord) error {
	for _, r := range records {
		if r.ContractAddress == "" || r.Signature == "" {
			return storage.ErrInvalidInput
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range records {
		key := idhash.ComputeEventKey(r.ContractAddress, r.Signature)
		if _, dup := a.keys[key]; dup {
			continue
		}
		a.keys[key] = struct{}{}
		a.byAddress[r.ContractAddress] = append(a.byAddress[r.ContractAddress], r)
	}
	return nil
}

// GetBySlotRange returns records with from <= slot <= to, ordered by slot then signature.
func (a *EventArchive) GetBySlotRange(_ context.Context, address string, from, to int64) ([]domain.EventRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []domain.EventRecord
	for _, r := range a.byAddress[address] {
		if r.Slot >= from && r.Slot <= to {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].Signature < out[j].Signature
	})
	return out, nil
}

// Len returns the number of archived records.
func (a *EventArchive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}
