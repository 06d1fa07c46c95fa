package memory

import (
	"context"
	"sort"
	"sync"

	"solana-fastpath/internal/storage"
)

// ProgressStore is an in-memory implementation of storage.ProgressStore.
type ProgressStore struct {
	mu       sync.RWMutex
	progress *storage.Progress
	mints    map[string]struct{}
}

// NewProgressStore creates a new in-memory progress store.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		mints: make(map[string]struct{}),
	}
}

var _ storage.ProgressStore = (*ProgressStore)(nil)

// GetLastProcessed returns the last processed slot and signature.
func (s *ProgressStore) GetLastProcessed(_ context.Context) (*storage.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.progress == nil {
		return nil, storage.ErrNotFound
	}
	p := *s.progress
	return &p, nil
}

// SetLastProcessed saves the position unless a newer slot is already stored.
func (s *ProgressStore) SetLastProcessed(_ context.Context, p *storage.Progress) error {
	if p == nil || p.Slot < 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.progress != nil && s.progress.Slot > p.Slot {
		return nil
	}
	stored := *p
	s.progress = &stored
	return nil
}

// HasMint reports whether mint has been surfaced.
func (s *ProgressStore) HasMint(_ context.Context, mint string) (bool, error) {
	if mint == "" {
		return false, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.mints[mint]
	return ok, nil
}

// MarkMint records mint.
func (s *ProgressStore) MarkMint(_ context.Context, mint string) error {
	if mint == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mints[mint] = struct{}{}
	return nil
}

// LoadMints returns every recorded mint, sorted.
func (s *ProgressStore) LoadMints(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mints := make([]string, 0, len(s.mints))
	for mint := range s.mints {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	return mints, nil
}
