package memory

import (
	"context"
	"sort"
	"sync"

	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/storage"
)

// Journal is an in-memory implementation of storage.Journal.
type Journal struct {
	mu         sync.RWMutex
	positions  map[string]*domain.Position  // keyed by position ID
	executions map[string]*domain.Execution // keyed by execution ID
}

// NewJournal creates a new in-memory journal.
func NewJournal() *Journal {
	return &Journal{
		positions:  make(map[string]*domain.Position),
		executions: make(map[string]*domain.Execution),
	}
}

var _ storage.Journal = (*Journal)(nil)

// SavePosition inserts or replaces a position.
func (j *Journal) SavePosition(_ context.Context, p *domain.Position) error {
	if p == nil || p.ID == "" || p.InstrumentID == "" {
		return storage.ErrInvalidInput
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.positions[p.ID] = p.Clone()
	return nil
}

// GetPosition retrieves a position by ID.
func (j *Journal) GetPosition(_ context.Context, id string) (*domain.Position, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	p, ok := j.positions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// ListPositions returns positions ordered by OpenedAt, then ID.
func (j *Journal) ListPositions(_ context.Context, openOnly bool) ([]*domain.Position, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]*domain.Position, 0, len(j.positions))
	for _, p := range j.positions {
		if openOnly && !p.IsOpen() {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].OpenedAt.Equal(out[b].OpenedAt) {
			return out[a].OpenedAt.Before(out[b].OpenedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// SaveExecution inserts or replaces an execution.
func (j *Journal) SaveExecution(_ context.Context, e *domain.Execution) error {
	if e == nil || e.ID == "" || e.PositionID == "" {
		return storage.ErrInvalidInput
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	c := *e
	if e.ConfirmedAt != nil {
		t := *e.ConfirmedAt
		c.ConfirmedAt = &t
	}
	j.executions[e.ID] = &c
	return nil
}

// ListExecutions returns a position's executions ordered by SubmittedAt, then ID.
func (j *Journal) ListExecutions(_ context.Context, positionID string) ([]*domain.Execution, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []*domain.Execution
	for _, e := range j.executions {
		if e.PositionID == positionID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].SubmittedAt.Equal(out[b].SubmittedAt) {
			return out[a].SubmittedAt.Before(out[b].SubmittedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}
