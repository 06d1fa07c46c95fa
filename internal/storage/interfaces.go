package storage

import (
	"context"
	"time"

	"solana-fastpath/internal/domain"
)

// Journal records positions and the transactions submitted for them.
type Journal interface {
	// SavePosition inserts or replaces a position by ID.
	SavePosition(ctx context.Context, p *domain.Position) error

	// GetPosition retrieves a position by ID. Returns ErrNotFound if not exists.
	GetPosition(ctx context.Context, id string) (*domain.Position, error)

	// ListPositions returns positions ordered by opened_at ASC; openOnly skips closed ones.
	ListPositions(ctx context.Context, openOnly bool) ([]*domain.Position, error)

	// SaveExecution inserts or replaces an execution by ID.
	SaveExecution(ctx context.Context, e *domain.Execution) error

	// ListExecutions returns a position's executions ordered by submitted_at ASC.
	ListExecutions(ctx context.Context, positionID string) ([]*domain.Execution, error)
}

// EventArchive is an append-only log of delivered event records.
type EventArchive interface {
	// Append stores records. Replays of the same (address, signature) are tolerated.
	Append(ctx context.Context, records []domain.EventRecord) error

	// GetBySlotRange returns an address's records with from <= slot <= to, ordered by slot ASC.
	GetBySlotRange(ctx context.Context, address string, from, to int64) ([]domain.EventRecord, error)
}

// Progress is the last processed position in the event stream.
type Progress struct {
	Slot      int64
	Signature string
	UpdatedAt time.Time
}

// ProgressStore persists the event stream position and the mints already
// surfaced, so a restart resumes without re-trading.
type ProgressStore interface {
	// GetLastProcessed returns ErrNotFound if no progress has been saved yet.
	GetLastProcessed(ctx context.Context) (*Progress, error)

	// SetLastProcessed saves the position. Older slots never overwrite newer ones.
	SetLastProcessed(ctx context.Context, p *Progress) error

	// HasMint reports whether mint has been surfaced before.
	HasMint(ctx context.Context, mint string) (bool, error)

	// MarkMint records that mint has been surfaced.
	MarkMint(ctx context.Context, mint string) error

	// LoadMints returns every surfaced mint.
	LoadMints(ctx context.Context) ([]string, error)
}
