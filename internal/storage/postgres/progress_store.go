package postgres

import (
	"context"
	"fmt"
	"time"

	"solana-fastpath/internal/storage"
)

// ProgressStore is a PostgreSQL implementation of storage.ProgressStore.
// Uses two tables:
//   - stream_progress: single row with (slot, signature)
//   - seen_mints: set of surfaced mint addresses
type ProgressStore struct {
	pool *Pool
}

// NewProgressStore creates a new PostgreSQL progress store.
func NewProgressStore(pool *Pool) *ProgressStore {
	return &ProgressStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ProgressStore = (*ProgressStore)(nil)

// GetLastProcessed returns the last processed slot and signature.
func (s *ProgressStore) GetLastProcessed(ctx context.Context) (_ *storage.Progress, err error) {
	defer s.pool.observe("get_progress", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		SELECT slot, signature, updated_at
		FROM stream_progress
		WHERE id = 1
	`)

	var p storage.Progress
	if err := row.Scan(&p.Slot, &p.Signature, &p.UpdatedAt); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return &p, nil
}

// SetLastProcessed upserts the position; an older slot never replaces a newer one.
func (s *ProgressStore) SetLastProcessed(ctx context.Context, p *storage.Progress) (err error) {
	if p == nil || p.Slot < 0 {
		return storage.ErrInvalidInput
	}
	defer s.pool.observe("set_progress", time.Now(), &err)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO stream_progress (id, slot, signature, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET slot = EXCLUDED.slot,
		    signature = EXCLUDED.signature,
		    updated_at = NOW()
		WHERE stream_progress.slot <= EXCLUDED.slot
	`, p.Slot, p.Signature)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// HasMint reports whether mint has been surfaced.
func (s *ProgressStore) HasMint(ctx context.Context, mint string) (_ bool, err error) {
	if mint == "" {
		return false, storage.ErrInvalidInput
	}
	defer s.pool.observe("has_mint", time.Now(), &err)

	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM seen_mints WHERE mint = $1)
	`, mint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has mint: %w", err)
	}
	return exists, nil
}

// MarkMint records mint.
func (s *ProgressStore) MarkMint(ctx context.Context, mint string) (err error) {
	if mint == "" {
		return storage.ErrInvalidInput
	}
	defer s.pool.observe("mark_mint", time.Now(), &err)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO seen_mints (mint, seen_at)
		VALUES ($1, NOW())
		ON CONFLICT (mint) DO NOTHING
	`, mint)
	if err != nil {
		return fmt.Errorf("mark mint: %w", err)
	}
	return nil
}

// LoadMints returns every surfaced mint, sorted.
func (s *ProgressStore) LoadMints(ctx context.Context) (_ []string, err error) {
	defer s.pool.observe("load_mints", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `SELECT mint FROM seen_mints ORDER BY mint`)
	if err != nil {
		return nil, fmt.Errorf("load mints: %w", err)
	}
	defer rows.Close()

	var mints []string
	for rows.Next() {
		var mint string
		if err := rows.Scan(&mint); err != nil {
			return nil, fmt.Errorf("scan mint: %w", err)
		}
		mints = append(mints, mint)
	}
	return mints, rows.Err()
}
