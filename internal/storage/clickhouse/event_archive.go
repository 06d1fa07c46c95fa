package clickhouse

import (
	"context"
	"fmt"
	"time"

	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/storage"
)

// EventArchive implements storage.EventArchive using ClickHouse.
// The table is a ReplacingMergeTree, so replays of one (address, signature)
// collapse on merge and reads use FINAL.
type EventArchive struct {
	conn *Conn
}

// NewEventArchive creates a new EventArchive.
func NewEventArchive(conn *Conn) *EventArchive {
	return &EventArchive{conn: conn}
}

// Compile-time interface check.
var _ storage.EventArchive = (*EventArchive)(nil)

// failedMarker stands in for the transaction error on records read back.
const failedMarker = "failed"

// Append writes records in one batch.
func (a *EventArchive) Append(ctx context.Context, records []domain.EventRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if r.ContractAddress == "" || r.Signature == "" {
			return storage.ErrInvalidInput
		}
	}
	defer a.conn.observe("append_events", time.Now(), &err)

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO event_records (
			contract_address, signature, slot, logs, failed, backfilled, received_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		logs := r.Logs
		if logs == nil {
			logs = []string{}
		}
		err = batch.Append(
			r.ContractAddress, r.Signature, r.Slot, logs,
			r.Failed(), r.Backfilled, r.ReceivedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err = batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetBySlotRange returns records with from <= slot <= to, ordered by slot then signature.
func (a *EventArchive) GetBySlotRange(ctx context.Context, address string, from, to int64) (_ []domain.EventRecord, err error) {
	defer a.conn.observe("get_events", time.Now(), &err)

	rows, err := a.conn.Query(ctx, `
		SELECT contract_address, signature, slot, logs, failed, backfilled, received_at
		FROM event_records FINAL
		WHERE contract_address = ? AND slot >= ? AND slot <= ?
		ORDER BY slot ASC, signature ASC
	`, address, from, to)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []domain.EventRecord
	for rows.Next() {
		var (
			r      domain.EventRecord
			failed bool
		)
		if err := rows.Scan(
			&r.ContractAddress, &r.Signature, &r.Slot, &r.Logs,
			&failed, &r.Backfilled, &r.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if failed {
			r.Err = failedMarker
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
