package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/storage"
)

// Journal implements storage.Journal using PostgreSQL.
type Journal struct {
	pool *Pool
}

// NewJournal creates a new Journal.
func NewJournal(pool *Pool) *Journal {
	return &Journal{pool: pool}
}

// Compile-time interface check.
var _ storage.Journal = (*Journal)(nil)

const positionColumns = `
	id, instrument_id, side, size::text, token_amount::text,
	entry_price::text, stop_loss_price::text, take_profit_price::text,
	risk_tier, status, entry_signature, opened_at, closed_at, exit_reason, realized_pnl::text
`

// SavePosition inserts or replaces a position by ID.
func (j *Journal) SavePosition(ctx context.Context, p *domain.Position) (err error) {
	if p == nil || p.ID == "" || p.InstrumentID == "" {
		return storage.ErrInvalidInput
	}
	defer j.pool.observe("save_position", time.Now(), &err)

	query := `
		INSERT INTO positions (
			id, instrument_id, side, size, token_amount,
			entry_price, stop_loss_price, take_profit_price,
			risk_tier, status, entry_signature, opened_at, closed_at, exit_reason, realized_pnl,
			updated_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5::numeric,
			$6::numeric, $7::numeric, $8::numeric,
			$9, $10, $11, $12, $13, $14, $15::numeric,
			NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			size = EXCLUDED.size,
			token_amount = EXCLUDED.token_amount,
			entry_price = EXCLUDED.entry_price,
			stop_loss_price = EXCLUDED.stop_loss_price,
			take_profit_price = EXCLUDED.take_profit_price,
			risk_tier = EXCLUDED.risk_tier,
			status = EXCLUDED.status,
			entry_signature = EXCLUDED.entry_signature,
			closed_at = EXCLUDED.closed_at,
			exit_reason = EXCLUDED.exit_reason,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at = NOW()
	`

	_, err = j.pool.Exec(ctx, query,
		p.ID, p.InstrumentID, string(p.Side), p.Size.String(), u64(p.TokenAmount),
		p.EntryPrice.String(), p.StopLossPrice.String(), p.TakeProfitPrice.String(),
		string(p.RiskTier), string(p.Status), p.EntrySignature, p.OpenedAt, p.ClosedAt, p.ExitReason, p.RealizedPnL.String(),
	)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// GetPosition retrieves a position by ID. Returns ErrNotFound if not exists.
func (j *Journal) GetPosition(ctx context.Context, id string) (_ *domain.Position, err error) {
	defer j.pool.observe("get_position", time.Now(), &err)

	row := j.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListPositions returns positions ordered by opened_at ASC; openOnly skips closed ones.
func (j *Journal) ListPositions(ctx context.Context, openOnly bool) (_ []*domain.Position, err error) {
	defer j.pool.observe("list_positions", time.Now(), &err)

	query := `SELECT ` + positionColumns + ` FROM positions`
	var args []interface{}
	if openOnly {
		query += ` WHERE status <> $1`
		args = append(args, string(domain.PositionClosed))
	}
	query += ` ORDER BY opened_at ASC, id ASC`

	rows, err := j.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var (
		p                                     domain.Position
		side, tier, status                    string
		size, tokens, entry, sl, tp, realized string
	)
	err := row.Scan(
		&p.ID, &p.InstrumentID, &side, &size, &tokens,
		&entry, &sl, &tp,
		&tier, &status, &p.EntrySignature, &p.OpenedAt, &p.ClosedAt, &p.ExitReason, &realized,
	)
	if err != nil {
		return nil, err
	}
	p.Side = domain.Side(side)
	p.RiskTier = domain.RiskTier(tier)
	p.Status = domain.PositionStatus(status)

	if p.TokenAmount, err = parseU64(tokens); err != nil {
		return nil, err
	}
	if p.Size, err = parseDecimal(size); err != nil {
		return nil, err
	}
	if p.EntryPrice, err = parseDecimal(entry); err != nil {
		return nil, err
	}
	if p.StopLossPrice, err = parseDecimal(sl); err != nil {
		return nil, err
	}
	if p.TakeProfitPrice, err = parseDecimal(tp); err != nil {
		return nil, err
	}
	if p.RealizedPnL, err = parseDecimal(realized); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveExecution inserts or replaces an execution by ID.
func (j *Journal) SaveExecution(ctx context.Context, e *domain.Execution) (err error) {
	if e == nil || e.ID == "" || e.PositionID == "" {
		return storage.ErrInvalidInput
	}
	defer j.pool.observe("save_execution", time.Now(), &err)

	query := `
		INSERT INTO executions (
			id, position_id, instrument_id, kind, signature,
			input_mint, output_mint, amount_in, expected_out, priority_fee_lamports,
			status, reason, submitted_at, confirmed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8::numeric, $9::numeric, $10::numeric,
			$11, $12, $13, $14
		)
		ON CONFLICT (id) DO UPDATE SET
			signature = EXCLUDED.signature,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			confirmed_at = EXCLUDED.confirmed_at
	`

	_, err = j.pool.Exec(ctx, query,
		e.ID, e.PositionID, e.InstrumentID, string(e.Kind), e.Signature,
		e.InputMint, e.OutputMint, u64(e.AmountIn), u64(e.ExpectedOut), u64(e.PriorityFeeLamports),
		string(e.Status), e.Reason, e.SubmittedAt, e.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// ListExecutions returns a position's executions ordered by submitted_at ASC.
func (j *Journal) ListExecutions(ctx context.Context, positionID string) (_ []*domain.Execution, err error) {
	defer j.pool.observe("list_executions", time.Now(), &err)

	rows, err := j.pool.Query(ctx, `
		SELECT
			id, position_id, instrument_id, kind, signature,
			input_mint, output_mint, amount_in::text, expected_out::text, priority_fee_lamports::text,
			status, reason, submitted_at, confirmed_at
		FROM executions
		WHERE position_id = $1
		ORDER BY submitted_at ASC, id ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		var (
			e                domain.Execution
			kind, status     string
			amountIn, outAmt string
			fee              string
		)
		if err := rows.Scan(
			&e.ID, &e.PositionID, &e.InstrumentID, &kind, &e.Signature,
			&e.InputMint, &e.OutputMint, &amountIn, &outAmt, &fee,
			&status, &e.Reason, &e.SubmittedAt, &e.ConfirmedAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Kind = domain.ExecutionKind(kind)
		e.Status = domain.ExecutionStatus(status)
		if e.AmountIn, err = parseU64(amountIn); err != nil {
			return nil, err
		}
		if e.ExpectedOut, err = parseU64(outAmt); err != nil {
			return nil, err
		}
		if e.PriorityFeeLamports, err = parseU64(fee); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
