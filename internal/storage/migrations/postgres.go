package migrations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"solana-fastpath/internal/storage/postgres"
)

const postgresVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// RunPostgresMigrations applies pending journal and progress migrations, one
// transaction each, then checks that every store table exists.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) (*Report, error) {
	all, err := load(postgresFiles, "postgres")
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresVersionTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := postgresApplied(ctx, pool)
	if err != nil {
		return nil, err
	}

	report := &Report{Backend: "postgres", Version: latest(all)}
	for _, m := range pending(all, applied) {
		if err := applyPostgres(ctx, pool, m); err != nil {
			return nil, fmt.Errorf("apply migration %s: %w", m, err)
		}
		report.Applied = append(report.Applied, m)
	}

	for _, table := range postgresTables {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check table %s: %w", table, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: postgres table %s missing", ErrSchemaIncomplete, table)
		}
	}
	return report, nil
}

func postgresApplied(ctx context.Context, pool *postgres.Pool) (map[int]bool, error) {
	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[int(v)] = true
	}
	return applied, nil
}

func applyPostgres(ctx context.Context, pool *postgres.Pool, m Migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
