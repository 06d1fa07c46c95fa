package migrations

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	chstore "solana-fastpath/internal/storage/clickhouse"
)

const clickhouseVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    UInt32,
    name       String,
    applied_at DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(applied_at)
ORDER BY version`

// RunClickhouseMigrations creates the archive database if needed, applies
// pending migrations and checks the archive tables. It returns a connection
// to the archive database for the stores to reuse.
//
// ClickHouse has no DDL transactions: a migration is recorded only after all
// of its statements succeed, so statements must be safe to rerun.
func RunClickhouseMigrations(ctx context.Context, dsn string) (*chstore.Conn, *Report, error) {
	all, err := load(clickhouseFiles, "clickhouse")
	if err != nil {
		return nil, nil, err
	}
	scripts := make([][]string, len(all))
	for i, m := range all {
		if scripts[i], err = splitStatements(m.SQL); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidMigration, m, err)
		}
	}

	db, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := createDatabase(ctx, dsn, db); err != nil {
		return nil, nil, err
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, db)
	if err != nil {
		return nil, nil, fmt.Errorf("connect clickhouse %s: %w", db, err)
	}
	report, err := migrateClickhouse(ctx, conn, all, scripts)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, report, nil
}

func createDatabase(ctx context.Context, dsn, db string) error {
	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return fmt.Errorf("connect clickhouse admin: %w", err)
	}
	defer admin.Close()
	if err := admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", db)); err != nil {
		return fmt.Errorf("create database %s: %w", db, err)
	}
	return nil
}

func migrateClickhouse(ctx context.Context, conn *chstore.Conn, all []Migration, scripts [][]string) (*Report, error) {
	if err := conn.Exec(ctx, clickhouseVersionTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := conn.Query(ctx, `SELECT version FROM schema_migrations FINAL`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read schema_migrations: %w", err)
		}
		applied[int(v)] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}

	report := &Report{Backend: "clickhouse", Version: latest(all)}
	for i, m := range all {
		if applied[m.Version] {
			continue
		}
		for _, stmt := range scripts[i] {
			if err := conn.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("apply migration %s: %w", m, err)
			}
		}
		if err := conn.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, uint32(m.Version), m.Name); err != nil {
			return nil, fmt.Errorf("record migration %s: %w", m, err)
		}
		report.Applied = append(report.Applied, m)
	}

	for _, table := range clickhouseTables {
		var exists uint8
		if err := conn.QueryRow(ctx, "EXISTS TABLE "+table).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check table %s: %w", table, err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("%w: clickhouse table %s missing", ErrSchemaIncomplete, table)
		}
	}
	return report, nil
}

// splitStatements splits a script on semicolons outside single-quoted
// strings. Lines that start with -- are skipped. The driver runs one
// statement per Exec.
func splitStatements(script string) ([]string, error) {
	var (
		stmts  []string
		cur    strings.Builder
		quoted bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for _, line := range strings.Split(script, "\n") {
		if !quoted && strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for i := 0; i < len(line); i++ {
			ch := line[i]
			if ch == '\'' {
				quoted = !quoted
			} else if ch == ';' && !quoted {
				flush()
				continue
			}
			cur.WriteByte(ch)
		}
		cur.WriteByte('\n')
	}
	if quoted {
		return nil, fmt.Errorf("unterminated string literal")
	}
	flush()
	return stmts, nil
}

func databaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		return db, nil
	}
	return "", fmt.Errorf("clickhouse dsn %q names no database", u.Redacted())
}
