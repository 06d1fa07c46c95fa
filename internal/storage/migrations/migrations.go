// Package migrations applies the embedded Postgres and ClickHouse schemas.
// Each file is named NNN_name.sql; applied versions are recorded in a
// schema_migrations table on the target so reruns only apply new files.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed postgres/*.sql
var postgresFiles embed.FS

//go:embed clickhouse/*.sql
var clickhouseFiles embed.FS

var (
	// ErrInvalidMigration reports a malformed migration file name or body.
	ErrInvalidMigration = errors.New("invalid migration")
	// ErrSchemaIncomplete reports a table missing after all migrations ran.
	ErrSchemaIncomplete = errors.New("schema incomplete")
)

// Tables the stores read and write. They are checked after migrating.
var (
	postgresTables   = []string{"positions", "executions", "stream_progress", "seen_mints"}
	clickhouseTables = []string{"event_records"}
)

// Migration is one numbered SQL file.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

func (m Migration) String() string {
	return fmt.Sprintf("%03d_%s", m.Version, m.Name)
}

// Report describes a migration run.
type Report struct {
	Backend string
	Applied []Migration
	Version int
}

// AppliedVersions lists the versions applied by this run.
func (r *Report) AppliedVersions() []int {
	out := make([]int, len(r.Applied))
	for i, m := range r.Applied {
		out[i] = m.Version
	}
	return out
}

// load reads dir from fsys, ordered by version.
func load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read %s migrations: %w", dir, err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		m, err := parseName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[m.Version]; ok {
			return nil, fmt.Errorf("%w: version %d used by %s and %s", ErrInvalidMigration, m.Version, prev, entry.Name())
		}
		seen[m.Version] = entry.Name()

		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		m.SQL = strings.TrimSpace(string(data))
		if m.SQL == "" {
			return nil, fmt.Errorf("%w: %s is empty", ErrInvalidMigration, entry.Name())
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func parseName(file string) (Migration, error) {
	base := strings.TrimSuffix(file, ".sql")
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return Migration{}, fmt.Errorf("%w: %s does not match NNN_name.sql", ErrInvalidMigration, file)
	}
	v, err := strconv.Atoi(num)
	if err != nil || v <= 0 {
		return Migration{}, fmt.Errorf("%w: %s has no positive version", ErrInvalidMigration, file)
	}
	return Migration{Version: v, Name: name}, nil
}

// pending returns the migrations not yet in applied, in order.
func pending(all []Migration, applied map[int]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

func latest(all []Migration) int {
	if len(all) == 0 {
		return 0
	}
	return all[len(all)-1].Version
}
