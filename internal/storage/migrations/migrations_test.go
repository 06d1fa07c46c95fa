package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"pg/010_late.sql":   {Data: []byte("CREATE TABLE late (x INT);")},
		"pg/002_second.sql": {Data: []byte("CREATE TABLE second (x INT);")},
		"pg/001_first.sql":  {Data: []byte("  CREATE TABLE first (x INT);\n")},
		"pg/README.md":      {Data: []byte("not a migration")},
	}

	all, err := load(fsys, "pg")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{all[0].Version, all[1].Version, all[2].Version})
	assert.Equal(t, "first", all[0].Name)
	assert.Equal(t, "CREATE TABLE first (x INT);", all[0].SQL)
	assert.Equal(t, "010_late", all[2].String())
	assert.Equal(t, 10, latest(all))
}

func TestLoad_RejectsMalformedFiles(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"no version":        {"d/journal.sql": {Data: []byte("SELECT 1")}},
		"zero version":      {"d/000_zero.sql": {Data: []byte("SELECT 1")}},
		"missing name":      {"d/001_.sql": {Data: []byte("SELECT 1")}},
		"empty body":        {"d/001_empty.sql": {Data: []byte(" \n")}},
		"duplicate version": {"d/001_a.sql": {Data: []byte("SELECT 1")}, "d/01_b.sql": {Data: []byte("SELECT 2")}},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(fsys, "d")
			assert.ErrorIs(t, err, ErrInvalidMigration)
		})
	}
}

func TestPending(t *testing.T) {
	all := []Migration{{Version: 1, Name: "a"}, {Version: 2, Name: "b"}, {Version: 3, Name: "c"}}

	got := pending(all, map[int]bool{1: true, 3: true})
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Version)

	assert.Empty(t, pending(all, map[int]bool{1: true, 2: true, 3: true}))
	assert.Len(t, pending(all, nil), 3)

	r := &Report{Applied: all[1:]}
	assert.Equal(t, []int{2, 3}, r.AppliedVersions())
}

func TestSplitStatements(t *testing.T) {
	script := `
-- event archive
CREATE TABLE a (x UInt8) ENGINE = Memory;

-- second
CREATE TABLE b (y String DEFAULT 'a;b')
ENGINE = Memory;
INSERT INTO b VALUES ('it''s; fine');
`
	stmts, err := splitStatements(script)
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	assert.Equal(t, "CREATE TABLE a (x UInt8) ENGINE = Memory", stmts[0])
	assert.Equal(t, "CREATE TABLE b (y String DEFAULT 'a;b')\nENGINE = Memory", stmts[1])
	assert.Equal(t, "INSERT INTO b VALUES ('it''s; fine')", stmts[2])

	stmts, err = splitStatements("-- only a comment\n\n")
	require.NoError(t, err)
	assert.Empty(t, stmts)

	_, err = splitStatements("SELECT 'open;")
	assert.Error(t, err)
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://user:pw@ch:9000/archive?dial_timeout=5s")
	require.NoError(t, err)
	assert.Equal(t, "archive", db)

	_, err = databaseFromDSN("clickhouse://user:pw@ch:9000")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "pw")
}

func TestEmbeddedMigrations(t *testing.T) {
	pg, err := load(postgresFiles, "postgres")
	require.NoError(t, err)
	require.Len(t, pg, 2)
	assert.Equal(t, "001_journal", pg[0].String())
	assert.Equal(t, "002_progress", pg[1].String())
	for _, table := range postgresTables {
		found := false
		for _, m := range pg {
			if containsTable(m.SQL, table) {
				found = true
			}
		}
		assert.True(t, found, "no postgres migration creates %s", table)
	}

	ch, err := load(clickhouseFiles, "clickhouse")
	require.NoError(t, err)
	require.Len(t, ch, 1)
	stmts, err := splitStatements(ch[0].SQL)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	for _, table := range clickhouseTables {
		assert.True(t, containsTable(stmts[0], table), "no clickhouse migration creates %s", table)
	}
}
