package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/internal/db"
)

var migratedAt = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUpIsIdempotent(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Zero(t, v)

	applied, err := Up(ctx, conn, WithClock(func() time.Time { return migratedAt }))
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "0001_init.sql", applied[0].Name)

	again, err := Up(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, again)

	v, err = Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	history, err := History(ctx, conn)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "0002_transition_log.sql", history[1].Name)
	assert.True(t, history[1].AppliedAt.Equal(migratedAt))

	for _, table := range []string{"foundry_context", "evidence", "gate_evaluation", "transition_log"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestPendingAfterNewFile(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	src := fstest.MapFS{
		"0001_a.sql": {Data: []byte(`CREATE TABLE a (id INTEGER);`)},
	}
	_, err := Up(ctx, conn, withSource(src))
	require.NoError(t, err)

	src["0002_b.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE b (id INTEGER);`)}
	src["README.md"] = &fstest.MapFile{Data: []byte(`ignored`)}
	pending, err := Pending(ctx, conn, withSource(src))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Version)
}

func TestFailedMigrationKeepsEarlierOnes(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	src := fstest.MapFS{
		"0001_ok.sql":     {Data: []byte(`CREATE TABLE ok (id INTEGER);`)},
		"0002_broken.sql": {Data: []byte(`CREATE TABLE (`)},
	}
	applied, err := Up(ctx, conn, withSource(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0002_broken.sql")
	require.Len(t, applied, 1)

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestParseRejectsBadNames(t *testing.T) {
	_, err := parse(fstest.MapFS{"init.sql": {Data: []byte(`SELECT 1;`)}})
	assert.ErrorContains(t, err, "invalid migration filename")

	_, err = parse(fstest.MapFS{
		"0001_a.sql":     {Data: []byte(`SELECT 1;`)},
		"0001_again.sql": {Data: []byte(`SELECT 1;`)},
	})
	assert.ErrorContains(t, err, "migration version 1")
}
