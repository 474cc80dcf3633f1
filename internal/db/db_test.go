package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())
	assert.FileExists(t, filepath.Join(dir, ".foundry", "foundry.db"))
	assert.Equal(t, filepath.Join(dir, ".foundry", "foundry.db"), Path(dir))
}

func TestOpenExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.db")
	conn, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())
	assert.FileExists(t, path)
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := FormatTime(base.Add(100 * time.Millisecond))
	b := FormatTime(base.Add(120 * time.Millisecond))
	assert.Less(t, a, b)

	parsed, err := ParseTime(b)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(base.Add(120*time.Millisecond)))

	legacy, err := ParseTime("2026-05-01T12:00:00Z")
	require.NoError(t, err)
	assert.True(t, legacy.Equal(base))
}
