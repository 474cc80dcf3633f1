// Package migrate applies the embedded SQLite schema of the context store.
//
// Every applied migration is recorded in schema_migrations with its name and
// the time it ran, so a workspace database can be inspected without the
// binary that created it.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"foundry/internal/db"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Migration is one numbered schema file, e.g. 0002_transition_log.sql.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// Applied is a row of the schema_migrations ledger.
type Applied struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

type Option func(*migrator)

func WithLogger(logger *zap.Logger) Option {
	return func(m *migrator) { m.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(m *migrator) { m.now = now }
}

// withSource swaps the embedded files, used by tests.
func withSource(fsys fs.FS) Option {
	return func(m *migrator) { m.source = fsys }
}

type migrator struct {
	source fs.FS
	logger *zap.Logger
	now    func() time.Time
}

func newMigrator(opts []Option) migrator {
	sub, _ := fs.Sub(migrationsFS, "sql")
	m := migrator{source: sub, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TEXT NOT NULL
);`

// parse reads NNNN_name.sql files from fsys, ordered by version. Duplicate
// versions are rejected.
func parse(fsys fs.FS) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	seen := map[int]string{}
	var out []Migration
	for _, f := range files {
		if f.IsDir() || path.Ext(f.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(f.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid migration filename %s", f.Name())
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", v, prev, f.Name())
		}
		seen[v] = f.Name()
		data, err := fs.ReadFile(fsys, f.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies pending migrations in version order, each in its own
// transaction together with its ledger row, and returns what it applied.
// A failing migration leaves earlier ones in place.
func Up(ctx context.Context, conn *sql.DB, opts ...Option) ([]Migration, error) {
	m := newMigrator(opts)
	pending, err := m.pending(ctx, conn)
	if err != nil {
		return nil, err
	}
	var applied []Migration
	for _, mig := range pending {
		if err := m.apply(ctx, conn, mig); err != nil {
			return applied, err
		}
		m.logger.Info("applied migration", zap.Int("version", mig.Version), zap.String("name", mig.Name))
		applied = append(applied, mig)
	}
	return applied, nil
}

func (m migrator) apply(ctx context.Context, conn *sql.DB, mig Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, mig.UpSQL); err != nil {
		return fmt.Errorf("migration %s: %w", mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, name, applied_at) VALUES (?,?,?)`,
		mig.Version, mig.Name, db.FormatTime(m.now())); err != nil {
		return fmt.Errorf("record migration %s: %w", mig.Name, err)
	}
	return tx.Commit()
}

// Pending lists migrations not yet recorded in the ledger.
func Pending(ctx context.Context, conn *sql.DB, opts ...Option) ([]Migration, error) {
	return newMigrator(opts).pending(ctx, conn)
}

func (m migrator) pending(ctx context.Context, conn *sql.DB) ([]Migration, error) {
	all, err := parse(m.source)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, ledgerDDL); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	done, err := History(ctx, conn)
	if err != nil {
		return nil, err
	}
	applied := make(map[int]bool, len(done))
	for _, a := range done {
		applied[a.Version] = true
	}
	var out []Migration
	for _, mig := range all {
		if !applied[mig.Version] {
			out = append(out, mig)
		}
	}
	return out, nil
}

// History returns the ledger, oldest version first. A database that was
// never migrated has an empty history.
func History(ctx context.Context, conn *sql.DB) ([]Applied, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		var ts string
		if err := rows.Scan(&a.Version, &a.Name, &ts); err != nil {
			return nil, err
		}
		if a.AppliedAt, err = db.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("migration %d applied_at: %w", a.Version, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Version is the highest applied migration, 0 for a fresh database.
func Version(ctx context.Context, conn *sql.DB) (int, error) {
	history, err := History(ctx, conn)
	if err != nil || len(history) == 0 {
		return 0, err
	}
	return history[len(history)-1].Version, nil
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
