package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMigrationModified is returned when an applied migration file no longer
// matches the checksum recorded when it ran.
var ErrMigrationModified = errors.New("applied migration has been modified")

// migrationFile matches "<version>_<name>.sql".
var migrationFile = regexp.MustCompile(`^(\d+)_[A-Za-z0-9_\-]+\.sql$`)

// Migration is one numbered SQL file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus compares one migration file with the schema's ledger.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
	// Modified is set when the file changed after it was applied.
	Modified bool
	// Missing is set when the ledger records a version with no file.
	Missing bool
}

// State is the one-word summary printed by `migrate status`.
func (s MigrationStatus) State() string {
	switch {
	case s.Missing:
		return "missing"
	case s.Modified:
		return "modified"
	case s.Applied:
		return "applied"
	default:
		return "pending"
	}
}

// Migrator applies the numbered SQL files of an fs.FS to one schema. A run
// holds a per-schema advisory lock and commits all of its files or none.
type Migrator struct {
	pool  *pgxpool.Pool
	files fs.FS
}

// NewMigrator reads migrations from the root of files, usually the embedded
// migrations.FS or os.DirFS of an override directory.
func NewMigrator(pool *pgxpool.Pool, files fs.FS) *Migrator {
	return &Migrator{pool: pool, files: files}
}

// LoadMigrations returns the root-level migration files sorted by version.
// Files not named "<version>_<name>.sql" are ignored.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	names, err := fs.Glob(m.files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int]string, len(names))
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		match := migrationFile.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if prev, dup := byVersion[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, version)
		}
		byVersion[version] = name

		body, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(body)
		out = append(out, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

type ledgerEntry struct {
	name      string
	checksum  string
	appliedAt time.Time
}

func ledgerTable(schema string) string {
	return pgx.Identifier{schema, "schema_migrations"}.Sanitize()
}

func readLedger(ctx context.Context, q queryer, schema string) (map[int]ledgerEntry, error) {
	rows, err := q.Query(ctx, `SELECT version, name, checksum, applied_at FROM `+ledgerTable(schema))
	if err != nil {
		return nil, fmt.Errorf("read migration ledger of %s: %w", schema, err)
	}
	defer rows.Close()

	ledger := make(map[int]ledgerEntry)
	for rows.Next() {
		var v int
		var e ledgerEntry
		if err := rows.Scan(&v, &e.name, &e.checksum, &e.appliedAt); err != nil {
			return nil, fmt.Errorf("scan migration ledger: %w", err)
		}
		ledger[v] = e
	}
	return ledger, rows.Err()
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Up applies every pending migration to schema and returns how many ran.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	return m.UpTo(ctx, schema, 0)
}

// UpTo applies pending migrations with version <= target (0 means all). It
// refuses to run when an applied file has been modified.
func (m *Migrator) UpTo(ctx context.Context, schema string, target int) (int, error) {
	files, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin migration run: %w", err)
	}
	defer tx.Rollback(ctx)

	ident := pgx.Identifier{schema}.Sanitize()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "labqc-migrate:"+schema); err != nil {
		return 0, fmt.Errorf("lock %s: %w", schema, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;
CREATE TABLE IF NOT EXISTS %s (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, ident, ledgerTable(schema))); err != nil {
		return 0, fmt.Errorf("create migration ledger in %s: %w", schema, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", ident)); err != nil {
		return 0, fmt.Errorf("set search_path: %w", err)
	}

	ledger, err := readLedger(ctx, tx, schema)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, mig := range files {
		if target > 0 && mig.Version > target {
			break
		}
		if prev, ok := ledger[mig.Version]; ok {
			if prev.checksum != mig.Checksum {
				return 0, fmt.Errorf("%w: %s in %s", ErrMigrationModified, mig.Name, schema)
			}
			continue
		}
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			return 0, fmt.Errorf("apply %s to %s: %w", mig.Name, schema, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO `+ledgerTable(schema)+` (version, name, checksum) VALUES ($1, $2, $3)`,
			mig.Version, mig.Name, mig.Checksum); err != nil {
			return 0, fmt.Errorf("record %s: %w", mig.Name, err)
		}
		applied++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit migration run: %w", err)
	}
	return applied, nil
}

// Status compares the migration files with schema's ledger without writing.
// A schema that has never been migrated reports every file as pending.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	files, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}

	var exists bool
	if err := m.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, ledgerTable(schema)).Scan(&exists); err != nil {
		return nil, fmt.Errorf("look up migration ledger of %s: %w", schema, err)
	}
	ledger := map[int]ledgerEntry{}
	if exists {
		if ledger, err = readLedger(ctx, m.pool, schema); err != nil {
			return nil, err
		}
	}
	return compareLedger(files, ledger), nil
}

// compareLedger lists every file in order, then ledger versions with no file.
func compareLedger(files []Migration, ledger map[int]ledgerEntry) []MigrationStatus {
	out := make([]MigrationStatus, 0, len(files))
	seen := make(map[int]bool, len(files))
	for _, f := range files {
		seen[f.Version] = true
		st := MigrationStatus{Version: f.Version, Name: f.Name}
		if e, ok := ledger[f.Version]; ok {
			at := e.appliedAt
			st.Applied = true
			st.AppliedAt = &at
			st.Modified = e.checksum != f.Checksum
		}
		out = append(out, st)
	}

	var orphans []MigrationStatus
	for v, e := range ledger {
		if seen[v] {
			continue
		}
		at := e.appliedAt
		orphans = append(orphans, MigrationStatus{Version: v, Name: e.name, Applied: true, AppliedAt: &at, Missing: true})
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Version < orphans[j].Version })
	return append(out, orphans...)
}
