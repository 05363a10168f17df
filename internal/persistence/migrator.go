package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ErrMigrationEdited means an applied migration file no longer matches the
// checksum recorded when it ran.
var ErrMigrationEdited = errors.New("applied migration was edited")

// migrationLockID is the pg advisory lock key held while a migration file
// runs.
const migrationLockID = 0x1501ed6e5

// Migrator applies versioned SQL files named {version}_{name}.up.sql with a
// matching .down.sql.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

type migration struct {
	version string
	up      string
}

func NewMigrator(db *sql.DB, dir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: dir, logger: logger}
}

// Up applies every pending migration in version order. Each file commits
// in its own transaction together with its bookkeeping row.
func (m *Migrator) Up(ctx context.Context) error {
	pending, err := m.pending(ctx)
	if err != nil {
		return err
	}
	for _, mg := range pending {
		body, err := m.read(mg.up)
		if err != nil {
			return err
		}
		m.logger.Info().Str("version", mg.version).Str("file", mg.up).Msg("applying migration")
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			// Another instance may have applied it while we waited on the lock.
			var done bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM public.schema_migrations WHERE version = $1)`, mg.version,
			).Scan(&done); err != nil || done {
				return err
			}
			if _, err := tx.ExecContext(ctx, body); err != nil {
				return fmt.Errorf("exec %s: %w", mg.up, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				mg.version, mg.up, checksum(body))
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Down reverts the newest applied migration, if any.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
	body, err := m.read(downFile)
	if err != nil {
		return err
	}
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("exec %s: %w", downFile, err)
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return err
	}
	m.logger.Info().Str("version", version).Str("file", downFile).Msg("rolled back migration")
	return nil
}

// Pending lists the up files not yet applied, in order.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	pending, err := m.pending(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(pending))
	for i, mg := range pending {
		files[i] = mg.up
	}
	return files, nil
}

// pending also verifies that every applied file is unchanged on disk.
func (m *Migrator) pending(ctx context.Context) ([]migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	all, err := m.scan()
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var pending []migration
	for _, mg := range all {
		sum, ok := applied[mg.version]
		if !ok {
			pending = append(pending, mg)
			continue
		}
		if sum == "" {
			continue
		}
		body, err := m.read(mg.up)
		if err != nil {
			return nil, err
		}
		if checksum(body) != sum {
			return nil, fmt.Errorf("%s: %w", mg.up, ErrMigrationEdited)
		}
	}
	return pending, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// applied maps version to recorded checksum.
func (m *Migrator) applied(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		out[v] = sum
	}
	return out, rows.Err()
}

func (m *Migrator) scan() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		mg := byVersion[version]
		if mg == nil {
			mg = &migration{version: version}
			byVersion[version] = mg
		}
		if strings.HasSuffix(name, ".up.sql") {
			mg.up = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.up == "" {
			return nil, fmt.Errorf("migration %s has no up file", mg.version)
		}
		out = append(out, *mg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (m *Migrator) read(name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return "", fmt.Errorf("read migration %s: %w", name, err)
	}
	return string(b), nil
}

// inTx runs fn in a transaction holding the migration advisory lock.
func (m *Migrator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}
