package postgresql

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"

	"github.com/jmoiron/sqlx"
)

// migrationLockID serialises concurrent Migrate calls across processes
const migrationLockID = 7_240_311

// Migration is one versioned SQL file
type Migration struct {
	Version string
	SQL     string
}

// LoadMigrations reads every *.sql file in fsys, ordered by file name
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	slices.Sort(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Version: name[:len(name)-len(path.Ext(name))],
			SQL:     string(data),
		})
	}
	return migrations, nil
}

// Migrate applies the migrations in fsys that schema_migrations has not recorded.
// Each file runs in its own transaction under a transaction-scoped advisory lock.
func Migrate(ctx context.Context, db *sqlx.DB, fsys fs.FS, logger *slog.Logger) (int, error) {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		ran := false
		err := InTx(ctx, db, nil, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
				return fmt.Errorf("failed to take migration lock: %w", err)
			}

			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version); err != nil {
				return err
			}
			if exists {
				return nil
			}

			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("migration %s failed: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
				return err
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, err
		}
		if ran {
			applied++
			logger.Info("Applied migration", slog.String("version", m.Version))
		}
	}
	return applied, nil
}
