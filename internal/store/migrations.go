package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// pendingMigrations returns the embedded migration names not in applied, in
// lexical order.
func pendingMigrations(files fs.FS, applied map[string]bool) ([]string, error) {
	names, err := fs.Glob(files, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	pending := make([]string, 0, len(names))
	for _, name := range names {
		if version := strings.TrimPrefix(name, "migrations/"); !applied[version] {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

// RunMigrations applies embedded migrations that have not been recorded in
// schema_migrations. Each file runs in its own transaction together with its
// bookkeeping row, so a failed file can be fixed and re-run.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	pending, err := pendingMigrations(migrationFiles, applied)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, name := range pending {
		content, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		version := strings.TrimPrefix(name, "migrations/")
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if sql := strings.TrimSpace(string(content)); sql != "" {
				if _, err := tx.Exec(ctx, sql); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
	}
	return nil
}
