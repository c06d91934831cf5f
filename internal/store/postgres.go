package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lead-run-orchestrator/internal/models"
)

// PostgresStore keeps documents in a single jsonb table.
type PostgresStore struct {
	pool       *pgxpool.Pool
	maxRetries int
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool, maxRetries: defaultTxRetries}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Now returns the database server's clock in UTC.
func (s *PostgresStore) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	return now.UTC(), nil
}

// Get fetches one document.
func (s *PostgresStore) Get(ctx context.Context, key string) (Document, error) {
	doc := Document{Key: key}
	err := s.pool.QueryRow(ctx, `
		SELECT data, version, created_at, updated_at FROM documents WHERE key = $1
	`, key).Scan(&doc.Data, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("%s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", key, err)
	}
	return doc, nil
}

// List returns documents of a collection in key order.
func (s *PostgresStore) List(ctx context.Context, collection string, limit int) ([]Document, error) {
	var lim *int64
	if limit > 0 {
		l := int64(limit)
		lim = &l
	}
	rows, err := s.pool.Query(ctx, `
		SELECT key, data, version, created_at, updated_at
		FROM documents WHERE collection = $1
		ORDER BY key
		LIMIT $2
	`, collection, lim)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.Key, &d.Data, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Transact locks the row with FOR UPDATE; a concurrent first insert is retried.
func (s *PostgresStore) Transact(ctx context.Context, key string, fn TxFunc) error {
	for i := 0; i < s.maxRetries; i++ {
		retry, err := s.transactOnce(ctx, key, fn)
		if err != nil {
			return err
		}
		if !retry {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", key, ErrTxConflict)
}

func (s *PostgresStore) transactOnce(ctx context.Context, key string, fn TxFunc) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var current *Document
	cur := Document{Key: key}
	err = tx.QueryRow(ctx, `
		SELECT data, version, created_at, updated_at FROM documents WHERE key = $1 FOR UPDATE
	`, key).Scan(&cur.Data, &cur.Version, &cur.CreatedAt, &cur.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("read %s: %w", key, err)
	default:
		current = &cur
	}

	// Server time, read once the row lock is held.
	var now time.Time
	if err := tx.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return false, fmt.Errorf("server time: %w", err)
	}
	now = now.UTC()
	m, err := fn(current, now)
	if err != nil {
		return false, err
	}

	switch m.op {
	case opPut:
		if current == nil {
			tag, err := tx.Exec(ctx, `
				INSERT INTO documents (key, collection, data, version, created_at, updated_at)
				VALUES ($1, $2, $3, 1, $4, $4)
				ON CONFLICT (key) DO NOTHING
			`, key, Collection(key), m.data, now)
			if err != nil {
				return false, fmt.Errorf("insert %s: %w", key, err)
			}
			if tag.RowsAffected() == 0 {
				// Someone else created the row after our read; rerun against it.
				return true, nil
			}
		} else {
			if _, err := tx.Exec(ctx, `
				UPDATE documents SET data = $2, version = version + 1, updated_at = $3 WHERE key = $1
			`, key, m.data, now); err != nil {
				return false, fmt.Errorf("update %s: %w", key, err)
			}
		}
	case opDelete:
		if current == nil {
			return false, nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE key = $1`, key); err != nil {
			return false, fmt.Errorf("delete %s: %w", key, err)
		}
	default:
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return false, nil
}
