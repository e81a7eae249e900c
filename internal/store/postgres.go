package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDocStore backs DocStore with a single documents table. The
// revision column carries the CAS counter.
type PostgresDocStore struct {
	pool *pgxpool.Pool
}

var _ DocStore = (*PostgresDocStore)(nil)

// schema is applied on startup; idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	key      TEXT PRIMARY KEY,
	value    JSONB NOT NULL,
	revision BIGINT NOT NULL DEFAULT 1,
	updated  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresDocStore connects to dsn and ensures the schema exists.
func NewPostgresDocStore(ctx context.Context, dsn string) (*PostgresDocStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &PostgresDocStore{pool: pool}, nil
}

// Close releases the connection pool.
func (p *PostgresDocStore) Close() {
	p.pool.Close()
}

// Ping verifies database connectivity. Used by the readiness probe.
func (p *PostgresDocStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresDocStore) Get(ctx context.Context, key string) (Doc, error) {
	var doc Doc
	err := p.pool.QueryRow(ctx,
		`SELECT value, revision FROM documents WHERE key = $1`, key,
	).Scan(&doc.Value, &doc.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return Doc{}, ErrNotFound
	}
	if err != nil {
		return Doc{}, fmt.Errorf("store: get %s: %w", key, err)
	}
	return doc, nil
}

func (p *PostgresDocStore) Put(ctx context.Context, key string, value json.RawMessage) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, revision = documents.revision + 1, updated = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

func (p *PostgresDocStore) CAS(ctx context.Context, key string, value json.RawMessage, expectedRevision int64) error {
	if expectedRevision == 0 {
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO documents (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO NOTHING`,
			key, value)
		if err != nil {
			return fmt.Errorf("store: cas create %s: %w", key, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		return nil
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE documents
		SET value = $2, revision = revision + 1, updated = now()
		WHERE key = $1 AND revision = $3`,
		key, value, expectedRevision)
	if err != nil {
		return fmt.Errorf("store: cas %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the key is gone or someone moved the revision.
		if _, getErr := p.Get(ctx, key); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresDocStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key FROM documents WHERE key LIKE $1 || '%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: list %s: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
