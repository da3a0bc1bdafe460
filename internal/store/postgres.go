package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS document_updates (
	id          BIGSERIAL PRIMARY KEY,
	document_id TEXT        NOT NULL,
	payload     BYTEA       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_document_updates_doc ON document_updates (document_id, id);
`

// Postgres stores update logs in the document_updates table.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to url, verifies the connection and creates the
// schema if missing.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Append(ctx context.Context, doc string, update []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO document_updates (document_id, payload) VALUES ($1, $2)`, doc, update)
	if err != nil {
		return fmt.Errorf("store: append %q: %w", doc, err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, doc string) ([][]byte, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT payload FROM document_updates WHERE document_id = $1 ORDER BY id`, doc)
	if err != nil {
		return nil, fmt.Errorf("store: load %q: %w", doc, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: load %q: %w", doc, err)
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load %q: %w", doc, err)
	}
	return out, nil
}

func (p *Postgres) Compact(ctx context.Context, doc string, snapshot []byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: compact %q: %w", doc, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM document_updates WHERE document_id = $1`, doc); err != nil {
		return fmt.Errorf("store: compact %q: %w", doc, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO document_updates (document_id, payload) VALUES ($1, $2)`, doc, snapshot); err != nil {
		return fmt.Errorf("store: compact %q: %w", doc, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: compact %q: %w", doc, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
