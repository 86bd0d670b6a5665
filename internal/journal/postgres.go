package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ctxt_records (
    id          TEXT PRIMARY KEY,
    document    TEXT NOT NULL,
    version     BIGINT NOT NULL,
    kind        TEXT NOT NULL,
    batched     BOOLEAN NOT NULL DEFAULT FALSE,
    author      TEXT NOT NULL,
    conn_id     BIGINT NOT NULL,
    cursor      BIGINT NOT NULL,
    length      BIGINT NOT NULL,
    text        TEXT NOT NULL DEFAULT '',
    digest      TEXT NOT NULL,
    at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ctxt_records_document ON ctxt_records(document, version);
`

// Postgres is a journal in a PostgreSQL database shared by several servers.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Append implements Journal.
func (p *Postgres) Append(ctx context.Context, r Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ctxt_records (id, document, version, kind, batched, author, conn_id, cursor, length, text, digest, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID.String(), r.Document, int64(r.Version), string(r.Kind), r.Batched, r.Author, int64(r.ConnID),
		int64(r.Cursor), int64(r.Length), r.Text, r.Digest, r.At,
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// History implements Journal.
func (p *Postgres) History(ctx context.Context, doc string, limit int) ([]Record, error) {
	q := `
		SELECT id, document, version, kind, batched, author, conn_id, cursor, length, text, digest, at
		FROM ctxt_records WHERE document = $1
		ORDER BY version DESC, at DESC`
	args := []any{doc}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                       Record
			id, kind                string
			version, cursor, length int64
			connID                  int64
		)
		if err := rows.Scan(&id, &r.Document, &version, &kind, &r.Batched, &r.Author, &connID,
			&cursor, &length, &r.Text, &r.Digest, &r.At); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if r.ID, err = ulid.ParseStrict(id); err != nil {
			return nil, fmt.Errorf("parse record id %q: %w", id, err)
		}
		r.Kind = Kind(kind)
		r.Version = uint32(version)
		r.Cursor = uint32(cursor)
		r.Length = uint32(length)
		r.ConnID = uint64(connID)
		r.At = r.At.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	reverse(out)
	return out, nil
}

// Ping implements Journal.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements Journal.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
