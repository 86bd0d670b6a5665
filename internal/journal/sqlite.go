package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// SQLite is a journal in a local sqlite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and migrates it.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Append implements Journal.
func (s *SQLite) Append(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, document, version, kind, batched, author, conn_id, cursor, length, text, digest, at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Document, r.Version, string(r.Kind), r.Batched, r.Author, int64(r.ConnID),
		r.Cursor, r.Length, r.Text, r.Digest, r.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// History implements Journal.
func (s *SQLite) History(ctx context.Context, doc string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document, version, kind, batched, author, conn_id, cursor, length, text, digest, at_ns
		FROM records WHERE document = ?
		ORDER BY version DESC, at_ns DESC
		LIMIT ?`, doc, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			id     string
			kind   string
			connID int64
			atNs   int64
		)
		if err := rows.Scan(&id, &r.Document, &r.Version, &kind, &r.Batched, &r.Author, &connID,
			&r.Cursor, &r.Length, &r.Text, &r.Digest, &atNs); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if r.ID, err = ulid.ParseStrict(id); err != nil {
			return nil, fmt.Errorf("parse record id %q: %w", id, err)
		}
		r.Kind = Kind(kind)
		r.ConnID = uint64(connID)
		r.At = time.Unix(0, atNs).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	reverse(out)
	return out, nil
}

// Ping implements Journal.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Journal.
func (s *SQLite) Close() error {
	return s.db.Close()
}
