// Package journal keeps an append-only history of the edits applied to each
// document. Every record names the resulting version and carries a digest of
// the text after the edit, so a history can be checked against a snapshot.
package journal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/blake2b"
)

// Kind is the mutation a record describes.
type Kind string

const (
	KindInsert Kind = "insert"
	KindRemove Kind = "remove"
)

// Record is one applied mutation.
type Record struct {
	ID       ulid.ULID `json:"id"`
	Document string    `json:"document"`
	Version  uint32    `json:"version"`
	Kind     Kind      `json:"kind"`
	// Batched is set for mutations applied from a Commit.
	Batched bool   `json:"batched,omitempty"`
	Author  string `json:"author"`
	ConnID  uint64 `json:"conn_id"`
	Cursor  uint32 `json:"cursor"`
	Length  uint32 `json:"length"`
	Text    string `json:"text,omitempty"`
	// Digest is the hex blake2b-256 of the document text after the mutation.
	Digest string    `json:"digest"`
	At     time.Time `json:"at"`
}

// Digest returns the hex blake2b-256 of text.
func Digest(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NewRecord fills in the id, timestamp and digest of r from the resulting
// document text.
func NewRecord(r Record, text string) Record {
	r.ID = ulid.Make()
	r.At = time.Now().UTC()
	r.Digest = Digest(text)
	return r
}

// Journal stores records.
type Journal interface {
	Append(ctx context.Context, r Record) error
	// History returns up to limit of the most recent records for doc, oldest
	// first. A limit of zero or less returns everything.
	History(ctx context.Context, doc string, limit int) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrUnknownDriver is returned by Open for an unsupported driver.
var ErrUnknownDriver = errors.New("journal: unknown driver")

// Open returns the journal selected by driver. An empty driver disables the
// journal.
func Open(ctx context.Context, driver, dsn string) (Journal, error) {
	switch driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite", "sqlite3":
		return OpenSQLite(dsn)
	case "postgres", "pgx":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// Nop discards records.
type Nop struct{}

func (Nop) Append(context.Context, Record) error                   { return nil }
func (Nop) History(context.Context, string, int) ([]Record, error) { return nil, nil }
func (Nop) Ping(context.Context) error                             { return nil }
func (Nop) Close() error                                           { return nil }

func reverse(rs []Record) {
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
}
