package journal

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one forward schema change for the sqlite journal.
type migration struct {
	version     int
	description string
	up          string
}

var migrations = []migration{
	{
		version:     1,
		description: "records table",
		up: `
CREATE TABLE IF NOT EXISTS records (
    id          TEXT PRIMARY KEY,
    document    TEXT NOT NULL,
    version     INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    author      TEXT NOT NULL,
    conn_id     INTEGER NOT NULL,
    cursor      INTEGER NOT NULL,
    length      INTEGER NOT NULL,
    text        TEXT NOT NULL DEFAULT '',
    digest      TEXT NOT NULL,
    at_ns       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_document ON records(document, version);
`,
	},
	{
		version:     2,
		description: "mark mutations applied from a commit",
		up:          `ALTER TABLE records ADD COLUMN batched INTEGER NOT NULL DEFAULT 0;`,
	},
	{
		version:     3,
		description: "index records by author",
		up:          `CREATE INDEX IF NOT EXISTS idx_records_author ON records(author, at_ns);`,
	},
}

// migrate applies pending migrations, each in its own transaction.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.version, time.Now().UnixNano(), m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
