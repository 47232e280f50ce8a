// Package db provides the shared SQLite connection and schema for stbridge.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// schema is applied in order on every open; each statement is idempotent.
var schema = []struct {
	name string
	stmt string
}{
	// Delivered device events and subscription passes
	{"event_ledger table", `
		CREATE TABLE IF NOT EXISTS event_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload TEXT,
			source TEXT,
			idempotency_key TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_type_ts ON event_ledger(event_type, timestamp);
	`},
	// One delivery per platform eventId; first writer wins
	{"idx_ledger_event_delivered index", `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_event_delivered
		ON event_ledger(idempotency_key)
		WHERE idempotency_key IS NOT NULL AND idempotency_key != '' AND event_type = 'event_delivered';
	`},
	// App identity, TV status
	{"kv_store table", `
		CREATE TABLE IF NOT EXISTS kv_store (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		);
	`},
}

// Open opens the database at dbPath in WAL mode and applies the schema.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, s := range schema {
		if _, err := conn.Exec(s.stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create %s: %w", s.name, err)
		}
	}

	return &DB{conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
