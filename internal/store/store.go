// Package store persists users, conversation history and per-user
// settings in SQLite. It is the source of truth for a user's resting
// conversation mode; in-memory state elsewhere is only a cache.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store is a SQLite-backed user and message store. All public methods
// are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at dbPath with the mattn driver
// in WAL mode and migrates the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle and migrates the schema. The
// caller keeps ownership of db only if New fails.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the handle so sibling stores (the gateway call log) can
// share one database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY,
		display_name  TEXT NOT NULL DEFAULT '',
		username      TEXT NOT NULL DEFAULT '',
		language_code TEXT NOT NULL DEFAULT '',
		mode          TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		first_seen    TEXT NOT NULL,
		last_seen     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		user_id      INTEGER NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_hash ON messages(content_hash);

	-- Cleared history is moved here, never deleted.
	CREATE TABLE IF NOT EXISTS archived_messages (
		seq          INTEGER PRIMARY KEY,
		id           TEXT NOT NULL,
		user_id      INTEGER NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		archived_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archived_user ON archived_messages(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_archived_hash ON archived_messages(content_hash);

	CREATE TABLE IF NOT EXISTS user_settings (
		user_id    INTEGER NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
