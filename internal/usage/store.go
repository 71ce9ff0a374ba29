// Package usage provides the persistent gateway call log. Every model
// call (success or failure) is appended with its backend, credential
// slot, prompt and response excerpts, duration and token counts.
// Records are append-only and indexed by timestamp and backend for
// aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record represents a single gateway call.
type Record struct {
	ID           string
	Timestamp    time.Time
	Backend      string
	Provider     string // "openai", "anthropic", "gemini", "ollama"
	Model        string
	Credential   int // index into the backend's credential list
	Prompt       string
	Response     string
	Error        string // empty on success
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
}

// Failed reports whether the call ended in an error.
func (r Record) Failed() bool { return r.Error != "" }

// Summary holds aggregated call totals.
type Summary struct {
	TotalCalls        int
	Failures          int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalDuration     time.Duration
}

// Store is an append-only SQLite store for gateway call records. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db    *sql.DB
	owned bool
}

// NewStore creates a call log at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db, owned: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// NewStoreDB creates a call log inside an already open database,
// typically the one owned by the conversation store. Close is a no-op
// for stores created this way.
func NewStoreDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection if the store owns it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS gateway_calls (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		backend       TEXT NOT NULL,
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		credential    INTEGER NOT NULL,
		prompt        TEXT NOT NULL,
		response      TEXT NOT NULL,
		error         TEXT NOT NULL DEFAULT '',
		duration_ms   INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON gateway_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calls_backend ON gateway_calls(backend);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a call record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate call record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_calls
			(id, timestamp, backend, provider, model, credential, prompt, response,
			 error, duration_ms, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.Backend,
		rec.Provider,
		rec.Model,
		rec.Credential,
		rec.Prompt,
		rec.Response,
		rec.Error,
		rec.Duration.Milliseconds(),
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(error != ''), 0), COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0), COALESCE(SUM(duration_ms), 0)
		 FROM gateway_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	var ms int64
	if err := row.Scan(&sum.TotalCalls, &sum.Failures, &sum.TotalInputTokens, &sum.TotalOutputTokens, &ms); err != nil {
		return nil, fmt.Errorf("query call summary: %w", err)
	}
	sum.TotalDuration = time.Duration(ms) * time.Millisecond
	return &sum, nil
}

// SummaryByBackend returns per-backend aggregated totals for records
// within [start, end).
func (s *Store) SummaryByBackend(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("backend", start, end)
}

// SummaryByModel returns per-model aggregated totals for records within
// [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(error != ''), 0), COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0), COALESCE(SUM(duration_ms), 0)
		 FROM gateway_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		var ms int64
		if err := rows.Scan(&key, &sum.TotalCalls, &sum.Failures, &sum.TotalInputTokens, &sum.TotalOutputTokens, &ms); err != nil {
			return nil, fmt.Errorf("scan calls by %s: %w", column, err)
		}
		sum.TotalDuration = time.Duration(ms) * time.Millisecond
		result[key] = &sum
	}
	return result, rows.Err()
}

// Recent returns the newest limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, backend, provider, model, credential, prompt, response,
		        error, duration_ms, input_tokens, output_tokens
		 FROM gateway_calls ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts string
		var ms int64
		if err := rows.Scan(&r.ID, &ts, &r.Backend, &r.Provider, &r.Model, &r.Credential,
			&r.Prompt, &r.Response, &r.Error, &ms, &r.InputTokens, &r.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339, ts)
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
