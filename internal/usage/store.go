// Package usage records per-request accounting in a local SQLite database.
// No message content is stored.
package usage

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	mode TEXT NOT NULL,
	path TEXT NOT NULL,
	model TEXT NOT NULL,
	routed_model TEXT NOT NULL,
	streamed INTEGER NOT NULL,
	status INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);
`

// Record is one completed request.
type Record struct {
	Timestamp    time.Time `json:"ts"`
	Mode         string    `json:"mode"`
	Path         string    `json:"path"`
	Model        string    `json:"model"`
	RoutedModel  string    `json:"routed_model"`
	Streamed     bool      `json:"streamed"`
	Status       int       `json:"status"`
	DurationMS   int64     `json:"duration_ms"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
}

// Totals aggregates over the whole table.
type Totals struct {
	Requests     int `json:"requests"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Store wraps the SQLite database. All writes are best-effort; callers
// never see usage errors.
type Store struct {
	db *sql.DB
}

// Open creates or opens the usage database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize usage schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a record, logging failures instead of returning them.
func (s *Store) Add(rec Record) {
	_, err := s.db.Exec(
		`INSERT INTO requests (ts, mode, path, model, routed_model, streamed, status, duration_ms, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Mode, rec.Path, rec.Model, rec.RoutedModel,
		boolToInt(rec.Streamed), rec.Status, rec.DurationMS,
		rec.InputTokens, rec.OutputTokens,
	)
	if err != nil {
		log.Printf("[Usage] Failed to record request: %v", err)
	}
}

// Recent returns the newest limit records plus aggregate totals.
func (s *Store) Recent(limit int) ([]Record, Totals, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT ts, mode, path, model, routed_model, streamed, status, duration_ms, input_tokens, output_tokens
		 FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, Totals{}, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ts string
		var streamed int
		if err := rows.Scan(&ts, &rec.Mode, &rec.Path, &rec.Model, &rec.RoutedModel,
			&streamed, &rec.Status, &rec.DurationMS, &rec.InputTokens, &rec.OutputTokens); err != nil {
			return nil, Totals{}, fmt.Errorf("failed to scan usage row: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.Streamed = streamed != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Totals{}, fmt.Errorf("failed to read usage rows: %w", err)
	}

	var totals Totals
	err = s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0) FROM requests`,
	).Scan(&totals.Requests, &totals.InputTokens, &totals.OutputTokens)
	if err != nil {
		return nil, Totals{}, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return records, totals, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
