// Package usage persists a ledger of billed transcription work in SQLite.
package usage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// tsLayout is fixed width so stored timestamps compare lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Store appends usage records to a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("usage: creating directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("usage: opening %s: %w", path, err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		backend TEXT NOT NULL,
		seconds REAL NOT NULL,
		cost REAL NOT NULL DEFAULT 0,
		translation INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS usage_ts ON usage(ts);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("usage: migrate: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one entry. Failures are logged, never returned.
func (s *Store) Record(seconds float64, backendID string, cost float64, isTranslation bool) {
	_, err := s.db.Exec(
		"INSERT INTO usage (ts, backend, seconds, cost, translation) VALUES (?, ?, ?, ?, ?)",
		s.now().UTC().Format(tsLayout), backendID, seconds, cost, isTranslation,
	)
	if err != nil {
		slog.Error("usage: record failed", "backend", backendID, "seconds", seconds, "error", err)
	}
}

// Total is aggregated usage for one backend.
type Total struct {
	Backend      string  `json:"backend"`
	Requests     int     `json:"requests"`
	Seconds      float64 `json:"seconds"`
	Cost         float64 `json:"cost"`
	Translations int     `json:"translations"`
}

// Totals aggregates usage per backend since the given time. A zero since
// covers everything.
func (s *Store) Totals(since time.Time) ([]Total, error) {
	rows, err := s.db.Query(`
		SELECT backend, COUNT(*), SUM(seconds), SUM(cost), SUM(translation)
		FROM usage WHERE ts >= ?
		GROUP BY backend ORDER BY backend`,
		since.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("usage: totals: %w", err)
	}
	defer rows.Close()

	var out []Total
	for rows.Next() {
		var t Total
		if err := rows.Scan(&t.Backend, &t.Requests, &t.Seconds, &t.Cost, &t.Translations); err != nil {
			return nil, fmt.Errorf("usage: scanning totals: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Entry is one recorded charge.
type Entry struct {
	At          time.Time
	Backend     string
	Seconds     float64
	Translation bool
}

// Entries returns the records made since the given time, oldest first.
func (s *Store) Entries(since time.Time) ([]Entry, error) {
	// CAST keeps the driver from reinterpreting the DATETIME column.
	rows, err := s.db.Query(`
		SELECT CAST(ts AS TEXT), backend, seconds, translation
		FROM usage WHERE ts >= ?
		ORDER BY ts, id`,
		since.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("usage: entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&ts, &e.Backend, &e.Seconds, &e.Translation); err != nil {
			return nil, fmt.Errorf("usage: scanning entry: %w", err)
		}
		if e.At, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("usage: entry timestamp %q: %w", ts, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
