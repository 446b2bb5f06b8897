package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// dbFile is the database file name inside the data directory.
const dbFile = "gastos.db"

// pragmas are applied to every connection through the DSN. WAL lets the API read
// while the worker writes; busy_timeout makes a locked write wait instead of fail.
var pragmas = []string{"busy_timeout(5000)", "journal_mode(WAL)", "synchronous(NORMAL)"}

// Store wraps a SQLite database holding emails, parsed transactions, merchant
// labels and their cached embeddings, and the job queue.
type Store struct {
	db *sql.DB
}

// dsn builds the modernc DSN for dataDir. ":memory:" selects a private in-memory
// database, which only lives as long as its single connection.
func dsn(dataDir string) (string, error) {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	if dataDir == ":memory:" {
		return "file::memory:?" + q.Encode(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	return "file:" + filepath.Join(dataDir, dbFile) + "?" + q.Encode(), nil
}

// Open opens (or creates) the gastos database in dataDir and applies pending
// migrations. Pass ":memory:" for a throwaway database.
func Open(dataDir string) (*Store, error) {
	name, err := dsn(dataDir)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", name)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers; SQLite allows only one at a time anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for maintenance queries outside the Store API.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats counts emails by status, transactions, labels, and jobs by status.
func (s *Store) Stats() (Stats, error) {
	st := Stats{Emails: map[string]int{}, Jobs: map[string]int{}}
	if err := s.countBy(`SELECT status, COUNT(*) FROM emails GROUP BY status`, st.Emails); err != nil {
		return Stats{}, fmt.Errorf("counting emails: %w", err)
	}
	if err := s.countBy(`SELECT status, COUNT(*) FROM jobs GROUP BY status`, st.Jobs); err != nil {
		return Stats{}, fmt.Errorf("counting jobs: %w", err)
	}
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(needs_review), 0) FROM transactions`).Scan(&st.Transactions, &st.NeedsReview)
	if err != nil {
		return Stats{}, fmt.Errorf("counting transactions: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM merchant_labels`).Scan(&st.Labels); err != nil {
		return Stats{}, fmt.Errorf("counting labels: %w", err)
	}
	return st, nil
}

func (s *Store) countBy(query string, into map[string]int) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}

// timeLayout is fixed width so stored timestamps compare correctly as text. It
// keeps microseconds, the precision of a BigQuery TIMESTAMP.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
