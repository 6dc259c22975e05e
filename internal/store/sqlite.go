// Package store persists network-derived signal values between
// extractions so repeated lookups for a domain skip WHOIS and CT.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite" // pure Go, no cgo needed
)

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	key        TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (key, kind)
);
CREATE INDEX IF NOT EXISTS signals_fetched_at ON signals (fetched_at);
`

// SQLiteStore keeps signal values in a SQLite file
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenSQLite opens or creates the store at path. Entries older than ttl
// are treated as absent.
func OpenSQLite(path string, ttl time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open signal store: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create signal schema: %w", err)
	}
	return &SQLiteStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Get returns the stored values for key and kind if present and fresh
func (s *SQLiteStore) Get(ctx context.Context, key, kind string) ([]float64, bool, error) {
	var (
		raw       string
		fetchedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, fetched_at FROM signals WHERE key = ? AND kind = ?`,
		key, kind,
	).Scan(&raw, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if s.ttl > 0 && s.now().Sub(time.Unix(fetchedAt, 0)) >= s.ttl {
		return nil, false, nil
	}

	var values []float64
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, false, fmt.Errorf("corrupt signal %s/%s: %w", kind, key, err)
	}
	return values, true, nil
}

// Put stores values for key and kind, replacing any earlier entry
func (s *SQLiteStore) Put(ctx context.Context, key, kind string, values []float64) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signals (key, kind, value, fetched_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key, kind) DO UPDATE SET value = excluded.value, fetched_at = excluded.fetched_at`,
		key, kind, string(raw), s.now().Unix(),
	)
	return err
}

// Purge deletes expired entries and returns how many were removed
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.ttl).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE fetched_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of stored entries
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals`).Scan(&n)
	return n, err
}

// Close releases the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
