// Package execlog journals every execution outcome and every venue
// submission to SQLite. The submission table doubles as the durable
// idempotency journal for venues without client order IDs.
package execlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"fxcore/internal/executor"
	"fxcore/internal/logger"
)

// Store wraps a sqlite database for execution records.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens or creates the sqlite database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("execlog path cannot be empty")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmt := `
	CREATE TABLE IF NOT EXISTS executions (
		trace TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL,
		instrument TEXT NOT NULL,
		units INTEGER NOT NULL,
		order_id TEXT,
		fill_price REAL,
		accepted INTEGER NOT NULL,
		reason TEXT,
		attempts INTEGER NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_instrument ON executions(instrument);
	CREATE INDEX IF NOT EXISTS idx_executions_at ON executions(at);
	CREATE TABLE IF NOT EXISTS submissions (
		idempotency_key TEXT PRIMARY KEY,
		order_id TEXT,
		created_at INTEGER NOT NULL
	);
	`
	_, err := db.Exec(stmt)
	return err
}

var _ executor.Recorder = (*Store)(nil)

// Append inserts one execution record.
func (s *Store) Append(rec executor.Record) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("execlog not initialized")
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	accepted := 0
	if rec.Accepted {
		accepted = 1
	}
	_, err := db.Exec(`
		INSERT INTO executions(trace, idempotency_key, instrument, units, order_id,
			fill_price, accepted, reason, attempts, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace) DO NOTHING;
	`, rec.Trace, rec.IdempotencyKey, rec.Instrument, rec.Units, nullIfEmpty(rec.OrderID),
		nullIfZero(rec.FillPrice), accepted, nullIfEmpty(rec.Reason), rec.Attempts, at.UnixMilli())
	return err
}

// Lookup reports whether the idempotency key was ever handed to a venue.
// Implements the MT5 submission journal.
func (s *Store) Lookup(key string) (string, bool) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil || key == "" {
		return "", false
	}
	var orderID sql.NullString
	err := db.QueryRow(`SELECT order_id FROM submissions WHERE idempotency_key = ?`, key).Scan(&orderID)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		logger.Warnf("execlog: lookup %s failed: %v", key, err)
		return "", false
	}
	return orderID.String, true
}

// Record upserts the key before (empty orderID) and after (venue ticket) the
// wire call.
func (s *Store) Record(key, orderID string) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("execlog not initialized")
	}
	if key == "" {
		return fmt.Errorf("idempotency key cannot be empty")
	}
	_, err := db.Exec(`
		INSERT INTO submissions(idempotency_key, order_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			order_id=excluded.order_id;
	`, key, nullIfEmpty(orderID), time.Now().UnixMilli())
	return err
}

// Remove releases an idempotency key whose submission the venue definitively
// did not execute.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("execlog not initialized")
	}
	if key == "" {
		return nil
	}
	_, err := db.Exec(`DELETE FROM submissions WHERE idempotency_key = ?`, key)
	return err
}

// Recent returns up to limit execution records, newest first. Serves the HTTP
// surface.
func (s *Store) Recent(ctx context.Context, limit int) ([]executor.Record, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("execlog not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT trace, idempotency_key, instrument, units, order_id,
		       fill_price, accepted, reason, attempts, at
		FROM executions ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []executor.Record
	for rows.Next() {
		var rec executor.Record
		var orderID, reason sql.NullString
		var fillPrice sql.NullFloat64
		var accepted int
		var at int64
		if err := rows.Scan(&rec.Trace, &rec.IdempotencyKey, &rec.Instrument, &rec.Units,
			&orderID, &fillPrice, &accepted, &reason, &rec.Attempts, &at); err != nil {
			return nil, err
		}
		rec.OrderID = orderID.String
		rec.Reason = reason.String
		rec.FillPrice = fillPrice.Float64
		rec.Accepted = accepted == 1
		rec.At = time.UnixMilli(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullIfZero(val float64) interface{} {
	if val == 0 {
		return nil
	}
	return val
}

func nullIfEmpty(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
