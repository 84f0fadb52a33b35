// Package auditlog persists a query audit trail in SQLite: which
// operations ran, under which filters, how long they took and whether the
// cache served them. The log is an operational record, not a cache; query
// results themselves are never stored.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one logged operation.
type Entry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Operation string    `json:"operation"`
	FilterKey string    `json:"filter_key"`
	Territory string    `json:"territory"`
	Duration  int64     `json:"duration_ms"`
	RowCount  int64     `json:"row_count"`
	CacheHit  bool      `json:"cache_hit"`
	CreatedAt time.Time `json:"created_at"`
}

// Log wraps the SQLite database holding the audit trail.
type Log struct {
	db *sql.DB
}

// New opens (or creates) the audit database at dbPath and prepares the
// schema.
func New(dbPath string) (*Log, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating audit db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	l := &Log{db: db}

	if err := l.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running audit migrations: %w", err)
	}

	return l, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (l *Log) DB() *sql.DB {
	return l.db
}

// Record writes one entry to the trail.
func (l *Log) Record(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (session_id, operation, filter_key, territory, duration_ms, row_count, cache_hit)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.SessionID, e.Operation, e.FilterKey, e.Territory, e.Duration, e.RowCount, e.CacheHit)
	if err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, session_id, operation, filter_key, territory, duration_ms, row_count, cache_hit, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Operation, &e.FilterKey,
			&e.Territory, &e.Duration, &e.RowCount, &e.CacheHit, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OperationCounts returns how many times each operation was logged.
func (l *Log) OperationCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT operation, COUNT(*) FROM audit_log GROUP BY operation")
	if err != nil {
		return nil, fmt.Errorf("counting operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var op string
		var n int64
		if err := rows.Scan(&op, &n); err != nil {
			return nil, fmt.Errorf("scanning operation count: %w", err)
		}
		counts[op] = n
	}
	return counts, rows.Err()
}

// PruneBefore deletes entries older than cutoff and returns how many were
// removed.
func (l *Log) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	// created_at is stored in SQLite's CURRENT_TIMESTAMP text format, so
	// the cutoff is compared in the same shape.
	res, err := l.db.ExecContext(ctx,
		"DELETE FROM audit_log WHERE created_at < ?",
		cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("pruning audit log: %w", err)
	}
	return res.RowsAffected()
}
