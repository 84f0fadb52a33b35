// Package dataset opens the Parquet fact table through DuckDB and exposes
// query execution over it. The file is read-only for the process lifetime;
// queries hit the Parquet reader directly so only the referenced columns are
// materialized and row-group predicates are pushed down.
package dataset

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
)

// parquetMagic is the 4-byte marker at both ends of every Parquet file.
var parquetMagic = []byte("PAR1")

// Options tune the DuckDB session backing a handle.
type Options struct {
	// MemoryLimit caps DuckDB memory (e.g. "500MB"). Empty keeps the
	// engine default.
	MemoryLimit string

	// Threads caps query parallelism. Zero keeps the engine default.
	Threads int
}

// Handle wraps an in-memory DuckDB connection querying the Parquet file
// in place. It is safe for concurrent use: the pool is constrained to a
// single connection, which both keeps session settings consistent and
// serializes execution on the shared handle.
type Handle struct {
	db   *sql.DB
	path string
}

// Open validates the Parquet file at path and returns a query handle.
// Returns ErrNotFound if the file is absent and ErrCorrupt if it fails the
// magic-byte check.
func Open(path string, opts Options) (*Handle, error) {
	if err := VerifyParquet(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}

	// Session settings (SET memory_limit etc.) do not propagate across
	// pooled connections, so the pool is pinned to one.
	db.SetMaxOpenConns(1)

	if opts.MemoryLimit != "" {
		limit := strings.ReplaceAll(opts.MemoryLimit, "'", "''")
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", limit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting memory limit: %w", err)
		}
	}
	if opts.Threads > 0 {
		if _, err := db.Exec(fmt.Sprintf("SET threads=%d", opts.Threads)); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting threads: %w", err)
		}
	}

	h := &Handle{db: db, path: path}

	// A count over the file doubles as a schema sanity check: DuckDB
	// parses the footer here, so truncated or non-Parquet payloads that
	// slipped past the magic bytes fail now rather than mid-session.
	if _, err := h.RowCount(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return h, nil
}

// VerifyParquet checks that the file exists and carries the Parquet magic
// bytes at both head and tail.
func VerifyParquet(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat dataset: %w", err)
	}
	if info.Size() < int64(2*len(parquetMagic)) {
		return fmt.Errorf("%w: file too small (%d bytes)", ErrCorrupt, info.Size())
	}

	head := make([]byte, len(parquetMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("reading dataset header: %w", err)
	}
	if !bytes.Equal(head, parquetMagic) {
		return fmt.Errorf("%w: bad header magic", ErrCorrupt)
	}

	tail := make([]byte, len(parquetMagic))
	if _, err := f.ReadAt(tail, info.Size()-int64(len(parquetMagic))); err != nil {
		return fmt.Errorf("reading dataset footer: %w", err)
	}
	if !bytes.Equal(tail, parquetMagic) {
		return fmt.Errorf("%w: bad footer magic", ErrCorrupt)
	}

	return nil
}

// Source returns the FROM expression reading the Parquet file. The path is
// quote-doubled; every user-influenced value goes through ? placeholders
// instead.
func (h *Handle) Source() string {
	return fmt.Sprintf("read_parquet('%s')", strings.ReplaceAll(h.path, "'", "''"))
}

// Path returns the dataset file path.
func (h *Handle) Path() string {
	return h.path
}

// Query executes a SQL query against the handle.
func (h *Handle) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return h.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a single-row SQL query against the handle.
func (h *Handle) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return h.db.QueryRowContext(ctx, query, args...)
}

// RowCount returns the total number of rows in the fact table.
func (h *Handle) RowCount(ctx context.Context) (int64, error) {
	var n int64
	err := h.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", h.Source())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting rows: %w", err)
	}
	return n, nil
}

// DB exposes the underlying *sql.DB for advanced queries (exports, tests).
func (h *Handle) DB() *sql.DB {
	return h.db
}

// Close releases the DuckDB connection and all transient query memory.
func (h *Handle) Close() error {
	return h.db.Close()
}
