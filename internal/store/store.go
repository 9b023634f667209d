// Package store wraps the gateway's SQLite databases. Each database is a
// single file opened in WAL mode with a 5 s busy timeout. Writes are
// serialized through a per-database lock; on any SQL error other than a
// missing table the database file is deleted and recreated. Losing a few
// buffered rows is preferred over a loop stalled on corruption.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

type DB struct {
	path   string
	schema []string

	mu     sync.Mutex
	conn   *sql.DB
	closed bool

	log zerolog.Logger
}

// Open connects to the SQLite database at path, applying the gateway pragmas.
// The schema statements are executed on open and re-executed after every
// reset so a recreated database comes back usable. Open retries through a
// full reset before giving up; a database that cannot be constructed is a
// boot-fatal condition for the caller.
func Open(path string, schema []string, log zerolog.Logger) (*DB, error) {
	d := &DB{path: path, schema: schema, log: log}
	if err := d.open(); err != nil {
		d.log.Warn().Err(err).Str("path", path).Msg("sqlite open failed, resetting database file")
		if rerr := d.reset(); rerr != nil {
			return nil, fmt.Errorf("open %s: %w", path, rerr)
		}
	}
	return d, nil
}

func (d *DB) open() error {
	conn, err := sql.Open("sqlite", d.path)
	if err != nil {
		return err
	}
	// A single connection keeps the WAL session pragmas and the write
	// serialization honest.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA auto_vacuum=FULL;",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	for _, s := range d.schema {
		if _, err := conn.Exec(s); err != nil {
			conn.Close()
			return fmt.Errorf("schema: %w", err)
		}
	}
	d.conn = conn
	d.closed = false
	return nil
}

// reset deletes the database file (including WAL sidecars) and reopens it.
// Caller must hold no assumption about previous contents afterwards.
func (d *DB) reset() error {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(d.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s%s: %w", d.path, suffix, err)
		}
	}
	if err := d.open(); err != nil {
		return fmt.Errorf("reopen after reset: %w", err)
	}
	d.log.Info().Str("path", d.path).Msg("sqlite database reset")
	return nil
}

func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// Query runs a SELECT and returns all rows as generic values. A missing
// table yields an empty result instead of an error so callers can treat
// "table not created yet" as "empty". Any other error resets the database
// and retries once.
func (d *DB) Query(query string, args ...any) ([][]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.queryLocked(query, args...)
	if err == nil || isNoSuchTable(err) {
		return rows, nil
	}

	d.log.Warn().Err(err).Str("path", d.path).Msg("sqlite query failed, resetting database")
	if rerr := d.reset(); rerr != nil {
		return nil, fmt.Errorf("reset after query failure: %w", rerr)
	}
	rows, err = d.queryLocked(query, args...)
	if err == nil || isNoSuchTable(err) {
		return rows, nil
	}
	return nil, err
}

func (d *DB) queryLocked(query string, args ...any) ([][]any, error) {
	if d.closed {
		return nil, fmt.Errorf("database %s is closed", d.path)
	}
	rs, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}

	var out [][]any
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rs.Err()
}

// Exec runs a statement and returns the number of affected rows, with the
// same reset-and-retry behavior as Query.
func (d *DB) Exec(query string, args ...any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.execLocked(query, args...)
	if err == nil || isNoSuchTable(err) {
		return n, nil
	}

	d.log.Warn().Err(err).Str("path", d.path).Msg("sqlite exec failed, resetting database")
	if rerr := d.reset(); rerr != nil {
		return 0, fmt.Errorf("reset after exec failure: %w", rerr)
	}
	n, err = d.execLocked(query, args...)
	if err == nil || isNoSuchTable(err) {
		return n, nil
	}
	return 0, err
}

func (d *DB) execLocked(query string, args ...any) (int64, error) {
	if d.closed {
		return 0, fmt.Errorf("database %s is closed", d.path)
	}
	res, err := d.conn.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// TableExists reports whether the named table is present.
func (d *DB) TableExists(table string) (bool, error) {
	rows, err := d.Query("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// TableEmpty reports whether the named table has no rows. A missing table
// counts as empty.
func (d *DB) TableEmpty(table string) (bool, error) {
	rows, err := d.Query("SELECT COUNT(*) FROM " + table)
	if err != nil {
		return true, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return true, nil
	}
	return asInt64(rows[0][0]) == 0, nil
}

// HasRows reports whether the named table exists and contains rows.
func (d *DB) HasRows(table string) (bool, error) {
	exists, err := d.TableExists(table)
	if err != nil || !exists {
		return false, err
	}
	empty, err := d.TableEmpty(table)
	if err != nil {
		return false, err
	}
	return !empty, nil
}

// Close is idempotent.
func (d *DB) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.conn == nil {
		return
	}
	d.closed = true
	if err := d.conn.Close(); err != nil {
		d.log.Warn().Err(err).Str("path", d.path).Msg("sqlite close failed")
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}
