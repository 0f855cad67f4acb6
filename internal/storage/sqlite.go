package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// openSQLite opens a file database. Unless the DSN says otherwise,
// transactions begin IMMEDIATE and the busy timeout comes from cfg (0 by
// default), so a second writer fails at BEGIN instead of queueing.
func openSQLite(cfg Config) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	path, query, _ := strings.Cut(dsn, "?")
	if p := strings.TrimPrefix(path, "file:"); p != "" && p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite dsn: %w", err)
	}
	if q.Get("_txlock") == "" {
		q.Set("_txlock", "immediate")
	}
	if q.Get("_time_format") == "" {
		q.Set("_time_format", "sqlite")
	}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")

	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// Keep one writer per process; other processes hold their own handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func sqliteLockError(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// IsLockNotAvailable reports whether err means another session holds the
// row (or, for sqlite, the write lock) and a NOWAIT acquisition failed.
func IsLockNotAvailable(err error) bool {
	if err == nil {
		return false
	}
	return mysqlLockError(err) || postgresLockError(err) || sqliteLockError(err)
}
