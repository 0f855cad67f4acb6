package storage

import (
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnknownDriver = errors.New("storage: unknown driver")
	ErrClosed        = errors.New("storage: database closed")
)

// Config configures the database connection.
type Config struct {
	Driver         string // mysql | postgres | sqlite
	DSN            string
	MaxOpenConns   int
	BusyTimeout    time.Duration // sqlite only
	ConnectTimeout time.Duration

	// WorkspaceSchema maps a tenant to its schema; see DB.WorkspaceSchema.
	WorkspaceSchema string
}

// DB is a *sql.DB bound to its dialect and tenant schema mapping.
type DB struct {
	*sql.DB
	Dialect Dialect

	workspaceSchema string

	refs      atomic.Int64
	retired   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New wraps an already opened *sql.DB. Tests use it with go-sqlmock.
func New(db *sql.DB, d Dialect, workspaceSchema string) *DB {
	return &DB{DB: db, Dialect: d, workspaceSchema: strings.TrimSpace(workspaceSchema)}
}

// Rebind rewrites '?' placeholders into the dialect's style.
func (db *DB) Rebind(q string) string { return db.Dialect.Rebind(q) }

// WorkspaceSchema returns the schema holding the tenant's tables, or "" when
// tenant tables live in the connection's default schema.
func (db *DB) WorkspaceSchema(organizationID, workspaceID string) string {
	if db.workspaceSchema == "" {
		return ""
	}
	r := strings.NewReplacer("{organization_id}", organizationID, "{workspace_id}", workspaceID)
	return r.Replace(db.workspaceSchema)
}

// WorkspaceTable returns the qualified name of a tenant table.
func (db *DB) WorkspaceTable(organizationID, workspaceID, table string) string {
	return db.Dialect.Qualify(db.WorkspaceSchema(organizationID, workspaceID), table)
}

// Acquire pins db for a running job. A retired handle stays open until
// every Acquire is matched by Release.
func (db *DB) Acquire() *DB {
	db.refs.Add(1)
	return db
}

func (db *DB) Release() {
	if db.refs.Add(-1) <= 0 && db.retired.Load() {
		_ = db.close()
	}
}

// Retire marks db as replaced and closes it once no job holds it.
func (db *DB) Retire() error {
	db.retired.Store(true)
	if db.refs.Load() > 0 {
		return nil
	}
	return db.close()
}

// InUse reports the number of jobs holding db.
func (db *DB) InUse() int64 { return db.refs.Load() }

func (db *DB) close() error {
	db.closeOnce.Do(func() { db.closeErr = db.DB.Close() })
	return db.closeErr
}
