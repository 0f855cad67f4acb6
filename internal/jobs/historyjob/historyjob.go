// Package historyjob runs jobs queued as rows of a tenant history table,
// the layout used by menu creation and similar backyard tasks.
//
// A history row moves 1 (waiting) -> 2 (running) -> 3 (done) or 4 (error).
// The ready view exposes ORGANIZATION_ID, WORKSPACE_ID, JOB_KEY, JOB_STATUS
// and LAST_UPDATE_TIMESTAMP for rows in status 1 or 2.
package historyjob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobmanager/internal/job"
	"jobmanager/internal/storage"
	logx "jobmanager/pkg/logx"
)

const Executor = "history_job"

const (
	StatusWaiting = "1"
	StatusRunning = "2"
	StatusDone    = "3"
	StatusError   = "4"
)

// Extra is the executor block of the job config. Empty fields take the
// menu creation defaults.
type Extra struct {
	Table        string `json:"table,omitempty"`
	View         string `json:"view,omitempty"`
	KeyColumn    string `json:"key_column,omitempty"`
	StatusColumn string `json:"status_column,omitempty"`
	UserColumn   string `json:"user_column,omitempty"`
	User         string `json:"user,omitempty"`
}

func (x *Extra) defaults() {
	if x.Table == "" {
		x.Table = "T_MENU_CREATE_HISTORY"
	}
	if x.View == "" {
		x.View = "V_MENU_CREATE_HISTORY"
	}
	if x.KeyColumn == "" {
		x.KeyColumn = "HISTORY_ID"
	}
	if x.StatusColumn == "" {
		x.StatusColumn = "STATUS_ID"
	}
}

func decodeExtra(cfg job.Config) (Extra, error) {
	var x Extra
	if err := cfg.DecodeExtra(&x); err != nil {
		return x, fmt.Errorf("%s extra: %w", cfg.Name, err)
	}
	x.defaults()
	return x, nil
}

// Work is the business logic of one history row. It must return promptly
// once ctx is done.
type Work func(ctx context.Context, db *storage.DB, row job.QueueRow) error

// Type implements job.Type over a history table.
type Type struct {
	schemas *job.SchemaFinder
	work    Work
	now     func() time.Time
}

var _ job.Type = (*Type)(nil)

// New returns the history job type. A nil work completes rows at once.
func New(schemas *job.SchemaFinder, work Work) *Type {
	if schemas == nil {
		schemas = job.NewSchemaFinder(0)
	}
	if work == nil {
		work = func(context.Context, *storage.DB, job.QueueRow) error { return nil }
	}
	return &Type{schemas: schemas, work: work, now: time.Now}
}

// QueueQuery selects waiting rows only; the view also lists running rows
// for the clean-up sweep.
func (t *Type) QueueQuery(ctx context.Context, db *storage.DB, cfg job.Config) (string, error) {
	x, err := decodeExtra(cfg)
	if err != nil {
		return "", err
	}
	schemas, err := t.schemas.ViewSchemas(ctx, db, x.View)
	if err != nil {
		return "", err
	}
	return unionWhere(db, schemas, x.View, cfg.Name, "JOB_STATUS = '"+StatusWaiting+"'"), nil
}

func unionWhere(db *storage.DB, schemas []string, view, jobName, where string) string {
	u := job.ViewUnion(db, schemas, view, jobName)
	if u == "" {
		return ""
	}
	parts := strings.Split(u, " UNION ALL ")
	for i := range parts {
		parts[i] += " WHERE " + where
	}
	return strings.Join(parts, " UNION ALL ")
}

func (t *Type) New(row job.QueueRow, cfg job.Config, log job.Logger) (job.Executor, error) {
	x, err := decodeExtra(cfg)
	if err != nil {
		return nil, err
	}
	return &executor{row: row, x: x, work: t.work, log: log, now: t.now}, nil
}

type staleRow struct {
	org, ws, key string
}

// CleanUp fails rows left running for longer than the job timeout. No
// worker heartbeat exists, so elapsed time since the last update is the
// only evidence of a crashed runner.
func (t *Type) CleanUp(ctx context.Context, db *storage.DB, cfg job.Config, log logx.Logger) error {
	x, err := decodeExtra(cfg)
	if err != nil {
		return err
	}
	schemas, err := t.schemas.ViewSchemas(ctx, db, x.View)
	if err != nil {
		return err
	}
	if len(schemas) == 0 {
		return nil
	}

	cutoff := t.now().UTC().Add(-cfg.Timeout)
	var (
		parts []string
		args  []any
	)
	for _, s := range schemas {
		parts = append(parts, "SELECT ORGANIZATION_ID, WORKSPACE_ID, JOB_KEY FROM "+db.Dialect.Qualify(s, x.View)+
			" WHERE JOB_STATUS = ? AND LAST_UPDATE_TIMESTAMP < ?")
		args = append(args, StatusRunning, cutoff)
	}
	stale, err := queryStale(ctx, db, strings.Join(parts, " UNION ALL "), args)
	if err != nil {
		return fmt.Errorf("clean up query: %w", err)
	}

	for _, r := range stale {
		if err := job.Interrupted(ctx); err != nil {
			return err
		}
		e := &executor{row: job.QueueRow{OrganizationID: r.org, WorkspaceID: r.ws, JobName: cfg.Name, JobKey: r.key}, x: x, now: t.now}
		if err := e.setStatus(ctx, db, db, StatusError, StatusRunning); err != nil {
			log.Error("clean up update failed", logx.String("org", r.org), logx.String("ws", r.ws), logx.String("key", r.key), logx.Err(err))
			continue
		}
		log.Info("stale job marked as error", logx.String("org", r.org), logx.String("ws", r.ws), logx.String("key", r.key))
	}
	return nil
}

// queryStale reads every row before returning so updates do not compete
// with an open result set for the connection.
func queryStale(ctx context.Context, db *storage.DB, q string, args []any) ([]staleRow, error) {
	rows, err := db.QueryContext(ctx, db.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []staleRow
	for rows.Next() {
		var org, ws, key sql.NullString
		if err := rows.Scan(&org, &ws, &key); err != nil {
			return nil, err
		}
		out = append(out, staleRow{org: org.String, ws: ws.String, key: key.String})
	}
	return out, rows.Err()
}

type executor struct {
	row  job.QueueRow
	x    Extra
	work Work
	log  job.Logger
	now  func() time.Time
}

func (e *executor) table(db *storage.DB) string {
	return db.WorkspaceTable(e.row.OrganizationID, e.row.WorkspaceID, e.x.Table)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (e *executor) setStatus(ctx context.Context, x execer, db *storage.DB, to, from string) error {
	q := "UPDATE " + e.table(db) + " SET " + e.x.StatusColumn + " = ?, LAST_UPDATE_TIMESTAMP = ?"
	args := []any{to, e.now().UTC()}
	if e.x.UserColumn != "" {
		q += ", " + e.x.UserColumn + " = ?"
		args = append(args, e.x.User)
	}
	q += " WHERE " + e.x.KeyColumn + " = ?"
	args = append(args, e.row.JobKey)
	if from != "" {
		q += " AND " + e.x.StatusColumn + " = ?"
		args = append(args, from)
	}
	_, err := x.ExecContext(ctx, db.Rebind(q), args...)
	return err
}

func (e *executor) UpdateQueueToStart(ctx context.Context, db *storage.DB) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var status sql.NullString
	q := db.Rebind("SELECT " + e.x.StatusColumn + " FROM " + e.table(db) + " WHERE " + e.x.KeyColumn + " = ?" + db.Dialect.LockNoWait())
	err = tx.QueryRowContext(ctx, q, e.row.JobKey).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if status.String != StatusWaiting {
		return false, nil
	}
	if err := e.setStatus(ctx, tx, db, StatusRunning, ""); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Execute runs the work and records done or error. An interrupted run
// leaves the status to Cancel.
func (e *executor) Execute(ctx context.Context, db *storage.DB) error {
	err := e.work(ctx, db, e.row)
	if err != nil && job.IsInterrupt(err) && ctx.Err() != nil {
		return err
	}
	to := StatusDone
	if err != nil {
		to = StatusError
	}
	if uerr := e.setStatus(ctx, db, db, to, StatusRunning); uerr != nil {
		return errors.Join(err, uerr)
	}
	return err
}

// Cancel marks a running row as error and never touches a finished one.
func (e *executor) Cancel(ctx context.Context, db *storage.DB) error {
	return e.setStatus(ctx, db, db, StatusError, StatusRunning)
}
