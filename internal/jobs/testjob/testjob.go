// Package testjob is the reference "test_job1" executor: it waits a
// per-row number of ticks and records the outcome in T_TEST_JOB1.
//
// Expected tenant objects:
//
//	CREATE TABLE T_TEST_JOB1 (
//	    DATA_KEY              VARCHAR(36) PRIMARY KEY,
//	    STATUS                VARCHAR(16),
//	    WAIT_SECONDS          INT,
//	    LAST_UPDATE_TIMESTAMP DATETIME
//	);
//	CREATE VIEW V_TEST_JOB1 AS
//	    SELECT 'org1' AS ORGANIZATION_ID, 'ws1' AS WORKSPACE_ID,
//	           DATA_KEY AS JOB_KEY, LAST_UPDATE_TIMESTAMP
//	      FROM T_TEST_JOB1 WHERE STATUS = 'NOT_PROCESSING';
package testjob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"jobmanager/internal/config"
	"jobmanager/internal/job"
	"jobmanager/internal/storage"
	logx "jobmanager/pkg/logx"
)

const (
	Name  = "test_job1"
	Table = "T_TEST_JOB1"
	View  = "V_TEST_JOB1"

	StatusNotProcessing = "NOT_PROCESSING"
	StatusExecuting     = "EXECUTING"
	StatusSucceed       = "SUCCEED"
	StatusFailed        = "FAILED"
	StatusTimeout       = "TIMEOUT"
)

var ErrWaitSeconds = errors.New("WAIT_SECONDS must be at least 1")

// Extra is the executor block of the job config.
type Extra struct {
	// Tick is the length of one WAIT_SECONDS unit. Default 1s.
	Tick config.Duration `json:"tick,omitempty"`
}

// Type implements job.Type for test_job1.
type Type struct {
	schemas *job.SchemaFinder
	now     func() time.Time
}

var _ job.Type = (*Type)(nil)

func New(schemas *job.SchemaFinder) *Type {
	if schemas == nil {
		schemas = job.NewSchemaFinder(0)
	}
	return &Type{schemas: schemas, now: time.Now}
}

func (t *Type) QueueQuery(ctx context.Context, db *storage.DB, cfg job.Config) (string, error) {
	schemas, err := t.schemas.ViewSchemas(ctx, db, View)
	if err != nil {
		return "", err
	}
	return job.ViewUnion(db, schemas, View, cfg.Name), nil
}

func (t *Type) New(row job.QueueRow, cfg job.Config, log job.Logger) (job.Executor, error) {
	var extra Extra
	if err := cfg.DecodeExtra(&extra); err != nil {
		return nil, fmt.Errorf("%s extra: %w", cfg.Name, err)
	}
	tick, err := config.ParseDurationOrDefault(cfg.Name+".extra.tick", extra.Tick, time.Second)
	if err != nil {
		return nil, err
	}
	return &Executor{row: row, tick: tick, log: log, now: t.now}, nil
}

// CleanUp times out rows left EXECUTING longer than the job timeout.
func (t *Type) CleanUp(ctx context.Context, db *storage.DB, cfg job.Config, log logx.Logger) error {
	schemas, err := t.schemas.ViewSchemas(ctx, db, View)
	if err != nil {
		return err
	}
	cutoff := t.now().UTC().Add(-cfg.Timeout)
	for _, s := range schemas {
		if err := job.Interrupted(ctx); err != nil {
			return err
		}
		q := db.Rebind("UPDATE " + db.Dialect.Qualify(s, Table) +
			" SET STATUS = ?, LAST_UPDATE_TIMESTAMP = ? WHERE STATUS = ? AND LAST_UPDATE_TIMESTAMP < ?")
		res, err := db.ExecContext(ctx, q, StatusTimeout, t.now().UTC(), StatusExecuting, cutoff)
		if err != nil {
			return fmt.Errorf("clean up %s: %w", s, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Info("stale jobs timed out", logx.String("schema", s), logx.Int64("rows", n))
		}
	}
	return nil
}

// Executor runs one T_TEST_JOB1 row.
type Executor struct {
	row  job.QueueRow
	tick time.Duration
	log  job.Logger
	now  func() time.Time

	waitSeconds int
}

func (e *Executor) table(db *storage.DB) string {
	return db.WorkspaceTable(e.row.OrganizationID, e.row.WorkspaceID, Table)
}

// UpdateQueueToStart locks the row without waiting and moves it from
// NOT_PROCESSING to EXECUTING.
func (e *Executor) UpdateQueueToStart(ctx context.Context, db *storage.DB) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var (
		status string
		wait   sql.NullInt64
	)
	q := db.Rebind("SELECT STATUS, WAIT_SECONDS FROM " + e.table(db) + " WHERE DATA_KEY = ?" + db.Dialect.LockNoWait())
	err = tx.QueryRowContext(ctx, q, e.row.JobKey).Scan(&status, &wait)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if status != StatusNotProcessing {
		return false, nil
	}

	if err := e.setStatus(ctx, tx, db, StatusExecuting, ""); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.waitSeconds = int(wait.Int64)
	return true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// setStatus updates the row, only if it is still in from when from is set.
func (e *Executor) setStatus(ctx context.Context, x execer, db *storage.DB, to, from string) error {
	q := "UPDATE " + e.table(db) + " SET STATUS = ?, LAST_UPDATE_TIMESTAMP = ? WHERE DATA_KEY = ?"
	args := []any{to, e.now().UTC(), e.row.JobKey}
	if from != "" {
		q += " AND STATUS = ?"
		args = append(args, from)
	}
	_, err := x.ExecContext(ctx, db.Rebind(q), args...)
	return err
}

func (e *Executor) Execute(ctx context.Context, db *storage.DB) error {
	if e.waitSeconds < 1 {
		if err := e.setStatus(ctx, db, db, StatusFailed, StatusExecuting); err != nil {
			e.log.Error("status update failed", logx.Err(err))
		}
		return ErrWaitSeconds
	}
	for i := 1; i <= e.waitSeconds; i++ {
		e.log.Debug(fmt.Sprintf("TEST_JOB1 PROCESSING:%d", i))
		if err := job.Sleep(ctx, e.tick); err != nil {
			return err
		}
	}
	return e.setStatus(ctx, db, db, StatusSucceed, StatusExecuting)
}

// Cancel moves an EXECUTING row to TIMEOUT. Rows that already reached a
// terminal status are left alone.
func (e *Executor) Cancel(ctx context.Context, db *storage.DB) error {
	return e.setStatus(ctx, db, db, StatusTimeout, StatusExecuting)
}
