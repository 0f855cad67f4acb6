package historyjob

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"jobmanager/internal/job"
	"jobmanager/internal/storage"
	logx "jobmanager/pkg/logx"
)

const ddl = `
CREATE TABLE T_MENU_CREATE_HISTORY (
    HISTORY_ID            VARCHAR(40) PRIMARY KEY,
    STATUS_ID             VARCHAR(2),
    LAST_UPDATE_USER      VARCHAR(40),
    LAST_UPDATE_TIMESTAMP DATETIME
);
CREATE VIEW V_MENU_CREATE_HISTORY AS
    SELECT 'org1' AS ORGANIZATION_ID, 'ws1' AS WORKSPACE_ID, HISTORY_ID AS JOB_KEY,
           STATUS_ID AS JOB_STATUS, LAST_UPDATE_TIMESTAMP
      FROM T_MENU_CREATE_HISTORY WHERE STATUS_ID IN ('1', '2');
`

func setup(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "h.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(ddl); err != nil {
		t.Fatalf("ddl: %v", err)
	}
	return db
}

func insert(t *testing.T, db *storage.DB, id, status string, at time.Time) {
	t.Helper()
	if _, err := db.Exec("INSERT INTO T_MENU_CREATE_HISTORY (HISTORY_ID, STATUS_ID, LAST_UPDATE_TIMESTAMP) VALUES (?, ?, ?)", id, status, at.UTC()); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func statusOf(t *testing.T, db *storage.DB, id string) string {
	t.Helper()
	var s string
	if err := db.QueryRow("SELECT STATUS_ID FROM T_MENU_CREATE_HISTORY WHERE HISTORY_ID = ?", id).Scan(&s); err != nil {
		t.Fatalf("status: %v", err)
	}
	return s
}

var cfg = job.Config{Name: "menu_create", Executor: Executor, Timeout: time.Hour, Extra: []byte(`{"user_column":"LAST_UPDATE_USER","user":"jobmanager"}`)}

func start(t *testing.T, typ *Type, db *storage.DB, id string) job.Executor {
	t.Helper()
	row := job.QueueRow{OrganizationID: "org1", WorkspaceID: "ws1", JobName: cfg.Name, JobKey: id}
	ex, err := typ.New(row, cfg, row.Logger(logx.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ok, err := ex.UpdateQueueToStart(context.Background(), db)
	if err != nil || !ok {
		t.Fatalf("UpdateQueueToStart = %v, %v", ok, err)
	}
	return ex
}

func TestWorkOutcomeRecorded(t *testing.T) {
	t.Parallel()
	db := setup(t)
	insert(t, db, "h1", StatusWaiting, time.Now())
	insert(t, db, "h2", StatusWaiting, time.Now())
	boom := errors.New("boom")
	typ := New(nil, func(_ context.Context, _ *storage.DB, row job.QueueRow) error {
		if row.JobKey == "h2" {
			return boom
		}
		return nil
	})

	if err := start(t, typ, db, "h1").Execute(context.Background(), db); err != nil {
		t.Fatalf("Execute h1: %v", err)
	}
	if err := start(t, typ, db, "h2").Execute(context.Background(), db); !errors.Is(err, boom) {
		t.Fatalf("Execute h2 = %v", err)
	}
	if statusOf(t, db, "h1") != StatusDone || statusOf(t, db, "h2") != StatusError {
		t.Fatalf("statuses = %s, %s", statusOf(t, db, "h1"), statusOf(t, db, "h2"))
	}
	var user string
	if err := db.QueryRow("SELECT LAST_UPDATE_USER FROM T_MENU_CREATE_HISTORY WHERE HISTORY_ID = 'h1'").Scan(&user); err != nil || user != "jobmanager" {
		t.Fatalf("user = %q, %v", user, err)
	}
}

func TestStartSkipsRowsNotWaiting(t *testing.T) {
	t.Parallel()
	db := setup(t)
	insert(t, db, "h1", StatusRunning, time.Now())
	row := job.QueueRow{JobName: cfg.Name, JobKey: "h1"}
	ex, _ := New(nil, nil).New(row, cfg, row.Logger(logx.Nop()))
	if ok, err := ex.UpdateQueueToStart(context.Background(), db); ok || err != nil {
		t.Fatalf("start running row = %v, %v", ok, err)
	}
	missing := job.QueueRow{JobName: cfg.Name, JobKey: "nope"}
	ex, _ = New(nil, nil).New(missing, cfg, missing.Logger(logx.Nop()))
	if ok, err := ex.UpdateQueueToStart(context.Background(), db); ok || err != nil {
		t.Fatalf("start missing row = %v, %v", ok, err)
	}
}

func TestInterruptedWorkLeavesStatusToCancel(t *testing.T) {
	t.Parallel()
	db := setup(t)
	insert(t, db, "h1", StatusWaiting, time.Now())
	typ := New(nil, func(ctx context.Context, _ *storage.DB, _ job.QueueRow) error {
		<-ctx.Done()
		return context.Cause(ctx)
	})
	ex := start(t, typ, db, "h1")

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(job.ErrJobTimeout)
	if err := ex.Execute(ctx, db); !errors.Is(err, job.ErrJobTimeout) {
		t.Fatalf("Execute = %v", err)
	}
	if got := statusOf(t, db, "h1"); got != StatusRunning {
		t.Fatalf("status after interrupt = %s, want running", got)
	}
	if err := ex.Cancel(context.Background(), db); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := statusOf(t, db, "h1"); got != StatusError {
		t.Fatalf("status after cancel = %s", got)
	}
}

func TestCleanUpFailsStaleRunningRows(t *testing.T) {
	t.Parallel()
	db := setup(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	insert(t, db, "stale", StatusRunning, now.Add(-3*time.Hour))
	insert(t, db, "fresh", StatusRunning, now.Add(-time.Minute))
	insert(t, db, "waiting", StatusWaiting, now.Add(-3*time.Hour))

	typ := New(nil, nil)
	typ.now = func() time.Time { return now }
	if err := typ.CleanUp(context.Background(), db, cfg, logx.Nop()); err != nil {
		t.Fatalf("CleanUp: %v", err)
	}
	want := map[string]string{"stale": StatusError, "fresh": StatusRunning, "waiting": StatusWaiting}
	for id, w := range want {
		if got := statusOf(t, db, id); got != w {
			t.Fatalf("%s = %s, want %s", id, got, w)
		}
	}
}

func TestQueueQueryAcrossSchemas(t *testing.T) {
	t.Parallel()
	sqldb, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqldb.Close()
	db := storage.New(sqldb, storage.Postgres, "")
	mock.ExpectQuery(storage.Postgres.ViewSchemasQuery()).
		WithArgs("V_MENU_CREATE_HISTORY").
		WillReturnRows(sqlmock.NewRows([]string{"table_schema"}).AddRow("org1_ws1").AddRow("org1_ws2"))

	q, err := New(nil, nil).QueueQuery(context.Background(), db, cfg)
	if err != nil {
		t.Fatalf("QueueQuery: %v", err)
	}
	want := `SELECT ORGANIZATION_ID, WORKSPACE_ID, JOB_KEY, LAST_UPDATE_TIMESTAMP, 'menu_create' AS JOB_NAME FROM "org1_ws1".V_MENU_CREATE_HISTORY WHERE JOB_STATUS = '1'` +
		` UNION ALL ` +
		`SELECT ORGANIZATION_ID, WORKSPACE_ID, JOB_KEY, LAST_UPDATE_TIMESTAMP, 'menu_create' AS JOB_NAME FROM "org1_ws2".V_MENU_CREATE_HISTORY WHERE JOB_STATUS = '1'`
	if q != want {
		t.Fatalf("query\n got %s\nwant %s", q, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
