package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"jobmanager/internal/cleanup"
	"jobmanager/internal/config"
	"jobmanager/internal/job"
	"jobmanager/internal/job/jobtest"
	"jobmanager/internal/maintenance"
	"jobmanager/internal/storage"
)

const readyQuery = "SELECT ORGANIZATION_ID, WORKSPACE_ID, JOB_KEY, LAST_UPDATE_TIMESTAMP, JOB_NAME FROM READY"

func testSettings(dsn string) *config.Settings {
	return &config.Settings{
		Database:                 config.DatabaseSettings{Driver: "sqlite", DSN: dsn},
		PoolSize:                 2,
		WatchInterval:            5 * time.Millisecond,
		DBReconnectInterval:      time.Hour,
		ExceptionRestartInterval: 10 * time.Millisecond,
		QueueWatchInterval:       5 * time.Millisecond,
		MaintenanceCheckInterval: time.Hour,
		JobCancelTimeout:         100 * time.Millisecond,
		MaxJobPerProcess:         5,
		QueueLoadRows:            10,
		Acceptable:               time.Hour,
		CleanUpSchedule:          cron.Every(time.Hour),
	}
}

// readyDB creates a sqlite database whose READY table holds one queued row
// per key.
func readyDB(t *testing.T, keys ...string) *config.Settings {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "worker.db")
	db, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE READY (ORGANIZATION_ID TEXT, WORKSPACE_ID TEXT, JOB_KEY TEXT, LAST_UPDATE_TIMESTAMP DATETIME, JOB_NAME TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, k := range keys {
		if _, err := db.Exec("INSERT INTO READY VALUES ('org1', 'ws1', ?, ?, 'slow')", k, time.Now().UTC()); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return testSettings(dsn)
}

// oncePerKey starts each key at most once, like a tenant row lock.
func oncePerKey() func(context.Context, job.QueueRow) (bool, error) {
	var seen sync.Map
	return func(_ context.Context, row job.QueueRow) (bool, error) {
		_, loaded := seen.LoadOrStore(row.JobKey, true)
		return !loaded, nil
	}
}

func newTestWorker(s *config.Settings, typ *jobtest.Type, opts func(*WorkerOptions)) *Worker {
	o := WorkerOptions{
		Settings:        s,
		Catalog:         jobtest.Catalog(map[string]*jobtest.Type{"slow": typ}, job.Config{Name: "slow", Timeout: time.Hour, MaxJobPerProcess: 5}),
		Info:            cleanup.NewLocal(),
		TerminatingTime: time.Now().Add(time.Hour),
		Connect:         Connector(s, testLogger()),
		Maintenance:     maintenance.Static{},
		PID:             4242,
	}
	if opts != nil {
		opts(&o)
	}
	return NewWorker(o)
}

func runWorker(w *Worker) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func executes(typ *jobtest.Type) int {
	n := 0
	for _, e := range typ.Executors() {
		n += int(e.Executes.Load())
	}
	return n
}

func TestWorkerGracefulWaitsForRunningJob(t *testing.T) {
	t.Parallel()
	s := readyDB(t, "k1")
	release := make(chan struct{})
	typ := &jobtest.Type{Query: readyQuery, Behavior: jobtest.Behavior{Start: oncePerKey(), Execute: jobtest.Stubborn(release)}}
	w := newTestWorker(s, typ, nil)
	done := runWorker(w)

	waitFor(t, "job start", func() bool { return executes(typ) == 1 })
	w.GracefulTerminate()
	w.GracefulTerminate()

	select {
	case err := <-done:
		t.Fatalf("worker exited with a job still running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after its job finished")
	}
	if got := typ.Executors()[0].Cancels.Load(); got != 0 {
		t.Fatalf("graceful stop cancelled the job %d times", got)
	}
}

func TestWorkerImmediateCancelsRunningJob(t *testing.T) {
	t.Parallel()
	s := readyDB(t, "k1", "k2")
	typ := &jobtest.Type{Query: readyQuery, Behavior: jobtest.Behavior{Start: oncePerKey(), Execute: jobtest.UntilDone}}
	w := newTestWorker(s, typ, nil)
	done := runWorker(w)

	waitFor(t, "jobs start", func() bool { return executes(typ) == 2 })
	w.ImmediatelyTerminate()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on immediate terminate")
	}
	for _, e := range typ.Executors() {
		if e.Cancels.Load() != 1 {
			t.Fatalf("%s cancelled %d times, want 1", e.Row.JobKey, e.Cancels.Load())
		}
	}
}

func TestWorkerSkipsQueueInMaintenance(t *testing.T) {
	t.Parallel()
	s := readyDB(t, "k1")
	typ := &jobtest.Type{Query: readyQuery, Behavior: jobtest.Behavior{Start: oncePerKey()}}
	var loads atomic.Int32
	w := newTestWorker(s, typ, func(o *WorkerOptions) {
		o.Maintenance = countingSource{Mode: maintenance.Mode{BackyardExecuteStop: true}, n: &loads}
	})
	done := runWorker(w)

	waitFor(t, "maintenance load", func() bool { return loads.Load() > 0 })
	time.Sleep(30 * time.Millisecond)
	w.ImmediatelyTerminate()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if n := len(typ.Executors()); n != 0 {
		t.Fatalf("%d jobs started during maintenance", n)
	}
}

func TestWorkerStopsAtTerminatingTime(t *testing.T) {
	t.Parallel()
	s := readyDB(t, "k1")
	typ := &jobtest.Type{Query: readyQuery}
	w := newTestWorker(s, typ, func(o *WorkerOptions) { o.TerminatingTime = time.Now().Add(-time.Second) })

	select {
	case err := <-runWorker(w):
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker past its terminating time kept running")
	}
	if n := len(typ.Executors()); n != 0 {
		t.Fatalf("%d jobs started after terminating time", n)
	}
}

func TestWorkerReconnectsAfterLoopError(t *testing.T) {
	t.Parallel()
	s := readyDB(t, "k1")
	typ := &jobtest.Type{Query: readyQuery, Behavior: jobtest.Behavior{Start: oncePerKey()}}
	var calls atomic.Int32
	connect := Connector(s, testLogger())
	w := newTestWorker(s, typ, func(o *WorkerOptions) {
		o.Connect = func(ctx context.Context, old *storage.DB) (*storage.DB, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("db down")
			}
			return connect(ctx, old)
		}
	})
	done := runWorker(w)

	waitFor(t, "job after reconnect", func() bool { return executes(typ) == 1 })
	w.ImmediatelyTerminate()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if calls.Load() < 2 {
		t.Fatalf("connect called %d times", calls.Load())
	}
}

type countingSource struct {
	maintenance.Mode
	n *atomic.Int32
}

func (c countingSource) Load(context.Context, *storage.DB) (maintenance.Mode, error) {
	c.n.Add(1)
	return c.Mode, nil
}

func TestWorkerWaitsForCleanUpSweep(t *testing.T) {
	t.Parallel()
	s := readyDB(t)
	s.JobCancelTimeout = 10 * time.Millisecond
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	typ := &jobtest.Type{Query: readyQuery, CleanUpF: func(context.Context) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}}
	info := cleanup.NewLocal()
	info.SetPID(4242)
	w := newTestWorker(s, typ, func(o *WorkerOptions) { o.Info = info })
	done := runWorker(w)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("clean-up sweep did not start")
	}
	w.ImmediatelyTerminate()
	// Well past the job wait of 3*job_cancel_timeout + 2*watch_interval.
	select {
	case err := <-done:
		t.Fatalf("worker exited mid-sweep: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after the sweep returned")
	}
	if typ.CleanUps() != 1 {
		t.Fatalf("clean-ups = %d", typ.CleanUps())
	}
}
