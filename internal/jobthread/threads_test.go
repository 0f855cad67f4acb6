package jobthread

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobmanager/internal/job"
	"jobmanager/internal/job/jobtest"
	"jobmanager/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newThreads(c *clock, types map[string]*jobtest.Type, cfgs ...job.Config) *Threads {
	return New(jobtest.Catalog(types, cfgs...), Options{
		CancelTimeout: 3 * time.Second,
		PollInterval:  5 * time.Millisecond,
		Now:           c.Now,
	})
}

func start(t *testing.T, ts *Threads, row job.QueueRow) *Thread {
	t.Helper()
	th, err := ts.Prepare(row)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !th.UpdateQueueToStart(context.Background(), nil) {
		t.Fatal("UpdateQueueToStart = false")
	}
	ts.Start(th, nil)
	return th
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestThreadFinishes(t *testing.T) {
	t.Parallel()
	c := newClock()
	typ := &jobtest.Type{}
	ts := newThreads(c, map[string]*jobtest.Type{"a": typ}, job.Config{Name: "a", Timeout: 10 * time.Second, MaxJobPerProcess: 1})

	th, err := ts.Prepare(job.QueueRow{JobName: "a", JobKey: "1"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if got := th.Status(); got != NotRunning {
		t.Fatalf("status before run = %v", got)
	}
	ts.Start(th, nil)
	th.Run(nil)

	waitFor(t, "FINISHED", func() bool { return th.Status() == Finished })
	if !th.IsErasable() {
		t.Fatal("finished thread must be erasable")
	}
	ts.Tick()
	if ts.Count() != 0 {
		t.Fatalf("Count = %d after prune", ts.Count())
	}
	if n := typ.Executors()[0].Executes.Load(); n != 1 {
		t.Fatalf("Execute ran %d times", n)
	}
}

func TestTimeoutTriggersCancelOnce(t *testing.T) {
	t.Parallel()
	c := newClock()
	typ := &jobtest.Type{Behavior: jobtest.Behavior{Execute: jobtest.UntilDone}}
	ts := newThreads(c, map[string]*jobtest.Type{"a": typ}, job.Config{Name: "a", Timeout: 10 * time.Second, MaxJobPerProcess: 1})
	th := start(t, ts, job.QueueRow{JobName: "a", OrganizationID: "o1", JobKey: "1"})

	ts.Tick()
	if got := th.Status(); got != Running {
		t.Fatalf("status = %v, want RUNNING", got)
	}
	c.Advance(11 * time.Second)
	if got := th.Status(); got != Timeout {
		t.Fatalf("status = %v, want TIMEOUT", got)
	}
	for i := 0; i < 5; i++ {
		ts.Tick()
	}
	if th.Cancels() != 1 {
		t.Fatalf("cancel started %d times", th.Cancels())
	}

	waitFor(t, "CANCELED", func() bool { return th.Status() == Canceled })
	ex := typ.Executors()[0]
	if ex.Cancels.Load() != 1 {
		t.Fatalf("executor Cancel ran %d times", ex.Cancels.Load())
	}
	ts.Tick()
	if ts.Count() != 0 {
		t.Fatalf("Count = %d", ts.Count())
	}
}

func TestCancellationTimeoutResignals(t *testing.T) {
	t.Parallel()
	c := newClock()
	release := make(chan struct{})
	releaseAll := sync.OnceFunc(func() { close(release) })
	t.Cleanup(releaseAll)

	typ := &jobtest.Type{Behavior: jobtest.Behavior{
		Execute: jobtest.Stubborn(release),
		Cancel:  jobtest.Stubborn(release),
	}}
	ts := newThreads(c, map[string]*jobtest.Type{"a": typ}, job.Config{Name: "a", Timeout: 10 * time.Second, MaxJobPerProcess: 1})
	th := start(t, ts, job.QueueRow{JobName: "a", JobKey: "1"})

	c.Advance(11 * time.Second)
	ts.Tick()
	if got := th.Status(); got != Canceling {
		t.Fatalf("status = %v, want CANCELING", got)
	}
	c.Advance(4 * time.Second)
	if got := th.Status(); got != CancellationTimeout {
		t.Fatalf("status = %v, want CANCELLATION_TIMEOUT", got)
	}
	for i := 0; i < 3; i++ {
		ts.Tick()
	}
	if th.Signals() != 3 {
		t.Fatalf("signals = %d, want 3", th.Signals())
	}
	if th.IsErasable() {
		t.Fatal("thread with live goroutines must not be erasable")
	}

	releaseAll()
	waitFor(t, "erasable", th.IsErasable)
	ts.Tick()
	if ts.Count() != 0 {
		t.Fatalf("Count = %d", ts.Count())
	}
}

func TestStartableAndCounts(t *testing.T) {
	t.Parallel()
	c := newClock()
	a := &jobtest.Type{Behavior: jobtest.Behavior{Execute: jobtest.UntilDone}}
	b := &jobtest.Type{Behavior: jobtest.Behavior{Execute: jobtest.UntilDone}}
	ts := newThreads(c, map[string]*jobtest.Type{"a": a, "b": b},
		job.Config{Name: "a", Timeout: time.Minute, MaxJobPerProcess: 2},
		job.Config{Name: "b", Timeout: time.Minute, MaxJobPerProcess: 1},
	)

	if got := ts.StartableJobNames(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("startable = %v", got)
	}
	start(t, ts, job.QueueRow{JobName: "a", OrganizationID: "o1", JobKey: "1"})
	start(t, ts, job.QueueRow{JobName: "b", OrganizationID: "o1", JobKey: "2"})
	start(t, ts, job.QueueRow{JobName: "a", OrganizationID: "o2", JobKey: "3"})

	if got := ts.StartableJobNames(); len(got) != 0 {
		t.Fatalf("startable = %v, want none", got)
	}
	if ts.CountByName("a") != 2 || ts.CountByName("b") != 1 || ts.Count() != 3 {
		t.Fatalf("counts a=%d b=%d all=%d", ts.CountByName("a"), ts.CountByName("b"), ts.Count())
	}
	if got := ts.CountByOrganization(); !reflect.DeepEqual(got, map[string]int{"o1": 2, "o2": 1}) {
		t.Fatalf("by org = %v", got)
	}

	ts.CancelAll()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ts.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	for _, ex := range append(a.Executors(), b.Executors()...) {
		if ex.Cancels.Load() != 1 {
			t.Fatalf("%s cancel ran %d times", ex.Row.JobKey, ex.Cancels.Load())
		}
	}
}

func TestTerminateBlocksUntilJobsStop(t *testing.T) {
	t.Parallel()
	c := newClock()
	release := make(chan struct{})
	releaseAll := sync.OnceFunc(func() { close(release) })
	t.Cleanup(releaseAll)

	typ := &jobtest.Type{Behavior: jobtest.Behavior{Execute: jobtest.Stubborn(release)}}
	ts := newThreads(c, map[string]*jobtest.Type{"a": typ}, job.Config{Name: "a", Timeout: time.Minute, MaxJobPerProcess: 1})
	th := start(t, ts, job.QueueRow{JobName: "a", JobKey: "1"})

	done := make(chan error, 1)
	go func() { done <- ts.Terminate(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("Terminate returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if th.Cancels() != 1 {
		t.Fatalf("cancel started %d times, want 1", th.Cancels())
	}
	if got := th.Status(); got != Canceling {
		t.Fatalf("status = %v, want CANCELING", got)
	}

	releaseAll()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Terminate: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Terminate did not return after the job stopped")
	}
}

func TestPrepareUnknownJob(t *testing.T) {
	t.Parallel()
	ts := newThreads(newClock(), map[string]*jobtest.Type{"a": {}}, job.Config{Name: "a", MaxJobPerProcess: 1})
	if _, err := ts.Prepare(job.QueueRow{JobName: "zzz"}); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestCancelRunsOnRetiredHandle(t *testing.T) {
	t.Parallel()
	db, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "j.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pinged := make(chan error, 1)
	typ := &jobtest.Type{Behavior: jobtest.Behavior{
		Execute: jobtest.UntilDone,
		Cancel: func(ctx context.Context, _ job.QueueRow) error {
			err := db.PingContext(ctx)
			pinged <- err
			return err
		},
	}}
	ts := newThreads(newClock(), map[string]*jobtest.Type{"a": typ}, job.Config{Name: "a", Timeout: time.Hour, MaxJobPerProcess: 1})
	th, err := ts.Prepare(job.QueueRow{JobName: "a", JobKey: "1"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	ts.Start(th, db)
	waitFor(t, "execute", func() bool { return len(typ.Executors()) == 1 && typ.Executors()[0].Executes.Load() == 1 })

	// The worker reconnected; only the running job still holds the handle.
	if err := db.Retire(); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	th.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ts.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := <-pinged; err != nil {
		t.Fatalf("compensating Cancel got a closed handle: %v", err)
	}
	if n := db.InUse(); n != 0 {
		t.Fatalf("references left = %d", n)
	}
	if db.PingContext(context.Background()) == nil {
		t.Fatal("retired handle should close once the job released it")
	}
}

func TestFinishedJobReleasesBothReferences(t *testing.T) {
	t.Parallel()
	db, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "j.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	typ := &jobtest.Type{}
	ts := newThreads(newClock(), map[string]*jobtest.Type{"a": typ}, job.Config{Name: "a", Timeout: time.Hour, MaxJobPerProcess: 1})
	th, err := ts.Prepare(job.QueueRow{JobName: "a", JobKey: "1"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	ts.Start(th, db)
	waitFor(t, "FINISHED", func() bool { return th.Status() == Finished })

	th.Cancel()
	if th.Cancels() != 0 {
		t.Fatal("Cancel after execute returned must not start a cancel task")
	}
	if n := db.InUse(); n != 0 {
		t.Fatalf("references left = %d", n)
	}
}

func TestTerminateLetsSlowCancelFinish(t *testing.T) {
	t.Parallel()
	var compensated atomic.Bool
	typ := &jobtest.Type{Behavior: jobtest.Behavior{
		Execute: jobtest.UntilDone,
		Cancel: func(ctx context.Context, _ job.QueueRow) error {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-time.After(50 * time.Millisecond):
				compensated.Store(true)
				return nil
			}
		},
	}}
	ts := New(jobtest.Catalog(map[string]*jobtest.Type{"a": typ}, job.Config{Name: "a", Timeout: time.Hour, MaxJobPerProcess: 1}), Options{
		CancelTimeout: 3 * time.Second,
		PollInterval:  time.Millisecond,
	})
	th := start(t, ts, job.QueueRow{JobName: "a", JobKey: "1"})
	waitFor(t, "execute", func() bool { return typ.Executors()[0].Executes.Load() == 1 })

	ts.CancelAll()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ts.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !compensated.Load() || th.Signals() != 0 {
		t.Fatalf("compensated=%v signals=%d, want true and 0", compensated.Load(), th.Signals())
	}
}
