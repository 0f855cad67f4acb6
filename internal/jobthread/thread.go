// Package jobthread runs job executors under timeout and cooperative
// cancellation, and tracks the jobs a worker currently owns.
package jobthread

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobmanager/internal/job"
	"jobmanager/internal/storage"
	logx "jobmanager/pkg/logx"
)

type Status int

const (
	NotRunning Status = iota
	Running
	Finished
	Timeout
	Canceling
	Canceled
	CancellationTimeout
)

func (s Status) String() string {
	switch s {
	case NotRunning:
		return "NOT_RUNNING"
	case Running:
		return "RUNNING"
	case Finished:
		return "FINISHED"
	case Timeout:
		return "TIMEOUT"
	case Canceling:
		return "CANCELING"
	case Canceled:
		return "CANCELED"
	case CancellationTimeout:
		return "CANCELLATION_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// task is one goroutine running an executor method.
type task struct {
	name   string
	cancel context.CancelCauseFunc
	start  time.Time
	done   chan struct{}
}

func (t *task) alive() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Thread owns one executor instance and its execute and cancel goroutines.
// A Thread is never reused for a second queue row.
type Thread struct {
	id  string
	row job.QueueRow
	cfg job.Config
	ex  job.Executor
	log job.Logger

	cancelTimeout time.Duration
	now           func() time.Time
	limited       *logx.Limited

	mu   sync.Mutex
	db   *storage.DB
	exec *task
	canc *task

	// reserved is set while Run's second db reference waits for Cancel.
	reserved bool

	cancels atomic.Int64
	signals atomic.Int64
}

func newThread(def job.Definition, row job.QueueRow, ex job.Executor, log job.Logger, o *Options) *Thread {
	return &Thread{
		id:            uuid.NewString(),
		row:           row,
		cfg:           def.Config,
		ex:            ex,
		log:           log,
		cancelTimeout: o.CancelTimeout,
		now:           o.Now,
		limited:       o.limited,
	}
}

func (t *Thread) ID() string           { return t.id }
func (t *Thread) Row() job.QueueRow    { return t.row }
func (t *Thread) JobName() string      { return t.row.JobName }
func (t *Thread) Organization() string { return t.row.OrganizationID }

// UpdateQueueToStart runs the executor's start-exclusion step.
func (t *Thread) UpdateQueueToStart(ctx context.Context, db *storage.DB) bool {
	return job.CallUpdateQueueToStart(ctx, t.ex, db, t.log)
}

// Run starts the execute goroutine. Calling it twice is a no-op. db is
// pinned twice: once for execute and once held for a later Cancel, so a
// retired handle stays open until the compensating step has run.
func (t *Thread) Run(db *storage.DB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exec != nil {
		return
	}
	t.db = db
	t.reserved = true
	if db != nil {
		db.Acquire()
		db.Acquire()
	}
	t.exec = t.spawn("E-"+t.id, db, func(ctx context.Context) {
		_ = job.CallExecute(ctx, t.ex, db, t.log)
		t.dropReserve()
	})
}

// dropReserve releases the handle held for Cancel once execute has ended
// without one.
func (t *Thread) dropReserve() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canc != nil || !t.reserved {
		return
	}
	t.reserved = false
	if t.db != nil {
		t.db.Release()
	}
}

// Cancel interrupts the execute goroutine with ErrJobTimeout and starts the
// executor's compensating Cancel on the handle held since Run. Only the
// first call has an effect, and none once execute has returned.
func (t *Thread) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exec == nil || t.canc != nil || !t.reserved {
		return
	}
	t.reserved = false
	t.exec.cancel(job.ErrJobTimeout)
	t.cancels.Add(1)
	db := t.db
	t.canc = t.spawn("C-"+t.id, db, func(ctx context.Context) {
		_ = job.CallCancel(ctx, t.ex, db, t.log)
	})
}

// Resignal delivers ErrJobTimeout again to every goroutine still alive.
// Contexts stay cancelled once cancelled, so this only records and logs the
// attempt; a goroutine that never checks its context is left to worker
// rotation.
func (t *Thread) Resignal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	var names []string
	for _, tk := range []*task{t.exec, t.canc} {
		if tk.alive() {
			tk.cancel(job.ErrJobTimeout)
			names = append(names, tk.name)
		}
	}
	if len(names) == 0 {
		return
	}
	t.signals.Add(1)
	t.limited.Warn(t.row.LogPrefix()+" job did not stop, signalled again", logx.Any("tasks", names))
}

// spawn runs fn and releases db when it returns; the caller has acquired it.
func (t *Thread) spawn(name string, db *storage.DB, fn func(ctx context.Context)) *task {
	ctx, cancel := context.WithCancelCause(context.Background())
	tk := &task{name: name, cancel: cancel, start: t.now(), done: make(chan struct{})}
	go func() {
		defer close(tk.done)
		defer cancel(nil)
		if db != nil {
			defer db.Release()
		}
		fn(ctx)
	}()
	return tk
}

// Status derives the state from goroutine liveness and elapsed time.
func (t *Thread) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status(t.now())
}

func (t *Thread) status(now time.Time) Status {
	if t.exec == nil {
		return NotRunning
	}
	execAlive := t.exec.alive()
	if t.canc == nil {
		switch {
		case execAlive && t.cfg.Timeout > 0 && now.Sub(t.exec.start) > t.cfg.Timeout:
			return Timeout
		case execAlive:
			return Running
		default:
			return Finished
		}
	}
	switch {
	case t.canc.alive() && t.cancelTimeout > 0 && now.Sub(t.canc.start) > t.cancelTimeout:
		return CancellationTimeout
	case t.canc.alive(), execAlive:
		return Canceling
	default:
		return Canceled
	}
}

// IsErasable reports whether every started goroutine has stopped.
func (t *Thread) IsErasable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exec != nil && !t.exec.alive() && !t.canc.alive()
}

// Cancels returns how many times cancellation was started (0 or 1).
func (t *Thread) Cancels() int64 { return t.cancels.Load() }

// Signals returns how many times Resignal found a live goroutine.
func (t *Thread) Signals() int64 { return t.signals.Load() }
