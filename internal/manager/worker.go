// Package manager holds the two process loops: the supervisor that keeps
// the worker pool filled and elects the clean-up runner, and the worker that
// polls the queue and runs jobs.
package manager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"jobmanager/internal/cleanup"
	"jobmanager/internal/config"
	"jobmanager/internal/job"
	"jobmanager/internal/jobthread"
	"jobmanager/internal/maintenance"
	"jobmanager/internal/queue"
	"jobmanager/internal/runtime/interval"
	"jobmanager/internal/storage"
	logx "jobmanager/pkg/logx"
)

// ConnectFunc returns a fresh connection, retiring old when it is set.
type ConnectFunc func(ctx context.Context, old *storage.DB) (*storage.DB, error)

// StorageConfig maps resolved settings to the storage layer.
func StorageConfig(s *config.Settings) storage.Config {
	return storage.Config{
		Driver:          s.Database.Driver,
		DSN:             s.Database.DSN,
		MaxOpenConns:    s.Database.MaxOpenConns,
		BusyTimeout:     s.Database.BusyTimeout,
		ConnectTimeout:  s.Database.ConnectTimeout,
		WorkspaceSchema: s.Database.WorkspaceSchema,
	}
}

// Connector connects with storage.Reconnect, retrying every
// exception_restart_interval.
func Connector(s *config.Settings, log logx.Logger) ConnectFunc {
	cfg := StorageConfig(s)
	return func(ctx context.Context, old *storage.DB) (*storage.DB, error) {
		db, err := storage.Reconnect(ctx, old, cfg, log, s.ExceptionRestartInterval)
		if err == nil {
			log.Debug("worker db reconnected")
		}
		return db, err
	}
}

type WorkerOptions struct {
	Settings *config.Settings
	Catalog  *job.Catalog
	// Info is the clean-up state shared with the other workers.
	Info cleanup.Info
	// TerminatingTime is when the worker stops taking new jobs and exits
	// once its running jobs are done.
	TerminatingTime time.Time
	Connect         ConnectFunc
	// Maintenance defaults to maintenance.Table{}.
	Maintenance maintenance.Source
	PID         int
	Now         func() time.Time
	Logger      logx.Logger
}

// Worker is the loop of one worker process.
type Worker struct {
	opts    WorkerOptions
	threads *jobthread.Threads
	queue   *queue.Queue
	clean   *cleanup.Job
	log     logx.Logger
	limited *logx.Limited

	graceful  atomic.Bool
	immediate atomic.Bool
	wake      chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewWorker(opts WorkerOptions) *Worker {
	if opts.Maintenance == nil {
		opts.Maintenance = maintenance.Table{}
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := opts.Settings
	log := opts.Logger.Process("worker", opts.PID)
	return &Worker{
		opts: opts,
		threads: jobthread.New(opts.Catalog, jobthread.Options{
			CancelTimeout: s.JobCancelTimeout,
			PollInterval:  s.WatchInterval,
			Now:           opts.Now,
			Logger:        log,
		}),
		queue: queue.New(opts.Catalog, s.QueueLoadRows, log),
		clean: cleanup.New(opts.Info, opts.Catalog, s.CleanUpSchedule, cleanup.Options{
			PID:            opts.PID,
			SignalInterval: s.WatchInterval,
			Now:            opts.Now,
			Logger:         log,
		}),
		log:     log,
		limited: logx.NewLimited(log, time.Minute, 3),
		wake:    make(chan struct{}, 1),
	}
}

// Threads exposes the running jobs.
func (w *Worker) Threads() *jobthread.Threads { return w.threads }

// GracefulTerminate stops taking new jobs; the worker exits once its
// running jobs are done. Safe to call repeatedly.
func (w *Worker) GracefulTerminate() {
	if !w.graceful.Swap(true) {
		w.log.Info("terminate requested", logx.String("mode", "graceful"))
	}
	w.poke()
}

// ImmediatelyTerminate cancels running jobs and exits. Safe to call
// repeatedly.
func (w *Worker) ImmediatelyTerminate() {
	if !w.immediate.Swap(true) {
		w.log.Info("terminate requested", logx.String("mode", "immediate"))
	}
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.poke()
}

func (w *Worker) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// sleep waits d, returning early on a terminate request or ctx end.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-t.C:
	}
}

func (w *Worker) draining() bool {
	return w.graceful.Load() || !w.opts.Now().Before(w.opts.TerminatingTime)
}

type loop struct {
	db        *storage.DB
	reconnect bool

	reconnectEvery *interval.Timer
	queueEvery     *interval.Timer
	modeEvery      *interval.Timer

	mode       maintenance.Mode
	modeLoaded bool
}

// Run drives the worker until it is told to terminate and every job has
// stopped. Cancelling ctx is an immediate terminate.
func (w *Worker) Run(ctx context.Context) error {
	s := w.opts.Settings
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()
	if w.immediate.Load() {
		cancel()
	}

	w.log.Info("worker started", logx.Time("terminating_time", w.opts.TerminatingTime))
	st := &loop{
		reconnectEvery: interval.NewWithClock(s.DBReconnectInterval, w.opts.Now),
		queueEvery:     interval.NewWithClock(s.QueueWatchInterval, w.opts.Now),
		modeEvery:      interval.NewWithClock(s.MaintenanceCheckInterval, w.opts.Now),
	}

	for {
		if w.immediate.Load() || ctx.Err() != nil {
			w.threads.CancelAll()
			break
		}
		if w.draining() {
			w.threads.Tick()
			if w.threads.Count() == 0 {
				break
			}
		}
		if err := w.step(ctx, st); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.limited.Error("worker loop failed", logx.Err(err))
			w.sleep(ctx, s.ExceptionRestartInterval)
			st.reconnect = true
		}
		w.sleep(ctx, s.WatchInterval)
	}
	return w.shutdown(st.db)
}

func (w *Worker) step(ctx context.Context, st *loop) error {
	s := w.opts.Settings
	if st.db == nil || st.reconnect || st.reconnectEvery.Passed() {
		db, err := w.opts.Connect(ctx, st.db)
		if err != nil {
			st.db = nil
			return fmt.Errorf("connect: %w", err)
		}
		st.db, st.reconnect = db, false
	}

	w.threads.Tick()

	if !st.modeLoaded || st.modeEvery.Passed() {
		m, err := w.opts.Maintenance.Load(ctx, st.db)
		if err != nil {
			return err
		}
		if m.Entered(st.mode) {
			w.log.Info("maintenance mode on", logx.Bool("data_update_stop", m.DataUpdateStop), logx.Bool("backyard_execute_stop", m.BackyardExecuteStop))
		}
		st.mode, st.modeLoaded = m, true
	}

	if !st.mode.Paused() && !w.draining() && st.queueEvery.Passed() && w.threads.Count() < s.MaxJobPerProcess {
		if err := w.startJobs(ctx, st.db); err != nil {
			return err
		}
	}

	if !st.mode.DataUpdateStop {
		w.clean.Tick(st.db)
	}
	return nil
}

func (w *Worker) startJobs(ctx context.Context, db *storage.DB) error {
	limit := w.opts.Settings.MaxJobPerProcess
	startable := w.threads.StartableJobNames()
	if len(startable) == 0 {
		return nil
	}
	if err := w.queue.Query(ctx, db, startable); err != nil {
		return err
	}
	w.log.Debug("queue polled", logx.Int("rows", w.queue.Len()), logx.Int("running", w.threads.Count()))

	for w.threads.Count() < limit {
		row, ok := w.queue.Pop(w.threads)
		if !ok {
			break
		}
		th, err := w.threads.Prepare(row)
		if err != nil {
			w.log.Error("job not started", logx.String("job", row.JobName), logx.String("key", row.JobKey), logx.Err(err))
			continue
		}
		if th.UpdateQueueToStart(ctx, db) {
			w.threads.Start(th, db)
		}
	}
	return nil
}

// shutdown stops the clean-up sweep and the jobs. The sweep is waited for
// without a bound, so a worker never exits mid-sweep; the supervisor's
// overdue kill covers a sweep that never returns. A job that never observes
// cancellation is abandoned after a bounded wait.
func (w *Worker) shutdown(db *storage.DB) error {
	s := w.opts.Settings

	swept := make(chan error, 1)
	go func() { swept <- w.clean.Terminate(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*s.JobCancelTimeout+2*s.WatchInterval)
	defer cancel()
	err := w.threads.Terminate(ctx)
	if err != nil {
		w.log.Warn("jobs did not stop", logx.Int("running", w.threads.Count()), logx.Err(err))
	}
	if cerr := <-swept; cerr != nil {
		w.log.Warn("clean-up did not stop", logx.Err(cerr))
		err = cerr
	}
	if db != nil {
		_ = db.Retire()
	}
	w.log.Info("worker stopped")
	return err
}
