package cleanup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"jobmanager/internal/job"
	"jobmanager/internal/storage"
	logx "jobmanager/pkg/logx"
)

type Options struct {
	// PID identifies this worker in Info. Defaults to os.Getpid.
	PID int
	// SignalInterval is how often Terminate re-delivers ErrJobTerminate.
	SignalInterval time.Duration
	Now            func() time.Time
	Logger         logx.Logger
}

// Job runs the clean-up sweep on the worker whose pid is elected in Info.
type Job struct {
	info     Info
	catalog  *job.Catalog
	schedule cron.Schedule
	pid      int
	every    time.Duration
	now      func() time.Time
	log      logx.Logger

	mu    sync.Mutex
	sweep *sweep
}

type sweep struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

func (s *sweep) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func New(info Info, catalog *job.Catalog, schedule cron.Schedule, opts Options) *Job {
	if opts.PID == 0 {
		opts.PID = getpid()
	}
	if opts.SignalInterval <= 0 {
		opts.SignalInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Job{
		info:     info,
		catalog:  catalog,
		schedule: schedule,
		pid:      opts.PID,
		every:    opts.SignalInterval,
		now:      opts.Now,
		log:      opts.Logger.With(logx.String("comp", "cleanup")),
	}
}

// Tick starts a sweep when this worker holds the duty and the shared
// deadline has passed. While a sweep runs the deadline keeps moving forward
// so no tick can start it twice.
func (j *Job) Tick(db *storage.DB) {
	now := j.now()
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.sweep != nil {
		if j.sweep.alive() {
			j.info.SetTime(j.schedule.Next(now))
			return
		}
		if j.sweep.err != nil {
			j.log.Warn("clean up finished with errors", logx.Err(j.sweep.err))
		}
		j.sweep = nil
		j.log.Info("next clean up scheduled", logx.Time("at", j.info.Time()))
		return
	}

	if j.info.PID() != j.pid || j.info.Time().After(now) {
		return
	}
	j.info.SetTime(j.schedule.Next(now))
	j.sweep = j.start(db)
}

func (j *Job) start(db *storage.DB) *sweep {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &sweep{cancel: cancel, done: make(chan struct{})}
	if db != nil {
		db.Acquire()
	}
	go func() {
		defer close(s.done)
		defer cancel(nil)
		if db != nil {
			defer db.Release()
		}
		s.err = j.run(ctx, db)
		j.info.SetTime(j.schedule.Next(j.now()))
	}()
	return s
}

// run calls CleanUp on every job type in catalog order. A failing type is
// logged and skipped; ErrJobTerminate stops the sweep.
func (j *Job) run(ctx context.Context, db *storage.DB) error {
	j.log.Info("clean up start")
	var errs *multierror.Error
	for _, d := range j.catalog.Definitions() {
		if err := job.Interrupted(ctx); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		err := cleanUp(ctx, d, db, j.log)
		if err == nil {
			continue
		}
		if errors.Is(err, job.ErrJobTerminate) {
			j.log.Info("clean up interrupted", logx.String("job", d.Config.Name))
			errs = multierror.Append(errs, err)
			break
		}
		j.log.Error("clean up failed", logx.String("job", d.Config.Name), logx.Err(err))
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", d.Config.Name, err))
	}
	j.log.Info("clean up end")
	return errs.ErrorOrNil()
}

func cleanUp(ctx context.Context, d job.Definition, db *storage.DB, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("clean up panicked: %v", r)
			log.Error("clean up panicked", logx.String("job", d.Config.Name), logx.Stack(string(debug.Stack())))
		}
	}()
	return d.Type.CleanUp(ctx, db, d.Config, log.With(logx.String("job", d.Config.Name)))
}

// Running reports whether a sweep goroutine is alive.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sweep != nil && j.sweep.alive()
}

// Terminate delivers ErrJobTerminate to a running sweep and blocks until it
// exits or ctx ends.
func (j *Job) Terminate(ctx context.Context) error {
	j.mu.Lock()
	s := j.sweep
	j.mu.Unlock()
	if s == nil {
		return nil
	}

	t := time.NewTicker(j.every)
	defer t.Stop()
	for s.alive() {
		s.cancel(job.ErrJobTerminate)
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			j.log.Info("waiting for clean up to stop")
		}
	}
	return nil
}
