package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"jobmanager/internal/cleanup"
	"jobmanager/internal/config"
	"jobmanager/internal/subprocess"
	logx "jobmanager/pkg/logx"
)

// ErrSharedInfoLost means the clean-up shared memory vanished; the
// supervisor can no longer guarantee a single clean-up runner.
var ErrSharedInfoLost = errors.New("clean-up shared memory lost")

// SharedInfo is the supervisor's handle on the clean-up shared memory.
type SharedInfo interface {
	cleanup.Info
	Check() error
}

// Notifier reports service state, e.g. to systemd.
type Notifier interface {
	Ready() error
	Stopping() error
	Status(msg string) error
}

type nopNotifier struct{}

func (nopNotifier) Ready() error        { return nil }
func (nopNotifier) Stopping() error     { return nil }
func (nopNotifier) Status(string) error { return nil }

type SupervisorOptions struct {
	Settings *config.Settings
	Spawner  subprocess.Spawner
	Info     SharedInfo
	Notifier Notifier
	Now      func() time.Time
	Logger   logx.Logger
}

// Supervisor keeps Settings.PoolSize workers ACCEPTABLE and elects the
// clean-up runner among them.
type Supervisor struct {
	opts SupervisorOptions
	pool *subprocess.Pool
	log  logx.Logger

	graceful  atomic.Bool
	immediate atomic.Bool
	wake      chan struct{}
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.Process("supervisor", os.Getpid())
	s := opts.Settings
	return &Supervisor{
		opts: opts,
		pool: subprocess.NewPool(opts.Spawner, subprocess.Options{
			Size:         s.PoolSize,
			Acceptable:   s.Acceptable,
			PollInterval: s.WatchInterval,
			Now:          opts.Now,
			Logger:       log,
		}),
		log:  log,
		wake: make(chan struct{}, 1),
	}
}

// Pool exposes the worker pool.
func (s *Supervisor) Pool() *subprocess.Pool { return s.pool }

// GracefulTerminate makes Run stop and let every worker finish its jobs.
func (s *Supervisor) GracefulTerminate() {
	s.graceful.Store(true)
	s.poke()
}

// ImmediatelyTerminate makes Run stop and cancel the workers' jobs. It
// wins over an earlier graceful request.
func (s *Supervisor) ImmediatelyTerminate() {
	s.immediate.Store(true)
	s.poke()
}

func (s *Supervisor) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) stopping() bool { return s.graceful.Load() || s.immediate.Load() }

// Run loops until a terminate request or ctx end (treated as immediate),
// then terminates the pool and waits for every worker to exit. Losing the
// shared memory or failing to spawn a worker is fatal: the pool is
// terminated immediately and the error returned.
func (s *Supervisor) Run(ctx context.Context) error {
	set := s.opts.Settings
	s.log.Info("supervisor started", logx.Int("pool_size", set.PoolSize), logx.Duration("acceptable", set.Acceptable))

	ready := false
	var fatal error
	for !s.stopping() && ctx.Err() == nil {
		if err := s.fill(); err != nil {
			fatal = err
			break
		}
		if !ready {
			s.notify("ready", s.opts.Notifier.Ready())
			ready = true
		}
		s.notify("status", s.opts.Notifier.Status(fmt.Sprintf("%d workers, clean-up pid %d", s.pool.Len(), s.opts.Info.PID())))

		t := time.NewTimer(set.WatchInterval)
		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-t.C:
		}
		t.Stop()
	}

	s.notify("stopping", s.opts.Notifier.Stopping())
	immediate := fatal != nil || s.immediate.Load() || (ctx.Err() != nil && !s.graceful.Load())
	var err error
	if !immediate {
		s.log.Info("terminating workers", logx.String("mode", "graceful"), logx.Int("workers", s.pool.Len()))
		err = s.drain()
		immediate = s.immediate.Load()
	}
	if immediate {
		s.log.Info("terminating workers", logx.String("mode", "immediate"), logx.Int("workers", s.pool.Len()))
		err = s.pool.ImmediatelyTerminate(context.Background())
	}
	if err != nil {
		s.log.Warn("worker terminate errors", logx.Err(err))
	}
	s.log.Info("supervisor stopped")
	return fatal
}

func (s *Supervisor) notify(state string, err error) {
	if err != nil {
		s.log.Debug("service notify failed", logx.String("state", state), logx.Err(err))
	}
}

// drain waits for a graceful pool stop, cut short by a later immediate
// request.
func (s *Supervisor) drain() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				if s.immediate.Load() {
					cancel()
					return
				}
			}
		}
	}()
	return s.pool.GracefulTerminate(ctx)
}

// fill checks the shared memory, tops the pool up and re-runs the
// clean-up election.
func (s *Supervisor) fill() error {
	if err := s.opts.Info.Check(); err != nil {
		return fmt.Errorf("%w: %v", ErrSharedInfoLost, err)
	}
	s.pool.Reap()
	for n := s.pool.Size() - s.pool.CountAcceptable(); n > 0; n-- {
		if _, err := s.pool.Add(); err != nil {
			return fmt.Errorf("spawn worker: %w", err)
		}
	}
	cleanup.Elect(s.opts.Info, s.pool, s.log)
	return nil
}
