package subprocess

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	logx "jobmanager/pkg/logx"
)

type Status int

const (
	// Acceptable workers poll for new jobs.
	Acceptable Status = iota
	// Terminating workers are past their deadline or were told to stop;
	// they finish what they run and exit.
	Terminating
	Exited
)

func (s Status) String() string {
	switch s {
	case Acceptable:
		return "ACCEPTABLE"
	case Terminating:
		return "TERMINATING"
	default:
		return "EXITED"
	}
}

// SubProcess is one worker and its rotation deadline.
type SubProcess struct {
	proc            Process
	startedAt       time.Time
	terminatingTime time.Time

	mu          sync.Mutex
	terminating bool
}

func (s *SubProcess) Pid() int                   { return s.proc.Pid() }
func (s *SubProcess) TerminatingTime() time.Time { return s.terminatingTime }

func (s *SubProcess) exited() bool {
	select {
	case <-s.proc.Done():
		return true
	default:
		return false
	}
}

// Status derives the state at now.
func (s *SubProcess) Status(now time.Time) Status {
	if s.exited() {
		return Exited
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminating || !now.Before(s.terminatingTime) {
		return Terminating
	}
	return Acceptable
}

func (s *SubProcess) signal(sig syscall.Signal) error {
	s.mu.Lock()
	s.terminating = true
	s.mu.Unlock()
	if s.exited() {
		return nil
	}
	if err := s.proc.Signal(sig); err != nil {
		return fmt.Errorf("pid %d: %s: %w", s.Pid(), sig, err)
	}
	return nil
}

// GracefulTerminate asks the worker to finish its jobs and exit.
func (s *SubProcess) GracefulTerminate() error { return s.signal(syscall.SIGINT) }

// ImmediatelyTerminate asks the worker to cancel its jobs and exit.
func (s *SubProcess) ImmediatelyTerminate() error { return s.signal(syscall.SIGTERM) }

func (s *SubProcess) Kill() error {
	s.mu.Lock()
	s.terminating = true
	s.mu.Unlock()
	if s.exited() {
		return nil
	}
	if err := s.proc.Kill(); err != nil {
		return fmt.Errorf("pid %d: kill: %w", s.Pid(), err)
	}
	return nil
}

// Wait blocks until the worker exits or ctx ends.
func (s *SubProcess) Wait(ctx context.Context) error {
	select {
	case <-s.proc.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Options struct {
	// Size is the number of ACCEPTABLE workers to keep.
	Size int
	// Acceptable is the rotation window: how long a worker may take new
	// jobs, and how long past that it may run before it is killed.
	Acceptable time.Duration
	// PollInterval paces the wait loops of the terminate calls.
	PollInterval time.Duration
	Now          func() time.Time
	Logger       logx.Logger
}

// Pool is the supervisor's set of workers. It is not shared with workers.
type Pool struct {
	spawner Spawner
	size    int
	window  time.Duration
	poll    time.Duration
	now     func() time.Time
	log     logx.Logger

	mu    sync.Mutex
	procs []*SubProcess
}

func NewPool(spawner Spawner, opts Options) *Pool {
	if opts.Size < 1 {
		opts.Size = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{
		spawner: spawner,
		size:    opts.Size,
		window:  opts.Acceptable,
		poll:    opts.PollInterval,
		now:     opts.Now,
		log:     opts.Logger,
	}
}

func (p *Pool) Size() int { return p.size }

// Add reaps the pool and starts one more worker. The new worker's deadline
// is the rotation window divided by the number of missing workers, so a
// pool filled at once gets deadlines spread across the window.
func (p *Pool) Add() (*SubProcess, error) {
	p.Reap()

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	term := now.Add(p.nextLifetime(now))
	proc, err := p.spawner.Spawn(term)
	if err != nil {
		return nil, err
	}
	sp := &SubProcess{proc: proc, startedAt: now, terminatingTime: term}
	p.procs = append(p.procs, sp)
	p.log.Info("worker started", logx.Int("pid", proc.Pid()), logx.Time("terminating_time", term))
	return sp, nil
}

func (p *Pool) nextLifetime(now time.Time) time.Duration {
	n := p.countLocked(now, Acceptable)
	if n < p.size {
		return p.window / time.Duration(p.size-n)
	}
	return p.window
}

// Reap forgets exited workers and kills those overdue by a full rotation
// window past their deadline.
func (p *Pool) Reap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	kept := p.procs[:0]
	for _, sp := range p.procs {
		if sp.Status(now) == Exited {
			p.log.Debug("worker exited", logx.Int("pid", sp.Pid()))
			continue
		}
		if !now.Before(sp.terminatingTime.Add(p.window)) {
			p.log.Warn("killing overdue worker", logx.Int("pid", sp.Pid()), logx.Time("terminating_time", sp.terminatingTime))
			if err := sp.Kill(); err != nil {
				p.log.Error("kill failed", logx.Err(err))
			}
		}
		kept = append(kept, sp)
	}
	for i := len(kept); i < len(p.procs); i++ {
		p.procs[i] = nil
	}
	p.procs = kept
}

func (p *Pool) countLocked(now time.Time, st Status) int {
	n := 0
	for _, sp := range p.procs {
		if sp.Status(now) == st {
			n++
		}
	}
	return n
}

func (p *Pool) CountAcceptable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(p.now(), Acceptable)
}

// Len counts workers that have not exited.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	return len(p.procs) - p.countLocked(now, Exited)
}

func (p *Pool) IsAcceptable(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, sp := range p.procs {
		if sp.Pid() == pid {
			return sp.Status(now) == Acceptable
		}
	}
	return false
}

// LongestAcceptablePID returns the ACCEPTABLE worker with the furthest
// deadline, or 0 if there is none.
func (p *Pool) LongestAcceptablePID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	pid := 0
	var best time.Time
	for _, sp := range p.procs {
		if sp.Status(now) == Acceptable && (pid == 0 || sp.terminatingTime.After(best)) {
			pid, best = sp.Pid(), sp.terminatingTime
		}
	}
	return pid
}

func (p *Pool) live() []*SubProcess {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]*SubProcess, 0, len(p.procs))
	for _, sp := range p.procs {
		if sp.Status(now) != Exited {
			out = append(out, sp)
		}
	}
	return out
}

// GracefulTerminate sends SIGINT to every live worker and waits for all of
// them to exit. Workers overdue past the rotation window are still killed
// while waiting.
func (p *Pool) GracefulTerminate(ctx context.Context) error {
	return p.terminate(ctx, (*SubProcess).GracefulTerminate)
}

// ImmediatelyTerminate sends SIGTERM to every live worker and waits for all
// of them to exit.
func (p *Pool) ImmediatelyTerminate(ctx context.Context) error {
	return p.terminate(ctx, (*SubProcess).ImmediatelyTerminate)
}

func (p *Pool) terminate(ctx context.Context, send func(*SubProcess) error) error {
	var errs *multierror.Error
	for _, sp := range p.live() {
		errs = multierror.Append(errs, send(sp))
	}

	t := time.NewTicker(p.poll)
	defer t.Stop()
	for {
		p.Reap()
		if p.Len() == 0 {
			return errs.ErrorOrNil()
		}
		select {
		case <-ctx.Done():
			return multierror.Append(errs, ctx.Err())
		case <-t.C:
		}
	}
}
