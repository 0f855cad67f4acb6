// Package routine runs the long-lived goroutines of a scheduler process
// (main loop, config watcher, watchdog) under one cancellable context.
package routine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	logx "jobmanager/pkg/logx"
)

// Group owns a set of named goroutines. Panics are recovered and reported
// as errors; the first error is kept.
type Group struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	errOnce  sync.Once
	firstErr atomic.Value
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*stats
}

type stats struct {
	active   int
	started  int
	restarts int
	panics   int
	lastErr  string
}

// Stat is a point-in-time view of one named goroutine.
type Stat struct {
	Name     string `json:"name"`
	Active   int    `json:"active"`
	Started  int    `json:"started"`
	Restarts int    `json:"restarts"`
	Panics   int    `json:"panics"`
	LastErr  string `json:"last_err,omitempty"`
}

type Option func(*Group)

func WithLogger(log logx.Logger) Option { return func(g *Group) { g.log = log } }

// WithCancelOnError cancels the group on the first error, with that error
// as the context cause.
func WithCancelOnError(enabled bool) Option { return func(g *Group) { g.cancelOnErr = enabled } }

func New(parent context.Context, opts ...Option) *Group {
	ctx, cancel := context.WithCancelCause(parent)
	g := &Group{ctx: ctx, cancel: cancel, doneCh: make(chan struct{}), stats: map[string]*stats{}}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Group) Context() context.Context { return g.ctx }

// Cancel stops the group with cause without waiting.
func (g *Group) Cancel(cause error) { g.cancel(cause) }

// Err returns the first error reported by a goroutine.
func (g *Group) Err() error {
	if err, ok := g.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (g *Group) fail(err error) {
	g.errOnce.Do(func() { g.firstErr.Store(err) })
	if g.cancelOnErr {
		g.cancel(err)
	}
}

func (g *Group) note(name string, fn func(st *stats)) {
	g.mu.Lock()
	st := g.stats[name]
	if st == nil {
		st = &stats{}
		g.stats[name] = st
	}
	fn(st)
	g.mu.Unlock()
}

// run calls fn once, turning a panic into an error.
func (g *Group) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.note(name, func(st *stats) { st.panics++ })
			g.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(g.ctx)
}

func clean(ctx context.Context, err error) bool {
	return err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// Go runs fn once. A non-nil error other than cancellation is recorded.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	g.note(name, func(st *stats) { st.started++; st.active++ })
	go func() {
		defer g.wg.Done()
		g.log.Debug("goroutine started", logx.String("name", name))
		err := g.run(name, fn)
		g.note(name, func(st *stats) {
			st.active--
			if err != nil {
				st.lastErr = err.Error()
			}
		})
		if !clean(g.ctx, err) {
			g.fail(fmt.Errorf("%s: %w", name, err))
		}
		g.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// GoRestart runs fn and restarts it with exponential backoff after an
// error or panic, until the group stops or maxRestarts (when > 0) is
// exceeded. A clean return ends the loop.
func (g *Group) GoRestart(name string, maxRestarts int, fn func(ctx context.Context) error) {
	g.Go(name+".restart", func(ctx context.Context) error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 250 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0
		restarts := 0
		for {
			g.note(name, func(st *stats) { st.started++; st.active++ })
			startedAt := time.Now()
			err := g.run(name, fn)
			g.note(name, func(st *stats) {
				st.active--
				if err != nil {
					st.lastErr = err.Error()
				}
			})
			if clean(ctx, err) {
				return nil
			}
			if time.Since(startedAt) >= 30*time.Second {
				b.Reset()
			}
			restarts++
			if maxRestarts > 0 && restarts > maxRestarts {
				g.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return fmt.Errorf("%s: %w", name, err)
			}
			g.note(name, func(st *stats) { st.restarts++ })
			wait := b.NextBackOff()
			g.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	})
}

// Snapshot lists goroutine stats, active ones first.
func (g *Group) Snapshot() []Stat {
	g.mu.Lock()
	out := make([]Stat, 0, len(g.stats))
	for name, st := range g.stats {
		out = append(out, Stat{Name: name, Active: st.active, Started: st.started, Restarts: st.restarts, Panics: st.panics, LastErr: st.lastErr})
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Stop cancels the group and waits for its goroutines.
func (g *Group) Stop(ctx context.Context) error {
	g.cancel(context.Canceled)
	return g.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends.
func (g *Group) Wait(ctx context.Context) error {
	g.doneOnce.Do(func() {
		go func() {
			g.wg.Wait()
			close(g.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.doneCh:
		return g.Err()
	}
}
