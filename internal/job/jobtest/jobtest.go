// Package jobtest provides scriptable job types for scheduler tests.
package jobtest

import (
	"context"
	"sync"
	"sync/atomic"

	"jobmanager/internal/job"
	"jobmanager/internal/storage"
	logx "jobmanager/pkg/logx"
)

// Behavior scripts an executor. Nil funcs succeed immediately.
type Behavior struct {
	Start   func(ctx context.Context, row job.QueueRow) (bool, error)
	Execute func(ctx context.Context, row job.QueueRow) error
	Cancel  func(ctx context.Context, row job.QueueRow) error
}

// Type is a job.Type whose executors follow Behavior.
type Type struct {
	Query    string
	Behavior Behavior
	CleanUpF func(ctx context.Context) error

	mu        sync.Mutex
	executors []*Executor
	cleanUps  atomic.Int32
}

var _ job.Type = (*Type)(nil)

func (t *Type) QueueQuery(context.Context, *storage.DB, job.Config) (string, error) {
	return t.Query, nil
}

func (t *Type) New(row job.QueueRow, _ job.Config, _ job.Logger) (job.Executor, error) {
	e := &Executor{Row: row, b: t.Behavior}
	t.mu.Lock()
	t.executors = append(t.executors, e)
	t.mu.Unlock()
	return e, nil
}

func (t *Type) CleanUp(ctx context.Context, _ *storage.DB, _ job.Config, _ logx.Logger) error {
	t.cleanUps.Add(1)
	if t.CleanUpF != nil {
		return t.CleanUpF(ctx)
	}
	return nil
}

// CleanUps counts CleanUp calls.
func (t *Type) CleanUps() int { return int(t.cleanUps.Load()) }

// Executors returns every executor created so far.
func (t *Type) Executors() []*Executor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Executor(nil), t.executors...)
}

// Executor records how often each method ran.
type Executor struct {
	Row job.QueueRow
	b   Behavior

	Starts   atomic.Int32
	Executes atomic.Int32
	Cancels  atomic.Int32
}

func (e *Executor) UpdateQueueToStart(ctx context.Context, _ *storage.DB) (bool, error) {
	e.Starts.Add(1)
	if e.b.Start != nil {
		return e.b.Start(ctx, e.Row)
	}
	return true, nil
}

func (e *Executor) Execute(ctx context.Context, _ *storage.DB) error {
	e.Executes.Add(1)
	if e.b.Execute != nil {
		return e.b.Execute(ctx, e.Row)
	}
	return nil
}

func (e *Executor) Cancel(ctx context.Context, _ *storage.DB) error {
	e.Cancels.Add(1)
	if e.b.Cancel != nil {
		return e.b.Cancel(ctx, e.Row)
	}
	return nil
}

// UntilDone blocks until ctx ends and returns its cause.
func UntilDone(ctx context.Context, _ job.QueueRow) error {
	<-ctx.Done()
	return context.Cause(ctx)
}

// Stubborn returns a func that ignores ctx and only returns once release
// is closed, modelling code that never reaches an interruption point.
func Stubborn(release <-chan struct{}) func(context.Context, job.QueueRow) error {
	return func(context.Context, job.QueueRow) error {
		<-release
		return nil
	}
}

// Catalog builds a catalog with one entry per name, all served by types[name].
func Catalog(types map[string]*Type, cfgs ...job.Config) *job.Catalog {
	reg := job.NewRegistry()
	for name, t := range types {
		reg.MustRegister(name, t)
	}
	for i := range cfgs {
		if cfgs[i].Executor == "" {
			cfgs[i].Executor = cfgs[i].Name
		}
	}
	c, err := job.NewCatalog(reg, cfgs)
	if err != nil {
		panic(err)
	}
	return c
}
