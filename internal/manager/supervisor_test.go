package manager

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"jobmanager/internal/cleanup"
	"jobmanager/internal/subprocess"
	logx "jobmanager/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

type fakeProc struct {
	pid  int
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	signals []os.Signal
}

func (p *fakeProc) Pid() int              { return p.pid }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Kill() error           { p.exit(); return nil }
func (p *fakeProc) exit()                 { p.once.Do(func() { close(p.done) }) }

// Signal exits on SIGTERM; SIGINT is recorded and the process keeps
// running until the test releases it.
func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM {
		p.exit()
	}
	return nil
}

func (p *fakeProc) got() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProc
	fail  error
}

func (s *fakeSpawner) Spawn(time.Time) (subprocess.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	p := &fakeProc{pid: 2000 + len(s.procs), done: make(chan struct{})}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) list() []*fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProc(nil), s.procs...)
}

type testInfo struct {
	*cleanup.Local
	lost atomic.Bool
}

func (i *testInfo) Check() error {
	if i.lost.Load() {
		return os.ErrNotExist
	}
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []string
}

func (n *recordingNotifier) add(s string) error {
	n.mu.Lock()
	n.states = append(n.states, s)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) Ready() error        { return n.add("READY") }
func (n *recordingNotifier) Stopping() error     { return n.add("STOPPING") }
func (n *recordingNotifier) Status(string) error { return nil }

type failingNotifier struct{ err error }

func (n failingNotifier) Ready() error        { return n.err }
func (n failingNotifier) Stopping() error     { return n.err }
func (n failingNotifier) Status(string) error { return nil }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSupervisor(sp subprocess.Spawner, info SharedInfo, n Notifier) *Supervisor {
	s := testSettings("")
	s.Acceptable = 90 * time.Second
	return NewSupervisor(SupervisorOptions{Settings: s, Spawner: sp, Info: info, Notifier: n, Logger: testLogger()})
}

func runSupervisor(s *Supervisor) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func TestSupervisorFillsPoolAndElects(t *testing.T) {
	t.Parallel()
	sp := &fakeSpawner{}
	info := &testInfo{Local: cleanup.NewLocal()}
	n := &recordingNotifier{}
	s := newTestSupervisor(sp, info, n)
	done := runSupervisor(s)

	waitFor(t, "pool fill", func() bool { return len(sp.list()) == 2 && info.PID() != 0 })
	procs := sp.list()
	// The second worker was spawned with the full window and outlives the first.
	if info.PID() != procs[1].pid {
		t.Fatalf("clean-up pid = %d, want %d", info.PID(), procs[1].pid)
	}

	s.GracefulTerminate()
	waitFor(t, "SIGINT", func() bool { return len(procs[0].got()) == 1 && len(procs[1].got()) == 1 })
	select {
	case err := <-done:
		t.Fatalf("supervisor exited before workers: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	for _, p := range procs {
		if p.got()[0] != syscall.SIGINT {
			t.Fatalf("pid %d got %v", p.pid, p.got())
		}
		p.exit()
	}
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.states) != 2 || n.states[0] != "READY" || n.states[1] != "STOPPING" {
		t.Fatalf("notify states = %v", n.states)
	}
}

func TestSupervisorReplacesExitedWorker(t *testing.T) {
	t.Parallel()
	sp := &fakeSpawner{}
	s := newTestSupervisor(sp, &testInfo{Local: cleanup.NewLocal()}, nil)
	done := runSupervisor(s)

	waitFor(t, "pool fill", func() bool { return len(sp.list()) == 2 })
	sp.list()[0].exit()
	waitFor(t, "replacement", func() bool { return len(sp.list()) == 3 })

	s.ImmediatelyTerminate()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestSupervisorEscalatesGracefulToImmediate(t *testing.T) {
	t.Parallel()
	sp := &fakeSpawner{}
	s := newTestSupervisor(sp, &testInfo{Local: cleanup.NewLocal()}, nil)
	done := runSupervisor(s)

	waitFor(t, "pool fill", func() bool { return len(sp.list()) == 2 })
	s.GracefulTerminate()
	waitFor(t, "SIGINT", func() bool { return len(sp.list()[0].got()) == 1 })
	s.ImmediatelyTerminate()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("immediate request did not end a graceful stop")
	}
	for _, p := range sp.list() {
		if sigs := p.got(); len(sigs) != 2 || sigs[1] != syscall.SIGTERM {
			t.Fatalf("pid %d got %v", p.pid, sigs)
		}
	}
}

func TestSupervisorFatalConditions(t *testing.T) {
	t.Parallel()
	t.Run("shared memory lost", func(t *testing.T) {
		t.Parallel()
		sp := &fakeSpawner{}
		info := &testInfo{Local: cleanup.NewLocal()}
		s := newTestSupervisor(sp, info, nil)
		done := runSupervisor(s)

		waitFor(t, "pool fill", func() bool { return len(sp.list()) == 2 })
		info.lost.Store(true)
		if err := <-done; !errors.Is(err, ErrSharedInfoLost) {
			t.Fatalf("Run = %v", err)
		}
		for _, p := range sp.list() {
			if sigs := p.got(); len(sigs) != 1 || sigs[0] != syscall.SIGTERM {
				t.Fatalf("pid %d got %v", p.pid, sigs)
			}
		}
	})
	t.Run("spawn failure", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("fork failed")
		s := newTestSupervisor(&fakeSpawner{fail: boom}, &testInfo{Local: cleanup.NewLocal()}, nil)
		if err := <-runSupervisor(s); !errors.Is(err, boom) {
			t.Fatalf("Run = %v", err)
		}
	})
}

func TestSupervisorLogsNotifyErrors(t *testing.T) {
	t.Parallel()
	var out syncBuffer
	set := testSettings("")
	set.Acceptable = 90 * time.Second
	sp := &fakeSpawner{}
	s := NewSupervisor(SupervisorOptions{
		Settings: set,
		Spawner:  sp,
		Info:     &testInfo{Local: cleanup.NewLocal()},
		Notifier: failingNotifier{err: errors.New("no socket")},
		Logger:   logx.NewWriter(&out, "debug"),
	})
	done := runSupervisor(s)

	waitFor(t, "pool fill", func() bool { return len(sp.list()) == 2 })
	s.ImmediatelyTerminate()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	logs := out.String()
	for _, state := range []string{`"state":"ready"`, `"state":"stopping"`} {
		if !strings.Contains(logs, state) {
			t.Fatalf("missing notify failure %s in %s", state, logs)
		}
	}
	if !strings.Contains(logs, "no socket") {
		t.Fatalf("notify error not logged: %s", logs)
	}
}
