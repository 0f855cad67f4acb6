// Package subprocess manages the supervisor's pool of worker processes and
// spreads their rotation deadlines over time.
package subprocess

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Process is a started worker process.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Spawner starts a worker that must stop taking new jobs at terminatingTime.
type Spawner interface {
	Spawn(terminatingTime time.Time) (Process, error)
}

// Command spawns workers by executing a binary, normally the running one.
type Command struct {
	// Path defaults to os.Executable().
	Path string
	// Args builds the worker's command line.
	Args   func(terminatingTime time.Time) []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

func (c *Command) Spawn(terminatingTime time.Time) (Process, error) {
	path := c.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("spawn worker: %w", err)
		}
		path = exe
	}
	var args []string
	if c.Args != nil {
		args = c.Args(terminatingTime)
	}

	cmd := exec.Command(path, args...)
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Signal(sig os.Signal) error {
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
