package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"jobmanager/internal/cleanup"
	"jobmanager/internal/manager"
	"jobmanager/internal/runtime/routine"
	"jobmanager/internal/subprocess"
	logx "jobmanager/pkg/logx"
	"jobmanager/pkg/systemd"
)

// WorkerCommand is the subcommand the supervisor runs its workers with.
const WorkerCommand = "worker"

// WorkerArgs are the command-line values the supervisor passes to a worker.
type WorkerArgs struct {
	TerminatingTime time.Time
	// CleanUpInfo is the shared memory path. Empty runs the worker alone:
	// it keeps clean-up state in process and runs every sweep itself.
	CleanUpInfo string
}

// WorkerArgv renders WorkerArgs for a spawned worker.
func WorkerArgv(cfgPath string, a WorkerArgs) []string {
	return []string{
		WorkerCommand,
		"-config", cfgPath,
		"-terminating-time", a.TerminatingTime.Format(time.RFC3339Nano),
		"-cleanup-info", a.CleanUpInfo,
	}
}

func sharedInfoPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("jobmanager-%d.cleanup", os.Getpid()))
}

// createSharedInfo creates the clean-up shared memory with the first sweep
// one schedule step away, so a fresh pool does not sweep on start.
func createSharedInfo(path string, sched cron.Schedule, now time.Time) (*cleanup.Shared, error) {
	info, err := cleanup.Create(path)
	if err != nil {
		return nil, err
	}
	info.SetTime(sched.Next(now))
	return info, nil
}

// RunSupervisor runs the supervisor process until it is told to stop and
// every worker has exited.
func (a *App) RunSupervisor(ctx context.Context) error {
	path := sharedInfoPath(a.settings.SharedDir)
	info, err := createSharedInfo(path, a.settings.CleanUpSchedule, time.Now())
	if err != nil {
		return fmt.Errorf("create clean-up shared memory: %w", err)
	}
	defer func() {
		if err := info.Remove(); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.log.Warn("remove clean-up shared memory", logx.String("path", path), logx.Err(err))
		}
	}()

	g := routine.New(ctx, routine.WithLogger(a.log))
	a.watchConfig(g)
	notifier := systemd.Notifier{}
	g.Go("systemd.watchdog", notifier.Watchdog)

	cfgPath := a.cfgm.Path()
	sup := manager.NewSupervisor(manager.SupervisorOptions{
		Settings: a.settings,
		Spawner: &subprocess.Command{
			Args: func(tt time.Time) []string {
				return WorkerArgv(cfgPath, WorkerArgs{TerminatingTime: tt, CleanUpInfo: path})
			},
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		},
		Info:     info,
		Notifier: notifier,
		Logger:   a.log,
	})

	untrap := trapSignals(a.log, sup.GracefulTerminate, sup.ImmediatelyTerminate)
	defer untrap()

	runErr := sup.Run(ctx)
	a.stopRoutines(g)
	return runErr
}

// RunWorker runs one worker process until its terminating time has passed
// and its jobs are done, or until it is signalled.
func (a *App) RunWorker(ctx context.Context, args WorkerArgs) error {
	var info cleanup.Info
	if args.CleanUpInfo == "" {
		local := cleanup.NewLocal()
		local.SetPID(os.Getpid())
		info = local
	} else {
		shared, err := cleanup.Attach(args.CleanUpInfo)
		if err != nil {
			return fmt.Errorf("attach clean-up shared memory: %w", err)
		}
		defer shared.Close()
		info = shared
	}
	if args.TerminatingTime.IsZero() {
		args.TerminatingTime = time.Now().Add(a.settings.Acceptable)
	}

	g := routine.New(ctx, routine.WithLogger(a.log))
	a.watchConfig(g)

	w := manager.NewWorker(manager.WorkerOptions{
		Settings:        a.settings,
		Catalog:         a.catalog,
		Info:            info,
		TerminatingTime: args.TerminatingTime,
		Connect:         manager.Connector(a.settings, a.log),
		Logger:          a.log,
	})

	untrap := trapSignals(a.log, w.GracefulTerminate, w.ImmediatelyTerminate)
	defer untrap()

	runErr := w.Run(ctx)
	a.stopRoutines(g)
	return runErr
}

func (a *App) stopRoutines(g *routine.Group) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		a.log.Warn("background routines did not stop cleanly", logx.Err(err))
	}
}
