package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"jobmanager/internal/app"
	logx "jobmanager/pkg/logx"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == app.WorkerCommand {
		os.Exit(runWorker(os.Args[2:]))
	}
	os.Exit(runSupervisor(os.Args[1:]))
}

func runSupervisor(argv []string) int {
	fs := flag.NewFlagSet("jobmanager", flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config yaml/json")
	if err := fs.Parse(argv); err != nil {
		return 2
	}

	a, err := app.New(*cfgPath, app.Registry())
	if err != nil {
		fmt.Println("fatal:", err)
		return 1
	}
	defer a.Close()

	if err := a.RunSupervisor(context.Background()); err != nil {
		a.Logger().Error("supervisor stopped with error", logx.Err(err))
		return 1
	}
	return 0
}

func runWorker(argv []string) int {
	fs := flag.NewFlagSet(app.WorkerCommand, flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config yaml/json")
	terminating := fs.String("terminating-time", "", "RFC3339 time after which no new job is started")
	cleanUpInfo := fs.String("cleanup-info", "", "clean-up shared memory file created by the supervisor")
	if err := fs.Parse(argv); err != nil {
		return 2
	}

	args := app.WorkerArgs{CleanUpInfo: *cleanUpInfo}
	if *terminating != "" {
		t, err := time.Parse(time.RFC3339Nano, *terminating)
		if err != nil {
			fmt.Println("fatal: -terminating-time:", err)
			return 2
		}
		args.TerminatingTime = t
	}

	a, err := app.New(*cfgPath, app.Registry())
	if err != nil {
		fmt.Println("fatal:", err)
		return 1
	}
	defer a.Close()

	if err := a.RunWorker(context.Background(), args); err != nil {
		a.Logger().Error("worker stopped with error", logx.Err(err))
		return 1
	}
	return 0
}
