package job

import (
	"context"
	"fmt"
	"runtime/debug"

	"jobmanager/internal/storage"
	logx "jobmanager/pkg/logx"
)

// CallUpdateQueueToStart runs the start-exclusion step. Any error or panic
// counts as "not startable".
func CallUpdateQueueToStart(ctx context.Context, ex Executor, db *storage.DB, log Logger) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("start check panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			ok = false
		}
	}()
	started, err := ex.UpdateQueueToStart(ctx, db)
	if err != nil {
		if storage.IsLockNotAvailable(err) {
			log.Debug("job row locked by another worker")
		} else {
			log.Warn("start check failed", logx.Err(err))
		}
		return false
	}
	return started
}

// CallExecute runs Execute with start/finish logging. A stop issued by the
// scheduler is logged as an interruption, anything else as a failure.
func CallExecute(ctx context.Context, ex Executor, db *storage.DB, log Logger) error {
	return call(ctx, "execute", ex.Execute, db, log)
}

// CallCancel runs Cancel with the same logging as CallExecute.
func CallCancel(ctx context.Context, ex Executor, db *storage.DB, log Logger) error {
	return call(ctx, "cancel", ex.Cancel, db, log)
}

func call(ctx context.Context, what string, fn func(context.Context, *storage.DB) error, db *storage.DB, log Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", what, r)
			log.Error(what+" failed", logx.Err(err), logx.Stack(string(debug.Stack())))
		}
	}()

	log.Info(what + " start")
	err = fn(ctx, db)
	switch {
	case err == nil:
		log.Info(what + " finished")
	case ctx.Err() != nil && IsInterrupt(err):
		log.Info(what+" interrupted", logx.String("cause", context.Cause(ctx).Error()))
	default:
		log.Error(what+" failed", logx.Err(err))
	}
	return err
}
