package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobTimeout is the cancellation cause delivered to execute and
	// cancel tasks that must stop.
	ErrJobTimeout = errors.New("job timeout")
	// ErrJobTerminate is the cancellation cause delivered to a clean-up
	// sweep when its worker is exiting.
	ErrJobTerminate = errors.New("job terminate")

	ErrUnknownJob      = errors.New("unknown job name")
	ErrUnknownExecutor = errors.New("unknown job executor")
	ErrDuplicateType   = errors.New("job executor already registered")
)

// Interrupted returns the cancellation cause of ctx, or nil while it is live.
// Executors call it at their interruption points.
func Interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

// IsInterrupt reports whether err is a scheduler-issued stop.
func IsInterrupt(err error) bool {
	return errors.Is(err, ErrJobTimeout) || errors.Is(err, ErrJobTerminate) || errors.Is(err, context.Canceled)
}

// Sleep waits d or until ctx is done, returning the cancellation cause.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
