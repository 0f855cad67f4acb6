package cleanup

import (
	"os"

	logx "jobmanager/pkg/logx"
)

var getpid = os.Getpid

// Pool is the part of the worker pool election looks at.
type Pool interface {
	IsAcceptable(pid int) bool
	// LongestAcceptablePID returns the ACCEPTABLE worker with the furthest
	// terminating time, or 0 when none is.
	LongestAcceptablePID() int
}

// Elect keeps the clean-up duty on an ACCEPTABLE worker. When the current
// holder is gone or winding down, the duty moves to the worker that will
// stay longest; with no candidate the pid is cleared until one starts.
// It returns true when the holder changed.
func Elect(info Info, pool Pool, log logx.Logger) bool {
	cur := info.PID()
	if cur != 0 && pool.IsAcceptable(cur) {
		return false
	}
	next := pool.LongestAcceptablePID()
	if next == cur {
		return false
	}
	info.SetPID(next)
	log.Info("clean up duty moved", logx.Int("from_pid", cur), logx.Int("to_pid", next))
	return true
}
