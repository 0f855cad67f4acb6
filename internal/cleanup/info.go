// Package cleanup runs the periodic reconciliation sweep on exactly one
// worker of the pool, elected through a small shared-memory record.
package cleanup

import (
	"sync/atomic"
	"time"
)

// Info is the record shared by the supervisor and all workers: the pid of
// the worker owning clean-up duty and the next time a sweep is due.
// Both values are plain scalars read and written atomically.
type Info interface {
	PID() int
	SetPID(pid int)
	Time() time.Time
	SetTime(t time.Time)
}

// infoSize is the layout of the shared record: pid and unix nanoseconds,
// both int64.
const infoSize = 16

func loadTime(p *int64) time.Time {
	n := atomic.LoadInt64(p)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func storeTime(p *int64, t time.Time) {
	if t.IsZero() {
		atomic.StoreInt64(p, 0)
		return
	}
	atomic.StoreInt64(p, t.UnixNano())
}

// Local is an in-process Info, used when supervisor and workers share one
// address space (tests, single-process runs).
type Local struct {
	pid  int64
	when int64
}

func NewLocal() *Local { return &Local{} }

func (l *Local) PID() int            { return int(atomic.LoadInt64(&l.pid)) }
func (l *Local) SetPID(pid int)      { atomic.StoreInt64(&l.pid, int64(pid)) }
func (l *Local) Time() time.Time     { return loadTime(&l.when) }
func (l *Local) SetTime(t time.Time) { storeTime(&l.when, t) }
