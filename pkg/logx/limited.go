package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limited is a logger front that drops messages beyond a rate budget.
// The next message let through reports how many were suppressed.
type Limited struct {
	log        Logger
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewLimited allows burst messages at once and one more every interval.
func NewLimited(log Logger, every time.Duration, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{log: log, lim: rate.NewLimiter(rate.Every(every), burst)}
}

func (l *Limited) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l *Limited) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }
func (l *Limited) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }

// Suppressed returns the number of messages dropped since the last emitted one.
func (l *Limited) Suppressed() uint64 { return l.suppressed.Load() }

func (l *Limited) emit(level Level, msg string, fields []Field) {
	if l == nil {
		return
	}
	if !l.lim.Allow() {
		l.suppressed.Add(1)
		return
	}
	if n := l.suppressed.Swap(0); n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	switch level {
	case LevelError:
		l.log.Error(msg, fields...)
	case LevelWarn:
		l.log.Warn(msg, fields...)
	default:
		l.log.Info(msg, fields...)
	}
}
