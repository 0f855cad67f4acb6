package job

import (
	logx "jobmanager/pkg/logx"
)

// Logger prefixes every message with the queue row identity so plain-text
// log readers can grep by tenant or key.
type Logger struct {
	prefix string
	log    logx.Logger
}

func (l Logger) Debug(msg string, fields ...logx.Field) { l.log.Debug(l.prefix+" "+msg, fields...) }
func (l Logger) Info(msg string, fields ...logx.Field)  { l.log.Info(l.prefix+" "+msg, fields...) }
func (l Logger) Warn(msg string, fields ...logx.Field)  { l.log.Warn(l.prefix+" "+msg, fields...) }
func (l Logger) Error(msg string, fields ...logx.Field) { l.log.Error(l.prefix+" "+msg, fields...) }

// Base returns the structured logger without the message prefix.
func (l Logger) Base() logx.Logger { return l.log }
