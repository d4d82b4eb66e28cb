// Package observability exposes the process-wide logger seam. Packages log
// through Log() so the binary decides the backend; tests run against the
// no-op default.
package observability

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Field is one structured log attribute.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the minimal logging surface used across the codebase.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

var current atomic.Pointer[holder]

type holder struct{ l Logger }

func init() {
	current.Store(&holder{l: nopLogger{}})
}

// SetLogger installs the process logger. Safe for concurrent use.
func SetLogger(l Logger) {
	if l == nil {
		l = nopLogger{}
	}
	current.Store(&holder{l: l})
}

// Log returns the installed logger.
func Log() Logger { return current.Load().l }

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}

// zerologAdapter backs Logger with a zerolog.Logger.
type zerologAdapter struct {
	l zerolog.Logger
}

// NewZerolog wraps a zerolog.Logger in the Logger interface.
func NewZerolog(l zerolog.Logger) Logger { return zerologAdapter{l: l} }

func (z zerologAdapter) Debug(msg string, fields ...Field) { z.emit(z.l.Debug(), msg, fields) }
func (z zerologAdapter) Info(msg string, fields ...Field)  { z.emit(z.l.Info(), msg, fields) }
func (z zerologAdapter) Warn(msg string, fields ...Field)  { z.emit(z.l.Warn(), msg, fields) }
func (z zerologAdapter) Error(msg string, fields ...Field) { z.emit(z.l.Error(), msg, fields) }

func (zerologAdapter) emit(ev *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			ev = ev.Str(f.Key, v)
		case error:
			if v != nil {
				ev = ev.AnErr(f.Key, v)
			}
		case int:
			ev = ev.Int(f.Key, v)
		case int64:
			ev = ev.Int64(f.Key, v)
		case uint64:
			ev = ev.Uint64(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}
