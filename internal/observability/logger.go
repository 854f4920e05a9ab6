// Package observability defines shared logging primitives.
package observability

import "sync/atomic"

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err builds the conventional "error" field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

type loggerHolder struct{ Logger }

var defaultLogger atomic.Value

func init() {
	defaultLogger.Store(loggerHolder{noopLogger{}})
}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	defaultLogger.Store(loggerHolder{logger})
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger.Load().(loggerHolder).Logger
}

// With returns a logger that prefixes every entry with fields.
func With(logger Logger, fields ...Field) Logger {
	if logger == nil {
		logger = Log()
	}
	if len(fields) == 0 {
		return logger
	}
	return scopedLogger{next: logger, fields: fields}
}

type scopedLogger struct {
	next   Logger
	fields []Field
}

func (s scopedLogger) merge(fields []Field) []Field {
	out := make([]Field, 0, len(s.fields)+len(fields))
	out = append(out, s.fields...)
	return append(out, fields...)
}

func (s scopedLogger) Debug(msg string, fields ...Field) { s.next.Debug(msg, s.merge(fields)...) }
func (s scopedLogger) Info(msg string, fields ...Field)  { s.next.Info(msg, s.merge(fields)...) }
func (s scopedLogger) Warn(msg string, fields ...Field)  { s.next.Warn(msg, s.merge(fields)...) }
func (s scopedLogger) Error(msg string, fields ...Field) { s.next.Error(msg, s.merge(fields)...) }

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
