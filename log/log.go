// Package log holds the leveled logger contract shared by cobase and its
// storage layer. Adapters for zap, logrus and log/slog live in subpackages.
package log

import (
	"maps"
	"slices"
)

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Keys returns the field names in sorted order, so adapters emit fields in
// a stable order.
func (f Fields) Keys() []string {
	return slices.Sorted(maps.Keys(f))
}

// Logger is a tiny leveled logger. Provide an adapter around your logging stack.
// If Logger is nil in options, logging is disabled.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// With returns a Logger that adds base to every call. Keys in the per-call
// fields win over base.
func With(l Logger, base Fields) Logger {
	if l == nil {
		return NopLogger{}
	}
	if len(base) == 0 {
		return l
	}
	return withLogger{l: l, base: base}
}

type withLogger struct {
	l    Logger
	base Fields
}

func (w withLogger) merge(f Fields) Fields {
	out := make(Fields, len(w.base)+len(f))
	for k, v := range w.base {
		out[k] = v
	}
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (w withLogger) Debug(msg string, f Fields) { w.l.Debug(msg, w.merge(f)) }
func (w withLogger) Info(msg string, f Fields)  { w.l.Info(msg, w.merge(f)) }
func (w withLogger) Warn(msg string, f Fields)  { w.l.Warn(msg, w.merge(f)) }
func (w withLogger) Error(msg string, f Fields) { w.l.Error(msg, w.merge(f)) }
