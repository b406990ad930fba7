// Package slog adapts a log/slog logger to log.Logger.
package slog

import (
	"context"
	stdslog "log/slog"

	"github.com/DoctorEvidence/cobase/log"
)

var _ log.Logger = Logger{}

type Logger struct{ L *stdslog.Logger }

func New(h stdslog.Handler) Logger {
	return Logger{L: stdslog.New(h).With("component", "cobase")}
}

func (s Logger) Debug(msg string, f log.Fields) { s.log(stdslog.LevelDebug, msg, f) }
func (s Logger) Info(msg string, f log.Fields)  { s.log(stdslog.LevelInfo, msg, f) }
func (s Logger) Warn(msg string, f log.Fields)  { s.log(stdslog.LevelWarn, msg, f) }
func (s Logger) Error(msg string, f log.Fields) { s.log(stdslog.LevelError, msg, f) }

func (s Logger) log(lvl stdslog.Level, msg string, f log.Fields) {
	ctx := context.Background()
	if !s.L.Enabled(ctx, lvl) {
		return
	}
	s.L.LogAttrs(ctx, lvl, msg, attrs(f)...)
}

func attrs(f log.Fields) []stdslog.Attr {
	if len(f) == 0 {
		return nil
	}
	out := make([]stdslog.Attr, 0, len(f))
	for _, k := range f.Keys() {
		switch v := f[k].(type) {
		case error:
			out = append(out, stdslog.String(k, v.Error()))
		case log.Fields:
			out = append(out, stdslog.Attr{Key: k, Value: stdslog.GroupValue(attrs(v)...)})
		default:
			out = append(out, stdslog.Any(k, v))
		}
	}
	return out
}
