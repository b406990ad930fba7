// Package zap adapts a zap.Logger to log.Logger.
package zap

import (
	"github.com/DoctorEvidence/cobase/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ log.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New names l "cobase" so store and peer lines can be filtered together.
func New(l *zap.Logger) Logger { return Logger{L: l.Named("cobase")} }

func (z Logger) Debug(msg string, f log.Fields) { z.log(zapcore.DebugLevel, msg, f) }
func (z Logger) Info(msg string, f log.Fields)  { z.log(zapcore.InfoLevel, msg, f) }
func (z Logger) Warn(msg string, f log.Fields)  { z.log(zapcore.WarnLevel, msg, f) }
func (z Logger) Error(msg string, f log.Fields) { z.log(zapcore.ErrorLevel, msg, f) }

func (z Logger) log(lvl zapcore.Level, msg string, f log.Fields) {
	ce := z.L.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(fields(f)...)
}

func fields(f log.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for _, k := range f.Keys() {
		switch v := f[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		case log.Fields:
			out = append(out, zap.Object(k, object(v)))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

// object encodes nested fields as a zap object.
type object log.Fields

func (o object) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for _, f := range fields(log.Fields(o)) {
		f.AddTo(enc)
	}
	return nil
}
