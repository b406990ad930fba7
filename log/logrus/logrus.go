// Package logrus adapts a logrus entry to log.Logger.
package logrus

import (
	"github.com/DoctorEvidence/cobase/log"
	"github.com/sirupsen/logrus"
)

var _ log.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "cobase")}
}

func (l Logger) Debug(msg string, f log.Fields) { l.log(logrus.DebugLevel, msg, f) }
func (l Logger) Info(msg string, f log.Fields)  { l.log(logrus.InfoLevel, msg, f) }
func (l Logger) Warn(msg string, f log.Fields)  { l.log(logrus.WarnLevel, msg, f) }
func (l Logger) Error(msg string, f log.Fields) { l.log(logrus.ErrorLevel, msg, f) }

func (l Logger) log(lvl logrus.Level, msg string, f log.Fields) {
	if !l.E.Logger.IsLevelEnabled(lvl) {
		return
	}
	e := l.E
	if len(f) > 0 {
		lf := make(logrus.Fields, len(f))
		for k, v := range f {
			if err, ok := v.(error); ok && k == "err" {
				// logrus renders logrus.ErrorKey specially
				lf[logrus.ErrorKey] = err
				continue
			}
			lf[k] = v
		}
		e = e.WithFields(lf)
	}
	e.Log(lvl, msg)
}
