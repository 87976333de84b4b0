// Package logger builds the process logger and bridges pion's internal
// logging into it.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// New returns a logrus logger writing to stderr at the given level.
// format is "text" or "json".
func New(level, format string) *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Level = Level(level)
	if strings.EqualFold(format, "json") {
		l.Formatter = &logrus.JSONFormatter{}
	} else {
		l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	}
	return l
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func Level(l string) logrus.Level {
	switch strings.ToLower(l) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// PionFactory adapts a logrus logger to pion's LoggerFactory. Pion is chatty,
// so its scopes are demoted by one level relative to ours.
type PionFactory struct {
	Logger *logrus.Logger
}

func (f PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{entry: f.Logger.WithFields(logrus.Fields{
		"component": "pion",
		"scope":     scope,
	})}
}

type pionLogger struct {
	entry *logrus.Entry
}

func (l *pionLogger) Trace(msg string)                          { l.entry.Trace(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.entry.Trace(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.entry.Debug(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.entry.Debugf(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
