// Package corelog defines a Logger adapter interface so that the core
// packages do not depend on a concrete logging library directly.
//
// Grounded on dexidp/dex's pkg/log package (Logger interface +
// LogrusLogger adapter): the same split, narrowed to the methods this
// core actually calls.
package corelog

import "github.com/sirupsen/logrus"

// Logger is implemented by whatever logging library the embedding process
// chooses. Only the adapter in this file and cmd/idpd import logrus
// directly.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithField returns a Logger that attaches key=value to every
	// subsequent log line; the HTTP edge uses it to tag each request's
	// log line with the route name and response status.
	WithField(key string, value interface{}) Logger
}

// LogrusLogger adapts a logrus.FieldLogger to the Logger interface.
type LogrusLogger struct {
	entry logrus.FieldLogger
}

// NewLogrusLogger wraps a logrus.FieldLogger.
func NewLogrusLogger(entry logrus.FieldLogger) *LogrusLogger {
	return &LogrusLogger{entry: entry}
}

func (l *LogrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *LogrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *LogrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *LogrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *LogrusLogger) WithField(key string, value interface{}) Logger {
	return &LogrusLogger{entry: l.entry.WithField(key, value)}
}

// Nop is a Logger that discards everything, used in tests that don't care
// about log output.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}
func (Nop) WithField(string, interface{}) Logger { return Nop{} }
