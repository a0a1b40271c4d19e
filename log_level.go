// Package ftpserver provides all the tools to build your own FTP server: The core library and the driver.
package ftpserver

import (
	"strings"

	log "github.com/fclairamb/go-log"
)

// logLevel orders the verbosity levels Settings.LogLevel understands.
type logLevel int

const (
	logLevelDebug logLevel = iota
	logLevelInfo
	logLevelWarn
	logLevelError
	logLevelNone
)

func parseLogLevel(s string) logLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logLevelDebug
	case "warn", "warning":
		return logLevelWarn
	case "error":
		return logLevelError
	case "none", "off":
		return logLevelNone
	default:
		return logLevelInfo
	}
}

// levelFilterLogger drops events below a configured minimum level before forwarding to the
// wrapped Logger, the same role go-kit/log/level plays for the gokit-backed adapter in
// log/gokit, adapted here to the go-log.Logger interface server.go actually consumes.
type levelFilterLogger struct {
	next log.Logger
	min  logLevel
}

// newLevelFilterLogger wraps next so that only events at or above min are forwarded.
func newLevelFilterLogger(min logLevel, next log.Logger) log.Logger {
	return &levelFilterLogger{next: next, min: min}
}

func (l *levelFilterLogger) Debug(event string, keyvals ...interface{}) {
	if l.min <= logLevelDebug {
		l.next.Debug(event, keyvals...)
	}
}

func (l *levelFilterLogger) Info(event string, keyvals ...interface{}) {
	if l.min <= logLevelInfo {
		l.next.Info(event, keyvals...)
	}
}

func (l *levelFilterLogger) Warn(event string, keyvals ...interface{}) {
	if l.min <= logLevelWarn {
		l.next.Warn(event, keyvals...)
	}
}

func (l *levelFilterLogger) Error(event string, keyvals ...interface{}) {
	if l.min <= logLevelError {
		l.next.Error(event, keyvals...)
	}
}

func (l *levelFilterLogger) With(keyvals ...interface{}) log.Logger {
	return &levelFilterLogger{next: l.next.With(keyvals...), min: l.min}
}
