package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below slog's debug level so pion's trace output stays
// hidden unless explicitly enabled.
const LevelTrace = slog.LevelDebug - 4

type loggerFactory struct {
	base *slog.Logger
}

// NewLoggerFactory routes pion's internal logging into base, tagging each
// record with the pion scope (ice, dtls, sctp, ...).
func NewLoggerFactory(base *slog.Logger) logging.LoggerFactory {
	return loggerFactory{base: base}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{l: f.base.With("component", "pion", "scope", scope)}
}

type leveledLogger struct {
	l *slog.Logger
}

func (l leveledLogger) log(level slog.Level, msg string) {
	l.l.Log(context.Background(), level, msg)
}

func (l leveledLogger) logf(level slog.Level, format string, args ...interface{}) {
	if !l.l.Enabled(context.Background(), level) {
		return
	}
	l.l.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l leveledLogger) Trace(msg string) { l.log(LevelTrace, msg) }
func (l leveledLogger) Tracef(format string, args ...interface{}) {
	l.logf(LevelTrace, format, args...)
}
func (l leveledLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l leveledLogger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l leveledLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l leveledLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}
func (l leveledLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l leveledLogger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}
func (l leveledLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l leveledLogger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}
