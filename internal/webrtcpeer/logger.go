package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLevelTrace sits below debug so pion's packet-level chatter stays off
// unless a handler explicitly enables it.
const slogLevelTrace = slog.LevelDebug - 4

type loggerFactory struct {
	logger *slog.Logger
}

// NewLoggerFactory adapts slog to pion's LoggerFactory. Every pion scope
// (ice, dtls, sctp, pc, ...) becomes a "scope" attribute.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return loggerFactory{logger: logger}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &scopedLogger{logger: f.logger.With("component", "pion", "scope", scope)}
}

type scopedLogger struct {
	logger *slog.Logger
}

var _ logging.LeveledLogger = (*scopedLogger)(nil)

func (l *scopedLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *scopedLogger) logf(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *scopedLogger) Trace(msg string) { l.log(slogLevelTrace, msg) }
func (l *scopedLogger) Tracef(format string, args ...interface{}) {
	l.logf(slogLevelTrace, format, args...)
}
func (l *scopedLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *scopedLogger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l *scopedLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *scopedLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}
func (l *scopedLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *scopedLogger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}
func (l *scopedLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *scopedLogger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}
