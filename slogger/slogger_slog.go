package slogger

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// DefaultLogLevel is the level used when none is configured.
var DefaultLogLevel = LevelInfo

// LogLevel represents the minimum log level.
type LogLevel slog.Level

// Available log levels
const (
	LevelDebug LogLevel = LogLevel(slog.LevelDebug)
	LevelInfo  LogLevel = LogLevel(slog.LevelInfo)
	LevelWarn  LogLevel = LogLevel(slog.LevelWarn)
	LevelError LogLevel = LogLevel(slog.LevelError)
)

// Slogger implements the Logger interface using slog.
type Slogger struct {
	logger *slog.Logger
}

// New returns a Slogger writing colorized output to stdout. Color is disabled
// when stdout is not a terminal.
func New(level LogLevel) *Slogger {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		TimeFormat: time.Kitchen,
		Level:      slog.Level(level),
	})
	return &Slogger{logger: slog.New(handler)}
}

func (l *Slogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) With(keysAndValues ...any) Logger {
	return &Slogger{logger: l.logger.With(keysAndValues...)}
}

func withCaller(keysAndValues ...any) []any {
	const callerSkip = 2 // skip withCaller and the logging method
	if _, file, line, ok := runtime.Caller(callerSkip); ok {
		return append([]any{"caller", formatCaller(file, line)}, keysAndValues...)
	}
	return keysAndValues
}

func formatCaller(file string, line int) string {
	// Keep the last two path components for readability.
	parts := strings.Split(file, "/")
	switch len(parts) {
	case 0:
		return "unknown"
	case 1:
		return fmt.Sprintf("%s:%d", parts[0], line)
	default:
		return fmt.Sprintf("%s/%s:%d", parts[len(parts)-2], parts[len(parts)-1], line)
	}
}
