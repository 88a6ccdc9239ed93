package slogger

// DevNullLogger discards all log output. It is the default for components
// constructed without a logger and keeps tests quiet.
type DevNullLogger struct{}

// NewDevNullLogger returns a logger that discards everything.
func NewDevNullLogger() *DevNullLogger {
	return &DevNullLogger{}
}

func (l *DevNullLogger) Debug(msg string, keysAndValues ...any) {}

func (l *DevNullLogger) Info(msg string, keysAndValues ...any) {}

func (l *DevNullLogger) Warn(msg string, keysAndValues ...any) {}

func (l *DevNullLogger) Error(msg string, keysAndValues ...any) {}

func (l *DevNullLogger) With(keysAndValues ...any) Logger { return l }
