package internal

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	With(args ...any) Logger
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)  {}
func (nopLogger) Infof(string, ...any)   {}
func (nopLogger) Warnf(string, ...any)   {}
func (nopLogger) Errorf(string, ...any)  {}
func (n nopLogger) With(...any) Logger   { return n }

func NopLogger() Logger {
	return nopLogger{}
}

// ConsoleLogger adapts a hclog.Logger to the Debugf/Infof/Warnf/Errorf shape
// the session, registry and client packages log through.
type ConsoleLogger struct {
	hl hclog.Logger
}

// NewConsoleLogger returns a leveled, field-structured logger suitable for a
// library embedded in a long-running gateway process.
func NewConsoleLogger() Logger {
	return &ConsoleLogger{
		hl: hclog.New(&hclog.LoggerOptions{
			Name:   "goeip",
			Level:  hclog.Info,
			Output: os.Stderr,
		}),
	}
}

// NewConsoleLoggerLevel returns a ConsoleLogger at an explicit hclog level,
// e.g. hclog.Debug for verbose wire tracing.
func NewConsoleLoggerLevel(level hclog.Level) Logger {
	return &ConsoleLogger{
		hl: hclog.New(&hclog.LoggerOptions{
			Name:   "goeip",
			Level:  level,
			Output: os.Stderr,
		}),
	}
}

func wrap(hl hclog.Logger) Logger {
	return &ConsoleLogger{hl: hl}
}

func (l *ConsoleLogger) Debugf(format string, args ...any) {
	l.hl.Debug(sprintf(format, args...))
}

func (l *ConsoleLogger) Infof(format string, args ...any) {
	l.hl.Info(sprintf(format, args...))
}

func (l *ConsoleLogger) Warnf(format string, args ...any) {
	l.hl.Warn(sprintf(format, args...))
}

func (l *ConsoleLogger) Errorf(format string, args ...any) {
	l.hl.Error(sprintf(format, args...))
}

// With returns a child logger carrying the given key/value pairs on every
// subsequent call, e.g. logger.With("session.handle", h).
func (l *ConsoleLogger) With(args ...any) Logger {
	return wrap(l.hl.With(args...))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
