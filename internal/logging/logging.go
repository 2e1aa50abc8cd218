// Package logging provides a thin, prefix-tagged wrapper over the standard
// library logger, matching the plain log.Println style used throughout the
// proxy core's startup and connection-lifecycle paths.
package logging

import (
	"log"
	"os"
)

// Logger is a component-scoped logger. The zero value is unusable; use New.
type Logger struct {
	prefix string
	std    *log.Logger
}

var base = log.New(os.Stderr, "", log.LstdFlags)

// New returns a Logger that tags every line with "[component] ".
func New(component string) *Logger {
	return &Logger{prefix: "[" + component + "] ", std: base}
}

func (l *Logger) Printf(format string, args ...any) {
	l.std.Printf(l.prefix+format, args...)
}

func (l *Logger) Println(args ...any) {
	all := append([]any{l.prefix[:len(l.prefix)-1]}, args...)
	l.std.Println(all...)
}

// Warn logs a per-connection error without propagating it: connection
// errors are logged and discarded rather than torn down to the caller.
func (l *Logger) Warn(op string, err error) {
	l.std.Printf("%sWARN %s: %v", l.prefix, op, err)
}
