package microthread

import (
	"fmt"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the narrow logging surface this package needs. It's
// satisfied by the stumpy-backed adapter NewDefaultLogger returns, or
// by any adapter an embedder wants to provide.
type Logger interface {
	Errf(format string, args ...interface{})
	Noticef(format string, args ...interface{})
}

// stumpyLogger adapts a logiface.Logger[*stumpy.Event] (the pack's
// JSON logger backend) to the narrow Logger interface above.
type stumpyLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

func (s stumpyLogger) Errf(format string, args ...interface{}) {
	s.l.Err().Log(fmt.Sprintf(format, args...))
}

func (s stumpyLogger) Noticef(format string, args ...interface{}) {
	s.l.Notice().Log(fmt.Sprintf(format, args...))
}

// NewDefaultLogger builds the structured logger every constructor
// falls back to when the caller doesn't supply one: a stumpy JSON
// logger writing to stderr, the ambient-logging choice recorded in
// SPEC_FULL.md (the teacher itself carries no logging dependency).
func NewDefaultLogger() Logger {
	return stumpyLogger{
		l: stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		),
	}
}

// noopLogger discards everything; useful in tests that don't want
// stderr noise from expected invariant-violation paths.
type noopLogger struct{}

func (noopLogger) Errf(string, ...interface{})    {}
func (noopLogger) Noticef(string, ...interface{}) {}
