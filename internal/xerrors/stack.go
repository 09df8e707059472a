package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries a full call stack captured where the error was created.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// stackTracer is what the logger looks for when rendering a stack.
type stackTracer interface {
	StackPCs() []uintptr
}

// callers skips runtime.Callers and itself plus skip frames.
func callers(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func stack(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: callers(skip + 1)}
}

// WithStack attaches the caller's stack to err.
func WithStack(err error) error { return stack(err, 1) }

// EnsureTrace attaches a stack unless one is already present somewhere in the chain.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var st stackTracer
	if errors.As(err, &st) && st != nil && len(st.StackPCs()) > 0 {
		return err
	}
	return stack(err, 1)
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return stack(errors.New(msg), 1) }

// Newf is New with formatting. %w is honoured.
func Newf(format string, args ...any) error { return stack(fmt.Errorf(format, args...), 1) }
