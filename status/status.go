// Package status defines the graded result codes shared by the archive
// session, its format drivers and the extraction engine.
//
// Codes are ordered: a larger value is a milder outcome. Callers compare
// against Warn to decide whether a run may continue.
package status

import (
	"errors"
	"fmt"
	"io"
)

type Code int

const (
	EOF    Code = 1
	OK     Code = 0
	Retry  Code = -10
	Warn   Code = -20
	Failed Code = -25
	Fatal  Code = -30
)

func (c Code) String() string {
	switch c {
	case EOF:
		return "eof"
	case OK:
		return "ok"
	case Retry:
		return "retry"
	case Warn:
		return "warn"
	case Failed:
		return "failed"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Aborts reports whether c is severe enough to stop an extraction run.
func (c Code) Aborts() bool { return c < Warn }

// Error is an error annotated with a severity code.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v (%s)", e.Err, e.Code)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func Warnf(op, format string, args ...any) *Error {
	return &Error{Code: Warn, Op: op, Err: fmt.Errorf(format, args...)}
}

func Failedf(op, format string, args ...any) *Error {
	return &Error{Code: Failed, Op: op, Err: fmt.Errorf(format, args...)}
}

func Fatalf(op, format string, args ...any) *Error {
	return &Error{Code: Fatal, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf maps err to a severity. Errors that carry no code are fatal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if errors.Is(err, io.EOF) {
		return EOF
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return Fatal
}

// Wrap attaches code to err unless err already carries one.
func Wrap(code Code, op string, err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Code: code, Op: op, Err: err}
}
