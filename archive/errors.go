package archive

import (
	"errors"
	"fmt"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/compress"
	"github.com/islishude/goarchive/internal/format"
)

var (
	ErrInit                 = errors.New("archive: cannot initialize session")
	ErrOpen                 = errors.New("archive: cannot open")
	ErrInvalidFilter        = errors.New("archive: invalid filter")
	ErrInvalidFormat        = errors.New("archive: invalid format")
	ErrUnsupportedDirection = errors.New("archive: unsupported in this direction")
	ErrTransfer             = errors.New("archive: data transfer failed")
	ErrState                = errors.New("archive: operation not allowed in this state")

	// ErrType is returned when an entry field is rejected.
	ErrType = entry.ErrType
)

// OpenError reports a failed Open. It matches both ErrOpen and the
// underlying cause.
type OpenError struct {
	Target string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("archive: open %s: %v", e.Target, e.Err)
}

func (e *OpenError) Unwrap() []error { return []error{ErrOpen, e.Err} }

// TransferError reports a failed block copy during extraction.
type TransferError struct {
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("archive: transfer %s: %v", e.Path, e.Err)
}

func (e *TransferError) Unwrap() []error { return []error{ErrTransfer, e.Err} }

// configError maps a driver validation error onto the session sentinels.
func configError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, compress.ErrReadOnly), errors.Is(err, format.ErrReadOnly):
		return fmt.Errorf("%w: %w", ErrUnsupportedDirection, err)
	case errors.Is(err, compress.ErrUnknown), errors.Is(err, compress.ErrProgramRequired):
		return fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	case errors.Is(err, format.ErrUnknown), errors.Is(err, format.ErrNotImplemented):
		return fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	default:
		return err
	}
}

func stateError(op string, s State) error {
	return fmt.Errorf("%w: %s while %s", ErrState, op, s)
}
