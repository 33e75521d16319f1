package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/format"
	"github.com/islishude/goarchive/status"
)

// addFileChunk is the copy buffer size used by AddFile.
const addFileChunk = 8192

func (a *Archive) requireWrite(op string) error {
	if a.mode != Write {
		return status.New(status.Fatal, op, ErrUnsupportedDirection)
	}
	if a.state != StateOpened {
		return status.New(status.Fatal, op, stateError(op, a.state))
	}
	return nil
}

// WriteHeader starts a new entry. The file type and permission must be set.
// A warning means the entry was written with some attributes dropped, or
// that the format skips it; its data is then discarded.
func (a *Archive) WriteHeader(e *entry.Entry) error {
	if err := a.requireWrite("write header"); err != nil {
		return err
	}
	a.inEntry = false
	if err := e.Validate(); err != nil {
		return status.New(status.Failed, "write header", err)
	}
	err := a.wr.WriteHeader(e)
	if status.CodeOf(err).Aborts() {
		return status.Wrap(status.Fatal, "write header", err)
	}
	a.inEntry = true
	return err
}

// WriteData appends p to the current entry.
func (a *Archive) WriteData(p []byte) (int, error) {
	if err := a.requireWrite("write data"); err != nil {
		return 0, err
	}
	if !a.inEntry {
		return 0, status.New(status.Failed, "write data", fmt.Errorf("%w: no entry header written", ErrState))
	}
	n, err := a.wr.Write(p)
	switch {
	case err == nil:
	case errors.Is(err, format.ErrTooLong):
		return n, status.New(status.Failed, "write data", err)
	default:
		return n, status.Wrap(status.Fatal, "write data", err)
	}
	return n, nil
}

// AddFile stores the regular file at path as one entry named path.
func (a *Archive) AddFile(path string) (err error) {
	if err := a.requireWrite("add file"); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return status.New(status.Failed, "add file", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = status.New(status.Failed, "add file", cerr)
		}
	}()
	fi, err := f.Stat()
	if err != nil {
		return status.New(status.Failed, "add file", err)
	}
	if !fi.Mode().IsRegular() {
		return status.Failedf("add file", "%s: not a regular file", path)
	}
	e := entry.New()
	if err := e.SetPathname(filepath.ToSlash(path)); err != nil {
		return status.New(status.Failed, "add file", err)
	}
	_ = e.SetFiletype(entry.TypeRegular)
	_ = e.SetPerm(entry.PermFromMode(fi.Mode()))
	_ = e.SetSize(fi.Size())
	e.ModTime = fi.ModTime()

	hdrErr := a.WriteHeader(e)
	if status.CodeOf(hdrErr).Aborts() {
		return hdrErr
	}
	buf := make([]byte, addFileChunk)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := a.WriteData(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return status.New(status.Failed, "add file", rerr)
		}
	}
	return hdrErr
}
