package archive

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/format"
	"github.com/islishude/goarchive/status"
)

// Block is one chunk of entry data and its offset within the entry.
type Block struct {
	Data   []byte
	Offset int64
}

func (a *Archive) requireRead(op string) error {
	if a.mode != Read {
		return status.New(status.Fatal, op, ErrUnsupportedDirection)
	}
	if a.state != StateOpened {
		return status.New(status.Fatal, op, stateError(op, a.state))
	}
	return a.fatal
}

// NextHeader advances to the next entry. The returned entry is owned by the
// session and is reset by the following call; use Clone to keep it. At the
// end of the archive it returns io.EOF.
//
// A warning-level error comes with a usable entry. A Failed error means the
// entry should be skipped, and a Fatal one ends the session.
func (a *Archive) NextHeader() (*entry.Entry, error) {
	if err := a.requireRead("next header"); err != nil {
		return nil, err
	}
	if a.eof {
		return nil, io.EOF
	}
	if a.rd == nil {
		rd, err := format.NewReader(a.src, a.formats)
		if err != nil {
			return nil, a.setFatal(status.Wrap(status.Fatal, "detect format", err))
		}
		a.rd = rd
		a.log.Debug("format detected", zap.Stringer("format", rd.Format()))
	}
	a.cur.Clear()
	a.offset = 0
	a.inEntry = false
	err := a.rd.Next(a.cur)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		a.eof = true
		return nil, io.EOF
	case status.CodeOf(err) <= status.Fatal:
		return nil, a.setFatal(status.Wrap(status.Fatal, "next header", err))
	}
	a.inEntry = true
	return a.cur, err
}

func (a *Archive) setFatal(err error) error {
	a.fatal = err
	return err
}

// ReadData reads the data of the current entry. It returns io.EOF at the end
// of the entry.
func (a *Archive) ReadData(p []byte) (int, error) {
	if err := a.requireRead("read data"); err != nil {
		return 0, err
	}
	if !a.inEntry {
		return 0, io.EOF
	}
	n, err := a.rd.Read(p)
	a.offset += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		err = status.Wrap(status.Fatal, "read data", err)
		if status.CodeOf(err) <= status.Fatal {
			a.setFatal(err)
		}
	}
	return n, err
}

// ReadDataBlock returns the next chunk of the current entry, at most the
// session block size long. The returned data is valid until the next call.
func (a *Archive) ReadDataBlock() (Block, error) {
	if a.block == nil {
		a.block = make([]byte, a.blockSize)
	}
	for {
		off := a.offset
		n, err := a.ReadData(a.block)
		if n > 0 {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return Block{Data: a.block[:n], Offset: off}, err
		}
		if err != nil {
			return Block{Offset: off}, err
		}
	}
}

// SkipData discards the rest of the current entry.
func (a *Archive) SkipData() error {
	if err := a.requireRead("skip data"); err != nil {
		return err
	}
	if !a.inEntry {
		return nil
	}
	_, err := io.Copy(io.Discard, readerFunc(a.ReadData))
	return err
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
