package format

import (
	"bufio"
	"io"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/status"
)

// rawName is the pathname given to the single entry of a raw stream.
const rawName = "data"

// bidRaw accepts anything, with the lowest possible confidence.
func bidRaw([]byte) int { return 1 }

type rawReader struct {
	r    *bufio.Reader
	done bool
}

func newRawReader(src Source) (Reader, error) {
	return &rawReader{r: src.R}, nil
}

func (r *rawReader) Format() ID { return Raw }

func (r *rawReader) Next(e *entry.Entry) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	_ = e.SetPathname(rawName)
	_ = e.SetFiletype(entry.TypeRegular)
	_ = e.SetPerm(0o644)
	e.UnsetSize()
	return nil
}

func (r *rawReader) Read(p []byte) (int, error) {
	if !r.done {
		return 0, io.EOF
	}
	return r.r.Read(p)
}

type rawWriter struct {
	w       io.Writer
	entries int
}

func newRawWriter(w io.Writer, _ ID) (Writer, error) {
	return &rawWriter{w: w}, nil
}

func (w *rawWriter) WriteHeader(e *entry.Entry) error {
	if e.Filetype() != entry.TypeRegular {
		return status.Failedf("raw", "raw format only supports regular files")
	}
	if w.entries > 0 {
		return status.Failedf("raw", "raw format only supports one entry per archive")
	}
	w.entries++
	return nil
}

func (w *rawWriter) Write(p []byte) (int, error) {
	if w.entries == 0 {
		return 0, ErrTooLong
	}
	return w.w.Write(p)
}

func (w *rawWriter) Close() error { return nil }
