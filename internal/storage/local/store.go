// Package local opens archive targets on the local filesystem and the
// standard streams.
package local

import (
	"fmt"
	"io"
	"os"

	"github.com/islishude/goarchive/internal/locator"
)

type Store struct{}

type Metadata struct {
	Size int64
}

// OpenReader opens ref for reading. A regular file is returned as *os.File
// so callers can use it as an io.ReaderAt; standard input is not closed.
func (s Store) OpenReader(ref locator.Ref) (io.ReadCloser, Metadata, error) {
	switch ref.Kind {
	case locator.KindLocal:
		f, err := os.Open(ref.Path)
		if err != nil {
			return nil, Metadata{}, err
		}
		st, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, Metadata{}, err
		}
		if st.IsDir() {
			_ = f.Close()
			return nil, Metadata{}, fmt.Errorf("%s is a directory", ref.Path)
		}
		if !st.Mode().IsRegular() {
			// Pipes and devices are read as plain streams.
			return struct{ io.ReadCloser }{f}, Metadata{}, nil
		}
		return f, Metadata{Size: st.Size()}, nil
	case locator.KindStdio:
		return io.NopCloser(os.Stdin), Metadata{}, nil
	default:
		return nil, Metadata{}, fmt.Errorf("unsupported local archive ref kind %s", ref.Kind)
	}
}

// OpenWriter creates or truncates ref. Standard output is not closed.
func (s Store) OpenWriter(ref locator.Ref) (io.WriteCloser, error) {
	switch ref.Kind {
	case locator.KindLocal:
		return os.Create(ref.Path)
	case locator.KindStdio:
		return nopWriteCloser{w: os.Stdout}, nil
	default:
		return nil, fmt.Errorf("unsupported local archive ref kind %s", ref.Kind)
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (nopWriteCloser) Close() error                  { return nil }
