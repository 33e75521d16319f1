package format

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/status"
)

func bidZip(peek []byte) int {
	if bytes.HasPrefix(peek, []byte("PK\x03\x04")) || bytes.HasPrefix(peek, []byte("PK\x05\x06")) {
		return 30
	}
	return 0
}

type zipReader struct {
	zr  *zip.Reader
	idx int
	cur io.ReadCloser
	// curErr is returned by Read when the entry could not be opened.
	curErr error
}

// newZipReader needs the central directory, so a stream that is not random
// access is buffered in memory first.
func newZipReader(src Source) (Reader, error) {
	at, size := src.At, src.Size
	if at == nil {
		b, err := io.ReadAll(src.R)
		if err != nil {
			return nil, err
		}
		at, size = bytes.NewReader(b), int64(len(b))
	}
	zr, err := zip.NewReader(at, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, status.Fatalf("zip", "%w", err)
	}
	zr.RegisterDecompressor(zip.Deflate, flate.NewReader)
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	return &zipReader{zr: zr}, nil
}

func (r *zipReader) Format() ID { return Zip }

func (r *zipReader) Next(e *entry.Entry) error {
	r.closeCurrent()
	if r.idx >= len(r.zr.File) {
		return io.EOF
	}
	f := r.zr.File[r.idx]
	r.idx++

	mode := f.Mode()
	if err := e.SetPathname(f.Name); err != nil {
		return status.Wrap(status.Warn, "zip", err)
	}
	t := entry.TypeFromFileMode(mode)
	if t == 0 {
		t = entry.TypeRegular
	}
	if strings.HasSuffix(f.Name, "/") {
		t = entry.TypeDir
	}
	_ = e.SetFiletype(t)
	_ = e.SetPerm(entry.PermFromMode(mode))
	e.ModTime = f.Modified

	rc, err := f.Open()
	if err != nil {
		if errors.Is(err, zip.ErrAlgorithm) {
			_ = e.SetSize(int64(f.UncompressedSize64))
			r.curErr = status.Failedf("zip", "%s: unsupported compression method %d", f.Name, f.Method)
			return status.Warnf("zip", "%s: unsupported compression method %d", f.Name, f.Method)
		}
		return status.Wrap(status.Fatal, "zip", err)
	}
	switch t {
	case entry.TypeSymlink:
		target, err := io.ReadAll(io.LimitReader(rc, 4096))
		_ = rc.Close()
		if err != nil {
			return status.Wrap(status.Failed, "zip", err)
		}
		e.Symlink = string(target)
		_ = e.SetSize(0)
	case entry.TypeDir:
		_ = rc.Close()
		_ = e.SetSize(0)
	default:
		r.cur = rc
		_ = e.SetSize(int64(f.UncompressedSize64))
	}
	return nil
}

func (r *zipReader) Read(p []byte) (int, error) {
	if r.curErr != nil {
		return 0, r.curErr
	}
	if r.cur == nil {
		return 0, io.EOF
	}
	n, err := r.cur.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, status.Wrap(status.Failed, "zip", err)
	}
	return n, err
}

func (r *zipReader) closeCurrent() {
	if r.cur != nil {
		_ = r.cur.Close()
	}
	r.cur, r.curErr = nil, nil
}

type zipWriter struct {
	zw  *zip.Writer
	cur io.Writer
}

func newZipWriter(w io.Writer, _ ID) (Writer, error) {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
	return &zipWriter{zw: zw}, nil
}

func (w *zipWriter) WriteHeader(e *entry.Entry) error {
	w.cur = nil
	fh := &zip.FileHeader{
		Name:     e.Pathname(),
		Method:   zip.Deflate,
		Modified: e.ModTime,
	}
	fh.SetMode(e.Mode())
	switch e.Filetype() {
	case entry.TypeRegular:
		if e.SizeIsSet() {
			fh.UncompressedSize64 = uint64(e.Size())
		}
	case entry.TypeDir:
		if !strings.HasSuffix(fh.Name, "/") {
			fh.Name += "/"
		}
		fh.Method = zip.Store
	case entry.TypeSymlink:
		fh.Method = zip.Store
	default:
		return status.Failedf("zip", "%s: %s entries are not supported", e.Pathname(), e.Filetype())
	}
	fw, err := w.zw.CreateHeader(fh)
	if err != nil {
		return status.Wrap(status.Failed, "zip", err)
	}
	switch e.Filetype() {
	case entry.TypeSymlink:
		if _, err := io.WriteString(fw, e.Symlink); err != nil {
			return status.Wrap(status.Fatal, "zip", err)
		}
	case entry.TypeRegular:
		w.cur = fw
	}
	return nil
}

func (w *zipWriter) Write(p []byte) (int, error) {
	if w.cur == nil {
		return 0, fmt.Errorf("zip: %w", ErrTooLong)
	}
	return w.cur.Write(p)
}

func (w *zipWriter) Close() error {
	return w.zw.Close()
}
