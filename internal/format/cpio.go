package format

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/status"
)

const (
	cpioOdcMagic   = "070707"
	cpioNewcMagic  = "070701"
	cpioCrcMagic   = "070702"
	cpioOdcHeader  = 76
	cpioNewcHeader = 110
	cpioTrailer    = "TRAILER!!!"
	cpioMaxLink    = 4096
)

func bidCpio(peek []byte) int {
	switch {
	case bytes.HasPrefix(peek, []byte(cpioOdcMagic)),
		bytes.HasPrefix(peek, []byte(cpioNewcMagic)),
		bytes.HasPrefix(peek, []byte(cpioCrcMagic)):
		return 48
	}
	return 0
}

type cpioReader struct {
	r      *bufio.Reader
	remain int64
	// pad is the alignment skipped after the current body.
	pad int64
}

func newCpioReader(src Source) (Reader, error) {
	return &cpioReader{r: src.R}, nil
}

func (r *cpioReader) Format() ID { return Cpio }

func (r *cpioReader) Read(p []byte) (int, error) {
	if r.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.r.Read(p)
	r.remain -= int64(n)
	if err == io.EOF && r.remain > 0 {
		return n, status.Fatalf("cpio", "truncated entry data")
	}
	return n, err
}

func (r *cpioReader) Next(e *entry.Entry) error {
	if err := discard(r.r, r.remain+r.pad); err != nil {
		return status.Wrap(status.Fatal, "cpio", err)
	}
	r.remain, r.pad = 0, 0

	magic, err := r.r.Peek(6)
	if err != nil {
		if len(magic) == 0 && err == io.EOF {
			return status.Fatalf("cpio", "missing trailer")
		}
		return status.Wrap(status.Fatal, "cpio", err)
	}
	var h cpioHeader
	switch string(magic) {
	case cpioOdcMagic:
		err = r.readOdc(&h)
	case cpioNewcMagic, cpioCrcMagic:
		err = r.readNewc(&h)
	default:
		return status.Fatalf("cpio", "bad header magic %q", magic)
	}
	if err == nil {
		err = h.check()
	}
	if err != nil {
		return status.Wrap(status.Fatal, "cpio", err)
	}
	if h.name == cpioTrailer {
		return io.EOF
	}
	r.remain = h.size
	return r.fill(e, &h)
}

type cpioHeader struct {
	name       string
	mode       uint32
	uid, gid   int
	mtime      int64
	size       int64
	devmajor   int64
	devminor   int64
	headerSize int64
}

func (h *cpioHeader) check() error {
	switch {
	case h.size < 0:
		return fmt.Errorf("%s: negative file size %d", h.name, h.size)
	case h.uid < 0 || h.gid < 0:
		return fmt.Errorf("%s: negative owner %d:%d", h.name, h.uid, h.gid)
	}
	return nil
}

func (r *cpioReader) readOdc(h *cpioHeader) error {
	var raw [cpioOdcHeader]byte
	if _, err := io.ReadFull(r.r, raw[:]); err != nil {
		return err
	}
	f := fieldParser{buf: raw[6:], base: 8}
	f.skip(6) // dev
	f.skip(6) // ino
	h.mode = uint32(f.next(6))
	h.uid = int(f.next(6))
	h.gid = int(f.next(6))
	f.skip(6) // nlink
	rdev := f.next(6)
	h.mtime = f.next(11)
	namesize := f.next(6)
	h.size = f.next(11)
	if f.err != nil {
		return f.err
	}
	h.devmajor, h.devminor = rdev>>8, rdev&0xff
	name, err := r.readName(namesize)
	if err != nil {
		return err
	}
	h.name = name
	return nil
}

func (r *cpioReader) readNewc(h *cpioHeader) error {
	var raw [cpioNewcHeader]byte
	if _, err := io.ReadFull(r.r, raw[:]); err != nil {
		return err
	}
	f := fieldParser{buf: raw[6:], base: 16}
	f.skip(8) // ino
	h.mode = uint32(f.next(8))
	h.uid = int(f.next(8))
	h.gid = int(f.next(8))
	f.skip(8) // nlink
	h.mtime = f.next(8)
	h.size = f.next(8)
	f.skip(8) // devmajor
	f.skip(8) // devminor
	h.devmajor = f.next(8)
	h.devminor = f.next(8)
	namesize := f.next(8)
	if f.err != nil {
		return f.err
	}
	name, err := r.readName(namesize)
	if err != nil {
		return err
	}
	h.name = name
	if err := discard(r.r, pad4(cpioNewcHeader+namesize)); err != nil {
		return err
	}
	r.pad = pad4(h.size)
	return nil
}

func (r *cpioReader) readName(size int64) (string, error) {
	if size <= 0 || size > 1<<20 {
		return "", fmt.Errorf("bad name size %d", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(b, "\x00")), nil
}

func (r *cpioReader) fill(e *entry.Entry, h *cpioHeader) error {
	if err := e.SetPathname(h.name); err != nil {
		return status.Wrap(status.Warn, "cpio", err)
	}
	t := entry.TypeFromMode(h.mode)
	if !t.Valid() {
		t = entry.TypeRegular
	}
	_ = e.SetFiletype(t)
	_ = e.SetPerm(h.mode & entry.PermMask)
	e.Uid, e.Gid = h.uid, h.gid
	e.ModTime = time.Unix(h.mtime, 0)
	if t == entry.TypeChar || t == entry.TypeBlock {
		e.DevMajor, e.DevMinor = h.devmajor, h.devminor
	}
	if t == entry.TypeSymlink {
		if h.size > cpioMaxLink {
			return status.Failedf("cpio", "%s: symlink target of %d bytes is too long", h.name, h.size)
		}
		target := make([]byte, h.size)
		if _, err := io.ReadFull(r, target); err != nil {
			return status.Wrap(status.Fatal, "cpio", err)
		}
		e.Symlink = string(target)
		return e.SetSize(0)
	}
	return e.SetSize(h.size)
}

func pad4(n int64) int64 { return (4 - n%4) % 4 }

// fieldParser reads consecutive fixed-width numeric fields.
type fieldParser struct {
	buf  []byte
	base int
	err  error
}

func (f *fieldParser) skip(n int) {
	if len(f.buf) >= n {
		f.buf = f.buf[n:]
	}
}

func (f *fieldParser) next(n int) int64 {
	if f.err != nil || len(f.buf) < n {
		return 0
	}
	field := string(bytes.TrimSpace(bytes.TrimRight(f.buf[:n], "\x00")))
	f.buf = f.buf[n:]
	if field == "" {
		return 0
	}
	v, err := strconv.ParseInt(field, f.base, 64)
	if err != nil {
		f.err = fmt.Errorf("bad header field %q", field)
	}
	return v
}

// cpioWriter emits the portable odc layout.
type cpioWriter struct {
	w    io.Writer
	body *sizedWriter
	ino  int64
}

func newCpioWriter(w io.Writer, _ ID) (Writer, error) {
	return &cpioWriter{w: w}, nil
}

const (
	maxOdc6  = 0o777777
	maxOdc11 = 0o77777777777
)

func (w *cpioWriter) WriteHeader(e *entry.Entry) error {
	if err := w.finish(); err != nil {
		return err
	}
	size := e.Size()
	var body []byte
	switch e.Filetype() {
	case entry.TypeRegular:
	case entry.TypeSymlink:
		body = []byte(e.Symlink)
		size = int64(len(body))
	default:
		size = 0
	}
	if size > maxOdc11 {
		return status.Failedf("cpio", "%s: file too large for odc", e.Pathname())
	}
	if e.Uid < 0 || e.Gid < 0 || e.Uid > maxOdc6 || e.Gid > maxOdc6 {
		return status.Failedf("cpio", "%s: uid/gid out of range for odc", e.Pathname())
	}
	if len(e.Pathname())+1 > maxOdc6 {
		return status.Failedf("cpio", "%s: name too long for odc", e.Pathname())
	}
	w.ino++
	rdev := e.DevMajor<<8 | e.DevMinor&0xff
	mtime := e.ModTime.Unix()
	if e.ModTime.IsZero() || mtime < 0 {
		mtime = 0
	}
	if err := w.writeRecord(e.Pathname(), int64(e.RawMode()), e.Uid, e.Gid, rdev, mtime, size); err != nil {
		return err
	}
	w.body = &sizedWriter{w: w.w, remain: size}
	if body != nil {
		if _, err := w.body.Write(body); err != nil {
			return status.Wrap(status.Fatal, "cpio", err)
		}
	}
	return nil
}

func (w *cpioWriter) writeRecord(name string, mode int64, uid, gid int, rdev, mtime, size int64) error {
	hdr := fmt.Sprintf("%s%06o%06o%06o%06o%06o%06o%06o%011o%06o%011o",
		cpioOdcMagic, 0, w.ino&maxOdc6, mode, uid, gid, 1, rdev&maxOdc6, mtime&maxOdc11, len(name)+1, size)
	if _, err := io.WriteString(w.w, hdr+name+"\x00"); err != nil {
		return status.Wrap(status.Fatal, "cpio", err)
	}
	return nil
}

func (w *cpioWriter) Write(p []byte) (int, error) {
	if w.body == nil {
		return 0, ErrTooLong
	}
	return w.body.Write(p)
}

func (w *cpioWriter) finish() error {
	if w.body == nil {
		return nil
	}
	err := w.body.pad()
	w.body = nil
	return err
}

func (w *cpioWriter) Close() error {
	if err := w.finish(); err != nil {
		return err
	}
	w.ino = 0
	return w.writeRecord(cpioTrailer, 0, 0, 0, 0, 0, 0)
}
