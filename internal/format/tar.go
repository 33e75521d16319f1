package format

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/status"
)

const tarBlockSize = 512

// bidTar accepts a first block with a valid header checksum. A zero block
// is an empty archive and gets a weak bid.
func bidTar(peek []byte) int {
	if len(peek) < tarBlockSize {
		return 0
	}
	blk := peek[:tarBlockSize]
	if isZeroBlock(blk) {
		return 10
	}
	if !validTarChecksum(blk) {
		return 0
	}
	score := 48
	if bytes.HasPrefix(blk[257:], []byte("ustar")) {
		score += 8
	}
	return score
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func validTarChecksum(blk []byte) bool {
	field := bytes.TrimRight(bytes.TrimLeft(blk[148:156], " "), " \x00")
	want, err := strconv.ParseInt(string(field), 8, 64)
	if err != nil {
		return false
	}
	var unsigned, signed int64
	for i, c := range blk {
		if i >= 148 && i < 156 {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	return want == unsigned || want == signed
}

// countingReader tracks the stream offset so a damaged header can be
// skipped on a block boundary.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type tarReader struct {
	src    *countingReader
	tr     *tar.Reader
	format ID
	seen   bool
}

func newTarReader(src Source) (Reader, error) {
	cr := &countingReader{r: src.R}
	return &tarReader{src: cr, tr: tar.NewReader(cr), format: Tar}, nil
}

func (r *tarReader) Format() ID { return r.format }

func (r *tarReader) Read(p []byte) (int, error) {
	n, err := r.tr.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, status.Wrap(status.Fatal, "tar", err)
	}
	return n, err
}

func (r *tarReader) Next(e *entry.Entry) error {
	var warn error
	hdr, err := r.tr.Next()
	for {
		if errors.Is(err, tar.ErrHeader) && r.seen && warn == nil {
			skipped, rerr := r.resync()
			if rerr != nil {
				return rerr
			}
			warn = status.Warnf("tar", "damaged header, skipped %d bytes", skipped)
			hdr, err = r.tr.Next()
			continue
		}
		// Global PAX headers carry no entry of their own.
		if err == nil && hdr.Typeflag == tar.TypeXGlobalHeader {
			hdr, err = r.tr.Next()
			continue
		}
		break
	}
	switch {
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, tar.ErrHeader):
		return status.Fatalf("tar", "damaged tar archive: %w", err)
	case err != nil:
		return status.Wrap(status.Fatal, "tar", err)
	}
	r.seen = true
	r.noteFormat(hdr)
	if err := fillFromTar(e, hdr); err != nil {
		return status.Wrap(status.Warn, "tar", err)
	}
	return warn
}

// resync scans forward block by block until a block with a valid header
// checksum is found, then restarts the tar reader on it.
func (r *tarReader) resync() (int64, error) {
	start := r.src.n
	if rem := r.src.n % tarBlockSize; rem != 0 {
		if err := discard(r.src, tarBlockSize-rem); err != nil {
			return 0, status.Fatalf("tar", "truncated archive: %w", err)
		}
	}
	blk := make([]byte, tarBlockSize)
	for {
		if _, err := io.ReadFull(r.src, blk); err != nil {
			return 0, status.Fatalf("tar", "no valid header after damaged block: %w", err)
		}
		if isZeroBlock(blk) || validTarChecksum(blk) {
			break
		}
	}
	skipped := r.src.n - start - tarBlockSize
	r.tr = tar.NewReader(io.MultiReader(bytes.NewReader(blk), r.src))
	return skipped, nil
}

func (r *tarReader) noteFormat(hdr *tar.Header) {
	switch {
	case len(hdr.PAXRecords) > 0 || hdr.Format == tar.FormatPAX:
		r.format = TarPaxInterchange
	case hdr.Format == tar.FormatGNU && r.format != TarPaxInterchange:
		r.format = TarGnutar
	case hdr.Format&tar.FormatUSTAR != 0 && r.format == Tar:
		r.format = TarUstar
	}
}

func fillFromTar(e *entry.Entry, hdr *tar.Header) error {
	if err := e.SetPathname(hdr.Name); err != nil {
		return err
	}
	t, size := entry.TypeRegular, hdr.Size
	switch hdr.Typeflag {
	case tar.TypeDir:
		t, size = entry.TypeDir, 0
	case tar.TypeSymlink:
		t, size = entry.TypeSymlink, 0
		e.Symlink = hdr.Linkname
	case tar.TypeLink:
		size = 0
		e.Hardlink = hdr.Linkname
	case tar.TypeChar:
		t, size = entry.TypeChar, 0
	case tar.TypeBlock:
		t, size = entry.TypeBlock, 0
	case tar.TypeFifo:
		t, size = entry.TypeFifo, 0
	}
	if err := e.SetFiletype(t); err != nil {
		return err
	}
	if err := e.SetPerm(uint32(hdr.Mode) & entry.PermMask); err != nil {
		return err
	}
	if err := e.SetSize(size); err != nil {
		return err
	}
	e.ModTime = hdr.ModTime
	e.Uid, e.Gid = hdr.Uid, hdr.Gid
	e.Uname, e.Gname = hdr.Uname, hdr.Gname
	e.DevMajor, e.DevMinor = hdr.Devmajor, hdr.Devminor
	return decodePAX(hdr.PAXRecords, e)
}

type tarWriter struct {
	tw     *tar.Writer
	format tar.Format
	// pax reports whether the variant may carry PAX records.
	pax bool
}

func newTarWriter(w io.Writer, id ID) (Writer, error) {
	out := &tarWriter{tw: tar.NewWriter(w)}
	switch id {
	case TarUstar:
		out.format = tar.FormatUSTAR
	case TarPaxInterchange:
		out.format, out.pax = tar.FormatPAX, true
	case TarPaxRestricted:
		out.format, out.pax = tar.FormatUnknown, true
	case TarGnutar:
		out.format = tar.FormatGNU
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return out, nil
}

func (w *tarWriter) WriteHeader(e *entry.Entry) error {
	hdr := &tar.Header{
		Name:     e.Pathname(),
		Mode:     int64(e.Perm()),
		Uid:      e.Uid,
		Gid:      e.Gid,
		Uname:    e.Uname,
		Gname:    e.Gname,
		ModTime:  e.ModTime,
		Devmajor: e.DevMajor,
		Devminor: e.DevMinor,
		Format:   w.format,
	}
	if hdr.ModTime.IsZero() {
		hdr.ModTime = time.Unix(0, 0)
	}
	if !w.pax {
		hdr.ModTime = hdr.ModTime.Truncate(time.Second)
	}
	switch e.Filetype() {
	case entry.TypeRegular:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size()
		if e.Hardlink != "" {
			hdr.Typeflag, hdr.Linkname, hdr.Size = tar.TypeLink, e.Hardlink, 0
		}
	case entry.TypeDir:
		hdr.Typeflag = tar.TypeDir
	case entry.TypeSymlink:
		hdr.Typeflag, hdr.Linkname = tar.TypeSymlink, e.Symlink
	case entry.TypeChar:
		hdr.Typeflag = tar.TypeChar
	case entry.TypeBlock:
		hdr.Typeflag = tar.TypeBlock
	case entry.TypeFifo:
		hdr.Typeflag = tar.TypeFifo
	default:
		return status.Failedf("tar", "%s: cannot archive %s", e.Pathname(), e.Filetype())
	}
	var warn error
	if records := encodePAX(e); records != nil {
		if w.pax {
			hdr.PAXRecords = records
		} else {
			warn = status.Warnf("tar", "%s: extended attributes and flags dropped by %s", e.Pathname(), w.format)
		}
	}
	if err := w.padCurrent(); err != nil {
		return status.Wrap(status.Fatal, "tar", err)
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return status.Wrap(status.Failed, "tar", err)
	}
	return warn
}

func (w *tarWriter) Write(p []byte) (int, error) {
	n, err := w.tw.Write(p)
	if errors.Is(err, tar.ErrWriteTooLong) {
		return n, ErrTooLong
	}
	return n, err
}

// Close pads a short final entry and writes the end-of-archive blocks.
func (w *tarWriter) Close() error {
	if err := w.padCurrent(); err != nil {
		return err
	}
	return w.tw.Close()
}

// padCurrent zero fills the rest of a body shorter than its declared size.
func (w *tarWriter) padCurrent() error {
	zero := make([]byte, 32*1024)
	for {
		_, err := w.tw.Write(zero)
		if errors.Is(err, tar.ErrWriteTooLong) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
