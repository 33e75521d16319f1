// Package format implements the container drivers: each one turns a decoded
// byte stream into entries on read and entries back into bytes on write.
package format

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/islishude/goarchive/entry"
)

// ID identifies a container format. Values match libarchive's
// ARCHIVE_FORMAT_* codes; the low 16 bits select a variant.
type ID int

const (
	Cpio              ID = 0x10000
	Tar               ID = 0x30000
	TarUstar          ID = 0x30001
	TarPaxInterchange ID = 0x30002
	TarPaxRestricted  ID = 0x30003
	TarGnutar         ID = 0x30004
	Zip               ID = 0x50000
	Ar                ID = 0x70000
	ArBSD             ID = 0x70002
	Mtree             ID = 0x80000
	Raw               ID = 0x90000
	Xar               ID = 0xA0000
	SevenZip          ID = 0xE0000
	Warc              ID = 0xF0000

	familyMask ID = 0xff0000
)

var (
	ErrUnknown        = errors.New("unknown format")
	ErrNotImplemented = errors.New("not implemented")
	// ErrReadOnly is returned for generic ids that name a family rather
	// than one concrete on-disk layout.
	ErrReadOnly   = errors.New("format can only be read")
	ErrNotArchive = errors.New("unrecognized archive format")
	ErrTooLong    = errors.New("write exceeds entry size")
)

var names = map[ID]string{
	Cpio:              "cpio",
	Tar:               "tar",
	TarUstar:          "ustar",
	TarPaxInterchange: "pax",
	TarPaxRestricted:  "paxr",
	TarGnutar:         "gnutar",
	Zip:               "zip",
	Ar:                "ar",
	ArBSD:             "arbsd",
	Mtree:             "mtree",
	Raw:               "raw",
	Xar:               "xar",
	SevenZip:          "7zip",
	Warc:              "warc",
}

func (id ID) String() string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("format(%#x)", int(id))
}

// Family returns the generic id of the format's family, e.g. Tar for
// TarGnutar.
func (id ID) Family() ID { return id & familyMask }

// FromString maps a format name to its ID.
func FromString(v string) (ID, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "7z":
		return SevenZip, true
	case "gnu":
		return TarGnutar, true
	case "bsdar":
		return ArBSD, true
	}
	for id, n := range names {
		if n == v {
			return id, true
		}
	}
	return 0, false
}

// FromExtension guesses the output format from an archive file name,
// looking through compression suffixes such as ".gz".
func FromExtension(name string) (ID, bool) {
	name = strings.ToLower(path.Base(name))
	for {
		ext := path.Ext(name)
		switch ext {
		case ".tar", ".tgz", ".tbz", ".tbz2", ".txz", ".tlz", ".tzst":
			return TarPaxRestricted, true
		case ".zip", ".jar":
			return Zip, true
		case ".cpio":
			return Cpio, true
		case ".a", ".ar", ".deb":
			return ArBSD, true
		case ".mtree":
			return Mtree, true
		case ".warc":
			return Warc, true
		case ".gz", ".bz2", ".xz", ".lzma", ".zst", ".zstd", ".lz4", ".uu", ".z", ".lz", ".lrz", ".lzo":
			name = strings.TrimSuffix(name, ext)
		default:
			return 0, false
		}
	}
}

// Source is the decoded input handed to a reader.
type Source struct {
	R *bufio.Reader
	// At and Size are set when the unfiltered input supports random access.
	At   io.ReaderAt
	Size int64
}

// Reader yields the entries of one archive.
type Reader interface {
	// Next fills e with the next header. It returns io.EOF after the last
	// entry. A *status.Error at warning level still leaves e usable.
	Next(e *entry.Entry) error
	// Read reads the data of the current entry and returns io.EOF at its end.
	Read(p []byte) (int, error)
	// Format reports the concrete variant seen so far.
	Format() ID
}

// Writer serializes entries. Close finishes the archive but leaves the
// underlying writer open.
type Writer interface {
	WriteHeader(e *entry.Entry) error
	Write(p []byte) (int, error)
	Close() error
}

type driver struct {
	// bid returns a confidence score for the stream head; 0 means no.
	bid       func(peek []byte) int
	newReader func(src Source) (Reader, error)
	newWriter func(w io.Writer, id ID) (Writer, error)
}

var drivers = map[ID]driver{
	Cpio:  {bid: bidCpio, newReader: newCpioReader, newWriter: newCpioWriter},
	Tar:   {bid: bidTar, newReader: newTarReader, newWriter: newTarWriter},
	Zip:   {bid: bidZip, newReader: newZipReader, newWriter: newZipWriter},
	Ar:    {bid: bidAr, newReader: newArReader, newWriter: newArWriter},
	Mtree: {bid: bidMtree, newReader: newMtreeReader, newWriter: newMtreeWriter},
	Raw:   {bid: bidRaw, newReader: newRawReader, newWriter: newRawWriter},
	Warc:  {bid: bidWarc, newReader: newWarcReader, newWriter: newWarcWriter},
}

// bidOrder breaks ties between equal scores.
var bidOrder = []ID{Tar, Zip, Cpio, Ar, Warc, Mtree, Raw}

// CheckRead validates id for registration on a read session.
func CheckRead(id ID) error {
	if _, ok := names[id]; !ok {
		return fmt.Errorf("%w: %#x", ErrUnknown, int(id))
	}
	if _, ok := drivers[id.Family()]; !ok {
		return fmt.Errorf("%s: %w", id, ErrNotImplemented)
	}
	return nil
}

// CheckWrite validates id as the output format of a write session.
func CheckWrite(id ID) error {
	if err := CheckRead(id); err != nil {
		return err
	}
	if id == Tar {
		return fmt.Errorf("%w: %s", ErrReadOnly, id)
	}
	return nil
}

// Implemented returns every format a reader can be built for.
func Implemented() []ID {
	return []ID{Cpio, Tar, Zip, Ar, Mtree, Raw, Warc}
}

const bidSize = 512

// NewReader picks the best bidding driver among the supported formats.
func NewReader(src Source, support []ID) (Reader, error) {
	peek, err := src.R.Peek(bidSize)
	if len(peek) == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return emptyReader{}, nil
	}
	families := make(map[ID]bool, len(support))
	for _, id := range support {
		families[id.Family()] = true
	}
	best, bestScore := ID(0), 0
	for _, id := range bidOrder {
		if !families[id] {
			continue
		}
		if score := drivers[id].bid(peek); score > bestScore {
			best, bestScore = id, score
		}
	}
	if bestScore == 0 {
		return nil, ErrNotArchive
	}
	return drivers[best].newReader(src)
}

// NewWriter returns the writer for one concrete format.
func NewWriter(w io.Writer, id ID) (Writer, error) {
	if err := CheckWrite(id); err != nil {
		return nil, err
	}
	return drivers[id.Family()].newWriter(w, id)
}

// emptyReader stands for a zero-length input, which every reader accepts as
// an archive without entries.
type emptyReader struct{}

func (emptyReader) Next(*entry.Entry) error  { return io.EOF }
func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyReader) Format() ID               { return 0 }

// sizedWriter tracks the remaining bytes of an entry whose size was declared
// in its header and pads a short body with zeros.
type sizedWriter struct {
	w      io.Writer
	remain int64
}

func (s *sizedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > s.remain {
		n, err := s.w.Write(p[:s.remain])
		s.remain -= int64(n)
		if err != nil {
			return n, err
		}
		return n, ErrTooLong
	}
	n, err := s.w.Write(p)
	s.remain -= int64(n)
	return n, err
}

func (s *sizedWriter) pad() error {
	if s.remain <= 0 {
		return nil
	}
	_, err := io.CopyN(s.w, zeroReader{}, s.remain)
	s.remain = 0
	return err
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// discard skips the unread part of an entry before the next header.
func discard(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, n)
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
