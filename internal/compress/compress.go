package compress

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// ID identifies a filter. Values match libarchive's ARCHIVE_FILTER_* codes.
type ID int

const (
	None ID = iota
	Gzip
	Bzip2
	Compress
	Program
	Lzma
	Xz
	Uu
	Rpm
	Lzip
	Lrzip
	Lzop
	Grzip
	Lz4
	Zstd
)

var (
	ErrUnknown         = errors.New("unknown filter")
	ErrReadOnly        = errors.New("filter cannot be used for writing")
	ErrProgramRequired = errors.New("program filter requires a command")
)

// MaxDepth bounds how many filter layers are peeled off during detection.
const MaxDepth = 25

// Spec is one registered filter with its arguments.
type Spec struct {
	ID      ID
	Program string
	Level   int
}

type codec struct {
	name string
	// magic reports whether the stream starts with this filter. nil means
	// the filter is never detected by content.
	magic     func(peek []byte) bool
	newReader func(r io.Reader, s Spec) (io.ReadCloser, error)
	newWriter func(w io.Writer, s Spec) (io.WriteCloser, error)
}

var codecs = map[ID]codec{
	None: {
		name:      "none",
		newReader: func(r io.Reader, _ Spec) (io.ReadCloser, error) { return io.NopCloser(r), nil },
		newWriter: func(w io.Writer, _ Spec) (io.WriteCloser, error) { return nopWriteCloser{w}, nil },
	},
	Gzip: {
		name:      "gzip",
		magic:     prefix(0x1f, 0x8b),
		newReader: newGzipReader,
		newWriter: newGzipWriter,
	},
	Bzip2: {
		name:      "bzip2",
		magic:     prefix('B', 'Z', 'h'),
		newReader: newBzip2Reader,
		newWriter: newBzip2Writer,
	},
	Compress: {
		name:      "compress",
		magic:     prefix(0x1f, 0x9d),
		newReader: externalReader("gzip -d -c"),
		newWriter: externalWriter("compress -c"),
	},
	Program: {
		name:      "program",
		newReader: func(r io.Reader, s Spec) (io.ReadCloser, error) { return newProgramReader(r, s.Program) },
		newWriter: func(w io.Writer, s Spec) (io.WriteCloser, error) { return newProgramWriter(w, s.Program) },
	},
	Lzma: {
		name:      "lzma",
		magic:     isLzmaAlone,
		newReader: newLzmaReader,
		newWriter: newLzmaWriter,
	},
	Xz: {
		name:      "xz",
		magic:     prefix(0xfd, '7', 'z', 'X', 'Z', 0x00),
		newReader: newXzReader,
		newWriter: newXzWriter,
	},
	Uu: {
		name:      "uu",
		magic:     isUuencoded,
		newReader: func(r io.Reader, _ Spec) (io.ReadCloser, error) { return newUuReader(r), nil },
		newWriter: func(w io.Writer, _ Spec) (io.WriteCloser, error) { return newUuWriter(w), nil },
	},
	Rpm: {
		name:      "rpm",
		magic:     prefix(0xed, 0xab, 0xee, 0xdb),
		newReader: func(r io.Reader, _ Spec) (io.ReadCloser, error) { return newRpmReader(r) },
	},
	Lzip: {
		name:      "lzip",
		magic:     isLzip,
		newReader: externalReader("lzip -d -c -q"),
		newWriter: externalWriter("lzip -c -q"),
	},
	Lrzip: {
		name:      "lrzip",
		magic:     isLrzip,
		newReader: externalReader("lrzip -d -q"),
		newWriter: externalWriter("lrzip -q"),
	},
	Lzop: {
		name:      "lzop",
		magic:     prefix(0x89, 'L', 'Z', 'O', 0x00, '\r', '\n', 0x1a, '\n'),
		newReader: externalReader("lzop -d -c"),
		newWriter: externalWriter("lzop -c"),
	},
	Grzip: {
		name:      "grzip",
		magic:     prefix('G', 'R', 'Z', 'i', 'p', 'I', 'I', 0x00, 0x02, 0x04, ':', ')'),
		newReader: externalReader("grzip -d"),
		newWriter: externalWriter("grzip"),
	},
	Lz4: {
		name:      "lz4",
		magic:     prefix(0x04, 0x22, 0x4d, 0x18),
		newReader: func(r io.Reader, _ Spec) (io.ReadCloser, error) { return io.NopCloser(lz4.NewReader(r)), nil },
		newWriter: newLz4Writer,
	},
	Zstd: {
		name:      "zstd",
		magic:     prefix(0x28, 0xb5, 0x2f, 0xfd),
		newReader: newZstdReader,
		newWriter: newZstdWriter,
	},
}

// detectOrder is the bidding order used when peeling filters. Program
// filters are handled separately because they carry no signature.
var detectOrder = []ID{Rpm, Gzip, Bzip2, Xz, Zstd, Lz4, Lzop, Lzip, Lrzip, Grzip, Compress, Uu, Lzma}

func (id ID) String() string {
	if c, ok := codecs[id]; ok {
		return c.name
	}
	return fmt.Sprintf("filter(%d)", int(id))
}

func (id ID) Valid() bool {
	_, ok := codecs[id]
	return ok
}

// FromString maps a filter name to its ID.
func FromString(v string) (ID, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "gz":
		return Gzip, true
	case "bz2":
		return Bzip2, true
	case "zst":
		return Zstd, true
	}
	for id, c := range codecs {
		if c.name == v {
			return id, true
		}
	}
	return None, false
}

// CheckRead validates s for registration on a read session.
func CheckRead(s Spec) error {
	if !s.ID.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknown, int(s.ID))
	}
	if s.ID == Program && strings.TrimSpace(s.Program) == "" {
		return ErrProgramRequired
	}
	return nil
}

// CheckWrite validates s for registration on a write session.
func CheckWrite(s Spec) error {
	if err := CheckRead(s); err != nil {
		return err
	}
	if codecs[s.ID].newWriter == nil {
		return fmt.Errorf("%w: %s", ErrReadOnly, s.ID)
	}
	return checkLevel(s)
}

func checkLevel(s Spec) error {
	if s.Level == 0 {
		return nil
	}
	lo, hi := 0, 0
	switch s.ID {
	case Gzip:
		lo, hi = gzip.DefaultCompression, gzip.BestCompression
	case Bzip2:
		lo, hi = bzip2.BestSpeed, bzip2.BestCompression
	case Lz4:
		lo, hi = 1, 9
	case Zstd:
		lo, hi = 1, 22
	default:
		return nil
	}
	if s.Level < lo || s.Level > hi {
		return fmt.Errorf("invalid %s compression level %d, expecting %d..%d", s.ID, s.Level, lo, hi)
	}
	return nil
}

// NewWriter stacks the chain on dst. The first spec is the innermost layer
// (closest to the format writer), the last spec writes to dst. Closing the
// result flushes every layer but leaves dst open.
func NewWriter(dst io.Writer, chain []Spec) (io.WriteCloser, error) {
	out := &stackedWriteCloser{writer: nopWriteCloser{dst}}
	w := dst
	for i := len(chain) - 1; i >= 0; i-- {
		s := chain[i]
		if err := CheckWrite(s); err != nil {
			_ = out.Close()
			return nil, err
		}
		zw, err := codecs[s.ID].newWriter(w, s)
		if err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("init %s writer: %w", s.ID, err)
		}
		out.layers = append(out.layers, zw)
		out.writer = zw
		w = zw
	}
	return out, nil
}

// Reader is a decoded stream with the filters that were detected on it.
type Reader struct {
	*bufio.Reader
	closers []io.Closer
	filters []ID
}

// Filters returns the detected filters, outermost first.
func (r *Reader) Filters() []ID { return slices.Clone(r.filters) }

// Close releases every decoding layer, innermost first. The source passed
// to NewReader is not closed.
func (r *Reader) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

// NewReader peels off every supported filter found at the head of src.
func NewReader(src io.Reader, support []Spec, bufSize int) (*Reader, error) {
	out := &Reader{Reader: bufio.NewReaderSize(src, bufSize)}
	usedPrograms := make(map[int]bool)
	for depth := 0; depth < MaxDepth; depth++ {
		peek, _ := out.Peek(peekSize)
		idx, ok := bid(peek, support, usedPrograms)
		if !ok {
			break
		}
		s := support[idx]
		if s.ID == Program {
			usedPrograms[idx] = true
		}
		zr, err := codecs[s.ID].newReader(out.Reader, s)
		if err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("init %s reader: %w", s.ID, err)
		}
		out.closers = append(out.closers, zr)
		out.filters = append(out.filters, s.ID)
		out.Reader = bufio.NewReaderSize(zr, bufSize)
	}
	return out, nil
}

const peekSize = 32

func bid(peek []byte, support []Spec, usedPrograms map[int]bool) (int, bool) {
	if len(peek) == 0 {
		return 0, false
	}
	for _, id := range detectOrder {
		for i, s := range support {
			if s.ID == id && codecs[id].magic(peek) {
				return i, true
			}
		}
	}
	for i, s := range support {
		if s.ID == Program && !usedPrograms[i] {
			return i, true
		}
	}
	return 0, false
}

// Detect reports the filter whose signature starts magic, or None.
func Detect(magic []byte) ID {
	for _, id := range detectOrder {
		if codecs[id].magic(magic) {
			return id
		}
	}
	return None
}

// FromExtension guesses the write chain from an archive file name.
func FromExtension(name string) []ID {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".gz", ".tgz":
		return []ID{Gzip}
	case ".bz2", ".tbz2", ".tbz":
		return []ID{Bzip2}
	case ".xz", ".txz":
		return []ID{Xz}
	case ".lzma", ".tlz":
		return []ID{Lzma}
	case ".zst", ".tzst", ".zstd":
		return []ID{Zstd}
	case ".lz4":
		return []ID{Lz4}
	case ".uu":
		return []ID{Uu}
	case ".z":
		return []ID{Compress}
	case ".lz":
		return []ID{Lzip}
	case ".lrz":
		return []ID{Lrzip}
	case ".lzo":
		return []ID{Lzop}
	default:
		return nil
	}
}

func prefix(sig ...byte) func([]byte) bool {
	return func(peek []byte) bool { return bytes.HasPrefix(peek, sig) }
}

// isLzip checks the version byte and the coded dictionary size after the
// "LZIP" signature.
func isLzip(peek []byte) bool {
	if len(peek) < 6 || !bytes.HasPrefix(peek, []byte("LZIP")) || peek[4] > 1 {
		return false
	}
	log2 := peek[5] & 0x1f
	return log2 >= 12 && log2 <= 29
}

// isLrzip accepts lrzip 0.6 and later: major version 0, minor at least 6.
func isLrzip(peek []byte) bool {
	return len(peek) >= 6 && bytes.HasPrefix(peek, []byte("LRZI")) && peek[4] == 0 && peek[5] >= 6
}

// isLzmaAlone recognizes the 13 byte .lzma header: the default properties
// byte, a plausible dictionary size and an uncompressed size that is either
// unknown or below 256 GiB.
func isLzmaAlone(peek []byte) bool {
	if len(peek) < 13 || peek[0] != 0x5d {
		return false
	}
	dict := binary.LittleEndian.Uint32(peek[1:5])
	if dict < 1<<12 {
		return false
	}
	// 2^n or 2^n + 2^(n-1)
	if x := dict & (dict - 1); x != 0 && x&(x-1) != 0 {
		return false
	}
	size := binary.LittleEndian.Uint64(peek[5:13])
	return size == ^uint64(0) || size < 1<<38
}

func newGzipReader(r io.Reader, _ Spec) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func newGzipWriter(w io.Writer, s Spec) (io.WriteCloser, error) {
	if s.Level == 0 {
		return gzip.NewWriter(w), nil
	}
	return gzip.NewWriterLevel(w, s.Level)
}

func newBzip2Reader(r io.Reader, _ Spec) (io.ReadCloser, error) {
	return bzip2.NewReader(r, nil)
}

func newBzip2Writer(w io.Writer, s Spec) (io.WriteCloser, error) {
	level := bzip2.BestSpeed
	if s.Level != 0 {
		level = s.Level
	}
	return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: level})
}

func newXzReader(r io.Reader, _ Spec) (io.ReadCloser, error) {
	zr, err := xz.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(zr), nil
}

func newXzWriter(w io.Writer, _ Spec) (io.WriteCloser, error) {
	return xz.NewWriter(w)
}

func newLzmaReader(r io.Reader, _ Spec) (io.ReadCloser, error) {
	zr, err := lzma.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(zr), nil
}

func newLzmaWriter(w io.Writer, _ Spec) (io.WriteCloser, error) {
	return lzma.NewWriter(w)
}

func newLz4Writer(w io.Writer, s Spec) (io.WriteCloser, error) {
	lzw := lz4.NewWriter(w)
	var opts []lz4.Option
	if s.Level > 0 {
		opts = append(opts, lz4.CompressionLevelOption(lz4.CompressionLevel(1<<(8+s.Level))))
	}
	if err := lzw.Apply(opts...); err != nil {
		return nil, err
	}
	return lzw, nil
}

func newZstdReader(r io.Reader, _ Spec) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

func newZstdWriter(w io.Writer, s Spec) (io.WriteCloser, error) {
	if s.Level == 0 {
		return zstd.NewWriter(w)
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(s.Level)))
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// stackedWriteCloser writes into the innermost layer and closes layers from
// the innermost outwards so each one flushes into the next.
type stackedWriteCloser struct {
	writer io.Writer
	// layers are ordered outermost first.
	layers []io.WriteCloser
}

func (w *stackedWriteCloser) Write(p []byte) (int, error) { return w.writer.Write(p) }

func (w *stackedWriteCloser) Close() error {
	var first error
	for i := len(w.layers) - 1; i >= 0; i-- {
		if err := w.layers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	w.layers = nil
	return first
}
