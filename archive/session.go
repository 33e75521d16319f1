package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/compress"
	"github.com/islishude/goarchive/internal/format"
	"github.com/islishude/goarchive/internal/locator"
	localstore "github.com/islishude/goarchive/internal/storage/local"
	s3store "github.com/islishude/goarchive/internal/storage/s3"
)

// DefaultBlockSize is the read buffer size used when none is configured.
const DefaultBlockSize = 10240

// Archive is an owning session handle. It is not safe for concurrent use.
type Archive struct {
	mode      Mode
	state     State
	log       *zap.Logger
	blockSize int
	level     int
	local     localstore.Store
	s3        *s3store.Store

	filters []compress.Spec
	// formats holds the supported formats on read and the selected format,
	// at index 0, on write.
	formats []format.ID

	// stream is the target opened by Open; nil for caller-owned streams.
	stream io.Closer

	in     *compress.Reader
	src    format.Source
	rd     format.Reader
	cur    *entry.Entry
	offset int64
	block  []byte
	eof    bool
	// fatal is kept once the reader hits an unrecoverable error.
	fatal error

	zw      io.WriteCloser
	wr      format.Writer
	inEntry bool
}

type Option func(*Archive)

func WithLogger(l *zap.Logger) Option {
	return func(a *Archive) {
		if l != nil {
			a.log = l
		}
	}
}

// WithBlockSize sets the read buffer and the ReadDataBlock size.
func WithBlockSize(n int) Option {
	return func(a *Archive) {
		if n > 0 {
			a.blockSize = n
		}
	}
}

// WithLevel sets the compression level applied to every write filter that
// takes one. Zero keeps each codec's default.
func WithLevel(level int) Option {
	return func(a *Archive) { a.level = level }
}

// WithS3 supplies the store used for s3:// and ARN targets. Without it a
// store is built from the default AWS configuration on first use.
func WithS3(s *s3store.Store) Option {
	return func(a *Archive) { a.s3 = s }
}

func New(mode Mode, opts ...Option) (*Archive, error) {
	if !mode.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInit, mode)
	}
	a := &Archive{mode: mode, log: zap.NewNop(), blockSize: DefaultBlockSize}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Archive) Mode() Mode   { return a.mode }
func (a *Archive) State() State { return a.state }

// AddFilter registers a filter. On a read session it enables detection of
// the filter; on a write session it appends a layer, the first one added
// being closest to the format writer. FilterProgram takes the command line
// as its program argument.
func (a *Archive) AddFilter(id FilterID, program ...string) error {
	if a.state != StateConfiguring {
		return stateError("add filter", a.state)
	}
	s := compress.Spec{ID: id, Program: strings.Join(program, " ")}
	check := compress.CheckRead
	if a.mode == Write {
		check = compress.CheckWrite
	}
	if err := check(s); err != nil {
		return configError(err)
	}
	if id == FilterNone {
		return nil
	}
	a.filters = append(a.filters, s)
	return nil
}

// SetFormat enables a format for detection on a read session, or selects
// the output format of a write session.
func (a *Archive) SetFormat(id FormatID) error {
	if a.state != StateConfiguring {
		return stateError("set format", a.state)
	}
	if a.mode == Write {
		if err := format.CheckWrite(id); err != nil {
			return configError(err)
		}
		a.formats = []format.ID{id}
		return nil
	}
	if err := format.CheckRead(id); err != nil {
		return configError(err)
	}
	if !slices.Contains(a.formats, id) {
		a.formats = append(a.formats, id)
	}
	return nil
}

// SupportAll enables every implemented filter and format on a read
// session. External program filters and the raw format, which accepts any
// input, are left out.
func (a *Archive) SupportAll() error {
	if a.mode != Read {
		return fmt.Errorf("%w: support all on a write session", ErrUnsupportedDirection)
	}
	for _, id := range []FilterID{
		FilterGzip, FilterBzip2, FilterCompress, FilterLzma, FilterXz, FilterUu,
		FilterRpm, FilterLzip, FilterLrzip, FilterLzop, FilterGrzip, FilterLz4, FilterZstd,
	} {
		if err := a.AddFilter(id); err != nil {
			return err
		}
	}
	for _, id := range format.Implemented() {
		if id == FormatRaw {
			continue
		}
		if err := a.SetFormat(id); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) checkOpen() error {
	if a.state != StateConfiguring {
		return stateError("open", a.state)
	}
	if len(a.formats) == 0 {
		return fmt.Errorf("%w: no format selected", ErrInvalidFormat)
	}
	if a.mode == Write {
		for _, s := range a.filters {
			if err := compress.CheckWrite(a.leveled(s)); err != nil {
				return configError(err)
			}
		}
	}
	return nil
}

func (a *Archive) leveled(s compress.Spec) compress.Spec {
	switch s.ID {
	case compress.Gzip, compress.Bzip2, compress.Lz4, compress.Zstd:
		s.Level = a.level
	}
	return s
}

// Open opens target, a local path, "-" for stdin or stdout, or an S3 URI or
// object ARN. A failed Open leaves the session in the configuring state.
func (a *Archive) Open(ctx context.Context, target string) error {
	if err := a.checkOpen(); err != nil {
		if errors.Is(err, ErrState) {
			return err
		}
		return &OpenError{Target: target, Err: err}
	}
	ref, err := locator.Parse(target)
	if err != nil {
		return &OpenError{Target: target, Err: err}
	}
	if a.mode == Read {
		err = a.openRead(ctx, ref)
	} else {
		err = a.openWrite(ctx, ref)
	}
	if err != nil {
		return &OpenError{Target: target, Err: err}
	}
	a.log.Debug("archive opened",
		zap.String("target", target),
		zap.Stringer("mode", a.mode),
		zap.Stringers("filters", a.Filters()))
	return nil
}

func (a *Archive) openRead(ctx context.Context, ref locator.Ref) error {
	var (
		rc   io.ReadCloser
		size int64
		err  error
	)
	if ref.Kind == locator.KindS3 {
		st, serr := a.objectStore(ctx)
		if serr != nil {
			return serr
		}
		var meta s3store.Metadata
		rc, meta, err = st.OpenReader(ctx, ref)
		size = meta.Size
	} else {
		var meta localstore.Metadata
		rc, meta, err = a.local.OpenReader(ref)
		size = meta.Size
	}
	if err != nil {
		return err
	}
	at, _ := rc.(io.ReaderAt)
	if err := a.attachReader(rc, at, size); err != nil {
		_ = rc.Close()
		return err
	}
	a.stream = rc
	return nil
}

func (a *Archive) openWrite(ctx context.Context, ref locator.Ref) error {
	var (
		wc  io.WriteCloser
		err error
	)
	if ref.Kind == locator.KindS3 {
		st, serr := a.objectStore(ctx)
		if serr != nil {
			return serr
		}
		wc, err = st.OpenWriter(ctx, ref, ref.Metadata)
	} else {
		wc, err = a.local.OpenWriter(ref)
	}
	if err != nil {
		return err
	}
	if err := a.attachWriter(wc); err != nil {
		_ = wc.Close()
		return err
	}
	a.stream = wc
	return nil
}

func (a *Archive) objectStore(ctx context.Context) (*s3store.Store, error) {
	if a.s3 != nil {
		return a.s3, nil
	}
	st, err := s3store.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init s3: %w", err)
	}
	a.s3 = st
	return st, nil
}

// sizedReaderAt is implemented by bytes.Reader, strings.Reader and
// io.SectionReader.
type sizedReaderAt interface {
	io.ReaderAt
	Size() int64
}

// OpenReader opens a read session over r. The session never closes r.
func (a *Archive) OpenReader(r io.Reader) error {
	if a.mode != Read {
		return fmt.Errorf("%w: open reader on a write session", ErrUnsupportedDirection)
	}
	if err := a.checkOpen(); err != nil {
		if errors.Is(err, ErrState) {
			return err
		}
		return &OpenError{Target: "reader", Err: err}
	}
	var (
		at   io.ReaderAt
		size int64
	)
	if s, ok := r.(sizedReaderAt); ok {
		at, size = s, s.Size()
	}
	if err := a.attachReader(r, at, size); err != nil {
		return &OpenError{Target: "reader", Err: err}
	}
	return nil
}

// OpenWriter opens a write session onto w. The session never closes w.
func (a *Archive) OpenWriter(w io.Writer) error {
	if a.mode != Write {
		return fmt.Errorf("%w: open writer on a read session", ErrUnsupportedDirection)
	}
	if err := a.checkOpen(); err != nil {
		if errors.Is(err, ErrState) {
			return err
		}
		return &OpenError{Target: "writer", Err: err}
	}
	if err := a.attachWriter(w); err != nil {
		return &OpenError{Target: "writer", Err: err}
	}
	return nil
}

func (a *Archive) attachReader(r io.Reader, at io.ReaderAt, size int64) error {
	if a.mode != Read {
		return fmt.Errorf("%w: read on a write session", ErrUnsupportedDirection)
	}
	in, err := compress.NewReader(r, a.filters, a.blockSize)
	if err != nil {
		return err
	}
	a.in = in
	a.src = format.Source{R: in.Reader}
	if len(in.Filters()) == 0 && at != nil {
		a.src.At, a.src.Size = at, size
	}
	a.cur = entry.New()
	a.state = StateOpened
	return nil
}

func (a *Archive) attachWriter(w io.Writer) error {
	if a.mode != Write {
		return fmt.Errorf("%w: write on a read session", ErrUnsupportedDirection)
	}
	chain := make([]compress.Spec, len(a.filters))
	for i, s := range a.filters {
		chain[i] = a.leveled(s)
	}
	zw, err := compress.NewWriter(w, chain)
	if err != nil {
		return configError(err)
	}
	wr, err := format.NewWriter(zw, a.formats[0])
	if err != nil {
		_ = zw.Close()
		return configError(err)
	}
	a.zw, a.wr = zw, wr
	a.state = StateOpened
	return nil
}

// Format reports the selected format on a write session. On a read session
// it reports the detected variant once the first header has been read, and
// 0 before that.
func (a *Archive) Format() FormatID {
	if a.mode == Write {
		if len(a.formats) == 0 {
			return 0
		}
		return a.formats[0]
	}
	if a.rd == nil {
		return 0
	}
	return a.rd.Format()
}

// Filters reports the write chain, innermost first, or on an opened read
// session the detected filters, outermost first. Before Open a read session
// reports the filters enabled for detection.
func (a *Archive) Filters() []FilterID {
	if a.mode == Read && a.in != nil {
		return a.in.Filters()
	}
	out := make([]FilterID, 0, len(a.filters))
	for _, s := range a.filters {
		out = append(out, s.ID)
	}
	return out
}

// Close finishes the archive on a write session and releases the stream.
// Closing a closed session does nothing.
func (a *Archive) Close() error {
	switch a.state {
	case StateClosed:
		return nil
	case StateDestroyed:
		return stateError("close", a.state)
	}
	err := a.release()
	a.state = StateClosed
	a.log.Debug("archive closed", zap.Stringer("mode", a.mode), zap.Error(err))
	return err
}

// Destroy releases the stream if the session is still open. Later calls
// do nothing.
func (a *Archive) Destroy() error {
	if a.state == StateDestroyed {
		return nil
	}
	err := a.release()
	a.state = StateDestroyed
	return err
}

// release closes the session layers innermost first and runs at most once
// per opened stream.
func (a *Archive) release() error {
	var errs []error
	if a.wr != nil {
		errs = append(errs, a.wr.Close())
		a.wr = nil
	}
	if a.zw != nil {
		errs = append(errs, a.zw.Close())
		a.zw = nil
	}
	if a.in != nil {
		errs = append(errs, a.in.Close())
		a.in = nil
	}
	if a.stream != nil {
		errs = append(errs, a.stream.Close())
		a.stream = nil
	}
	a.rd, a.src = nil, format.Source{}
	return errors.Join(errs...)
}

// View returns a non-owning handle to the session.
func (a *Archive) View() View { return View{a: a} }

// View exposes the read accessors of a session. It cannot close or destroy
// the session it refers to.
type View struct {
	a *Archive
}

func (v View) Mode() Mode          { return v.a.mode }
func (v View) State() State        { return v.a.state }
func (v View) Format() FormatID    { return v.a.Format() }
func (v View) Filters() []FilterID { return v.a.Filters() }

// Entry returns a copy of the current entry of a read session, or nil.
func (v View) Entry() *entry.Entry {
	if v.a.cur == nil || v.a.cur.Pathname() == "" {
		return nil
	}
	return v.a.cur.Clone()
}
