package format

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/status"
)

const (
	arMagic      = "!<arch>\n"
	arHeaderSize = 60
	arBSDPrefix  = "#1/"
	// arMaxNames bounds the GNU long name table and arMaxName a single
	// BSD inline name.
	arMaxNames = 16 << 20
	arMaxName  = 64 << 10
)

func bidAr(peek []byte) int {
	if bytes.HasPrefix(peek, []byte(arMagic)) {
		return 64
	}
	return 0
}

type arReader struct {
	r      *bufio.Reader
	remain int64
	pad    int64
	// names is the GNU "//" long name table.
	names  []byte
	format ID
}

func newArReader(src Source) (Reader, error) {
	if err := discard(src.R, int64(len(arMagic))); err != nil {
		return nil, status.Wrap(status.Fatal, "ar", err)
	}
	return &arReader{r: src.R, format: Ar}, nil
}

func (r *arReader) Format() ID { return r.format }

func (r *arReader) Read(p []byte) (int, error) {
	if r.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.r.Read(p)
	r.remain -= int64(n)
	if err == io.EOF && r.remain > 0 {
		return n, status.Fatalf("ar", "truncated member data")
	}
	return n, err
}

func (r *arReader) Next(e *entry.Entry) error {
	for {
		if err := discard(r.r, r.remain+r.pad); err != nil {
			return status.Wrap(status.Fatal, "ar", err)
		}
		r.remain, r.pad = 0, 0

		var raw [arHeaderSize]byte
		n, err := io.ReadFull(r.r, raw[:])
		if n == 0 && err == io.EOF {
			return io.EOF
		}
		if err != nil {
			return status.Wrap(status.Fatal, "ar", err)
		}
		if string(raw[58:60]) != "`\n" {
			return status.Fatalf("ar", "bad member header terminator")
		}
		size, err := arNumber(raw[48:58], 10)
		if err != nil {
			return status.Fatalf("ar", "bad member size: %w", err)
		}
		if size < 0 {
			return status.Fatalf("ar", "negative member size %d", size)
		}
		r.remain, r.pad = size, size%2

		name := strings.TrimRight(string(raw[0:16]), " ")
		switch {
		case name == "/" || name == "/SYM64/" || name == "__.SYMDEF" || name == "__.SYMDEF SORTED":
			continue
		case name == "//":
			if size > arMaxNames {
				return status.Fatalf("ar", "long name table of %d bytes is too large", size)
			}
			r.names = make([]byte, size)
			if _, err := io.ReadFull(r, r.names); err != nil {
				return status.Wrap(status.Fatal, "ar", err)
			}
			continue
		case strings.HasPrefix(name, arBSDPrefix):
			r.format = ArBSD
			n, err := strconv.ParseInt(name[len(arBSDPrefix):], 10, 64)
			if err != nil || n < 0 || n > size || n > arMaxName {
				return status.Fatalf("ar", "bad BSD name length %q", name)
			}
			b := make([]byte, n)
			if _, err := io.ReadFull(r, b); err != nil {
				return status.Wrap(status.Fatal, "ar", err)
			}
			name = string(bytes.TrimRight(b, "\x00"))
		case strings.HasPrefix(name, "/"):
			off, err := strconv.Atoi(name[1:])
			if err != nil || off < 0 || off >= len(r.names) {
				return status.Fatalf("ar", "bad long name reference %q", name)
			}
			tail := r.names[off:]
			if i := bytes.Index(tail, []byte("/\n")); i >= 0 {
				tail = tail[:i]
			}
			name = string(tail)
		default:
			name = strings.TrimSuffix(name, "/")
		}
		return r.fill(e, name, raw[:])
	}
}

func (r *arReader) fill(e *entry.Entry, name string, raw []byte) error {
	if err := e.SetPathname(name); err != nil {
		return status.Wrap(status.Warn, "ar", err)
	}
	mtime, _ := arNumber(raw[16:28], 10)
	uid, _ := arNumber(raw[28:34], 10)
	gid, _ := arNumber(raw[34:40], 10)
	mode, err := arNumber(raw[40:48], 8)
	if err != nil {
		mode = 0o644
	}
	_ = e.SetFiletype(entry.TypeRegular)
	_ = e.SetPerm(uint32(mode) & entry.PermMask)
	e.ModTime = time.Unix(mtime, 0)
	e.Uid, e.Gid = int(uid), int(gid)
	return e.SetSize(r.remain)
}

func arNumber(field []byte, base int) (int64, error) {
	s := strings.TrimSpace(string(field))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, base, 64)
}

// arWriter produces BSD ar archives, storing names longer than the header
// field inline after the member header.
type arWriter struct {
	w       io.Writer
	body    *sizedWriter
	pad     bool
	started bool
}

func newArWriter(w io.Writer, _ ID) (Writer, error) {
	return &arWriter{w: w}, nil
}

func (w *arWriter) start() error {
	if w.started {
		return nil
	}
	w.started = true
	_, err := io.WriteString(w.w, arMagic)
	return err
}

func (w *arWriter) WriteHeader(e *entry.Entry) error {
	if err := w.finish(); err != nil {
		return err
	}
	if e.Filetype() != entry.TypeRegular {
		return status.Failedf("ar", "%s: only regular files can be stored", e.Pathname())
	}
	name := path.Base(e.Pathname())
	if name == "" || name == "/" || name == "." {
		return status.Failedf("ar", "invalid member name %q", e.Pathname())
	}
	if err := w.start(); err != nil {
		return status.Wrap(status.Fatal, "ar", err)
	}
	size := e.Size()
	field, inline := name, ""
	if len(name) > 16 || strings.ContainsAny(name, " ") {
		field, inline = fmt.Sprintf("%s%d", arBSDPrefix, len(name)), name
	}
	mtime := e.ModTime.Unix()
	if e.ModTime.IsZero() || mtime < 0 {
		mtime = 0
	}
	hdr := fmt.Sprintf("%-16s%-12d%-6d%-6d%-8o%-10d`\n",
		field, mtime, e.Uid%1000000, e.Gid%1000000, e.Perm()|uint32(entry.TypeRegular), size+int64(len(inline)))
	if _, err := io.WriteString(w.w, hdr+inline); err != nil {
		return status.Wrap(status.Fatal, "ar", err)
	}
	w.body = &sizedWriter{w: w.w, remain: size}
	w.pad = (size+int64(len(inline)))%2 == 1
	return nil
}

func (w *arWriter) Write(p []byte) (int, error) {
	if w.body == nil {
		return 0, ErrTooLong
	}
	return w.body.Write(p)
}

func (w *arWriter) finish() error {
	if w.body == nil {
		return nil
	}
	if err := w.body.pad(); err != nil {
		return err
	}
	w.body = nil
	if w.pad {
		_, err := io.WriteString(w.w, "\n")
		return err
	}
	return nil
}

func (w *arWriter) Close() error {
	if err := w.finish(); err != nil {
		return err
	}
	return w.start()
}
