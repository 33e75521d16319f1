package format

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/status"
)

const mtreeSignature = "#mtree"

func bidMtree(peek []byte) int {
	if bytes.HasPrefix(peek, []byte(mtreeSignature)) {
		return 48
	}
	return 0
}

var mtreeTypes = map[string]entry.FileType{
	"file":   entry.TypeRegular,
	"dir":    entry.TypeDir,
	"link":   entry.TypeSymlink,
	"char":   entry.TypeChar,
	"block":  entry.TypeBlock,
	"fifo":   entry.TypeFifo,
	"socket": entry.TypeSocket,
}

// mtreeReader walks a specification file. Entries carry metadata only; the
// manifest has no file contents.
type mtreeReader struct {
	r    *bufio.Reader
	set  map[string]string
	cwd  []string
	line int
}

func newMtreeReader(src Source) (Reader, error) {
	return &mtreeReader{r: src.R, set: map[string]string{}}, nil
}

func (r *mtreeReader) Format() ID { return Mtree }

func (r *mtreeReader) Read([]byte) (int, error) { return 0, io.EOF }

func (r *mtreeReader) Next(e *entry.Entry) error {
	for {
		line, err := r.readLine()
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "/set":
			for _, kv := range fields[1:] {
				k, v, _ := strings.Cut(kv, "=")
				r.set[k] = v
			}
			continue
		case "/unset":
			for _, k := range fields[1:] {
				if k == "all" {
					clear(r.set)
				}
				delete(r.set, k)
			}
			continue
		case "..":
			if len(r.cwd) > 0 {
				r.cwd = r.cwd[:len(r.cwd)-1]
			}
			continue
		}

		kw := make(map[string]string, len(r.set)+len(fields))
		for k, v := range r.set {
			kw[k] = v
		}
		for _, kv := range fields[1:] {
			k, v, _ := strings.Cut(kv, "=")
			kw[k] = v
		}
		name := mtreeUnescape(fields[0])
		if !strings.Contains(name, "/") {
			full := path.Join(append(append([]string{}, r.cwd...), name)...)
			if kw["type"] == "dir" {
				r.cwd = append(r.cwd, name)
			}
			name = full
		}
		return r.fill(e, mtreeClean(name), kw)
	}
}

func (r *mtreeReader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := r.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", status.Wrap(status.Fatal, "mtree", err)
		}
		if b == "" && errors.Is(err, io.EOF) {
			if sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", io.EOF
		}
		r.line++
		b = strings.TrimRight(b, "\r\n")
		if strings.HasSuffix(b, "\\") && !errors.Is(err, io.EOF) {
			sb.WriteString(strings.TrimSuffix(b, "\\"))
			sb.WriteByte(' ')
			continue
		}
		sb.WriteString(b)
		return sb.String(), nil
	}
}

func (r *mtreeReader) fill(e *entry.Entry, name string, kw map[string]string) error {
	if err := e.SetPathname(name); err != nil {
		return status.Wrap(status.Warn, "mtree", err)
	}
	t := entry.TypeRegular
	if v, ok := kw["type"]; ok {
		mt, ok := mtreeTypes[v]
		if !ok {
			return status.Warnf("mtree", "line %d: unknown type %q", r.line, v)
		}
		t = mt
	}
	_ = e.SetFiletype(t)
	perm := uint32(0o644)
	if t == entry.TypeDir {
		perm = 0o755
	}
	var bad []string
	if v, ok := kw["mode"]; ok {
		m, err := strconv.ParseUint(v, 8, 32)
		if err == nil && m <= entry.PermMask {
			perm = uint32(m)
		} else {
			bad = append(bad, "mode")
		}
	}
	_ = e.SetPerm(perm)
	size := int64(0)
	if v, ok := kw["size"]; ok && t == entry.TypeRegular {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil && n >= 0 {
			size = n
		} else {
			bad = append(bad, "size")
		}
	}
	_ = e.SetSize(size)
	if v, ok := kw["uid"]; ok {
		e.Uid, _ = strconv.Atoi(v)
	}
	if v, ok := kw["gid"]; ok {
		e.Gid, _ = strconv.Atoi(v)
	}
	e.Uname = mtreeUnescape(kw["uname"])
	e.Gname = mtreeUnescape(kw["gname"])
	if v, ok := kw["time"]; ok {
		ts, err := parseMtreeTime(v)
		if err == nil {
			e.ModTime = ts
		} else {
			bad = append(bad, "time")
		}
	}
	if t == entry.TypeSymlink {
		e.Symlink = mtreeUnescape(kw["link"])
	}
	if v, ok := kw["device"]; ok && (t == entry.TypeChar || t == entry.TypeBlock) {
		parts := strings.Split(v, ",")
		if len(parts) == 3 {
			parts = parts[1:]
		}
		if len(parts) == 2 {
			e.DevMajor, _ = strconv.ParseInt(parts[0], 10, 64)
			e.DevMinor, _ = strconv.ParseInt(parts[1], 10, 64)
		}
	}
	if len(bad) > 0 {
		return status.Warnf("mtree", "line %d: invalid %s", r.line, strings.Join(bad, ", "))
	}
	return nil
}

func parseMtreeTime(v string) (time.Time, error) {
	secs, nsecs, _ := strings.Cut(v, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var ns int64
	if nsecs != "" {
		if ns, err = strconv.ParseInt(nsecs, 10, 64); err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(s, ns), nil
}

func mtreeClean(name string) string {
	if name == "." || name == "./" {
		return "."
	}
	return strings.TrimPrefix(name, "./")
}

// mtreeUnescape decodes \ooo octal escapes and the \s shorthand for space.
func mtreeUnescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			v, _ := strconv.ParseUint(s[i+1:i+4], 8, 8)
			b.WriteByte(byte(v))
			i += 3
			continue
		}
		switch s[i+1] {
		case 's':
			b.WriteByte(' ')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(s[i+1])
		}
		i++
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }

func mtreeEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || c == '#' || c == '=' || c == '\\' {
			fmt.Fprintf(&b, "\\%03o", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// mtreeWriter writes one full-path line per entry and discards entry data.
type mtreeWriter struct {
	w       *bufio.Writer
	started bool
}

func newMtreeWriter(w io.Writer, _ ID) (Writer, error) {
	return &mtreeWriter{w: bufio.NewWriter(w)}, nil
}

func (w *mtreeWriter) WriteHeader(e *entry.Entry) error {
	w.start()
	name := e.Pathname()
	if name != "." && !strings.HasPrefix(name, "./") && !strings.HasPrefix(name, "/") {
		name = "./" + name
	}
	name = strings.TrimSuffix(name, "/")
	var typ string
	for k, v := range mtreeTypes {
		if v == e.Filetype() {
			typ = k
		}
	}
	if typ == "" {
		return status.Failedf("mtree", "%s: unknown file type", e.Pathname())
	}
	fmt.Fprintf(w.w, "%s type=%s mode=%o uid=%d gid=%d", mtreeEscape(name), typ, e.Perm(), e.Uid, e.Gid)
	if e.Uname != "" {
		fmt.Fprintf(w.w, " uname=%s", mtreeEscape(e.Uname))
	}
	if e.Gname != "" {
		fmt.Fprintf(w.w, " gname=%s", mtreeEscape(e.Gname))
	}
	if !e.ModTime.IsZero() {
		fmt.Fprintf(w.w, " time=%d.%09d", e.ModTime.Unix(), e.ModTime.Nanosecond())
	}
	switch e.Filetype() {
	case entry.TypeRegular:
		fmt.Fprintf(w.w, " size=%d", e.Size())
	case entry.TypeSymlink:
		fmt.Fprintf(w.w, " link=%s", mtreeEscape(e.Symlink))
	case entry.TypeChar, entry.TypeBlock:
		fmt.Fprintf(w.w, " device=native,%d,%d", e.DevMajor, e.DevMinor)
	}
	if _, err := w.w.WriteString("\n"); err != nil {
		return status.Wrap(status.Fatal, "mtree", err)
	}
	return nil
}

func (w *mtreeWriter) start() {
	if !w.started {
		w.started = true
		_, _ = w.w.WriteString(mtreeSignature + "\n")
	}
}

func (w *mtreeWriter) Write(p []byte) (int, error) { return len(p), nil }

func (w *mtreeWriter) Close() error {
	w.start()
	return w.w.Flush()
}
