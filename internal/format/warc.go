package format

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/status"
)

const (
	warcVersion = "WARC/1.0"
	warcTime    = "2006-01-02T15:04:05Z"
)

func bidWarc(peek []byte) int {
	if bytes.HasPrefix(peek, []byte("WARC/1.0\r\n")) || bytes.HasPrefix(peek, []byte("WARC/1.1\r\n")) {
		return 64
	}
	return 0
}

type warcReader struct {
	r      *bufio.Reader
	remain int64
	// tail is the record terminator still owed after the block.
	tail bool
}

func newWarcReader(src Source) (Reader, error) {
	return &warcReader{r: src.R}, nil
}

func (r *warcReader) Format() ID { return Warc }

func (r *warcReader) Read(p []byte) (int, error) {
	if r.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.r.Read(p)
	r.remain -= int64(n)
	if err == io.EOF && r.remain > 0 {
		return n, status.Fatalf("warc", "truncated record block")
	}
	return n, err
}

func (r *warcReader) Next(e *entry.Entry) error {
	for {
		if err := r.skipRecord(); err != nil {
			return err
		}
		fields, err := r.readHeader()
		if err != nil {
			return err
		}
		length, err := strconv.ParseInt(fields["content-length"], 10, 64)
		if err != nil || length < 0 {
			return status.Fatalf("warc", "bad Content-Length %q", fields["content-length"])
		}
		r.remain, r.tail = length, true
		switch fields["warc-type"] {
		case "resource", "response":
		default:
			continue
		}
		name := warcPathname(fields["warc-target-uri"])
		if name == "" {
			continue
		}
		if err := e.SetPathname(name); err != nil {
			return status.Wrap(status.Warn, "warc", err)
		}
		_ = e.SetFiletype(entry.TypeRegular)
		_ = e.SetPerm(0o644)
		_ = e.SetSize(length)
		ts := fields["last-modified"]
		if ts == "" {
			ts = fields["warc-date"]
		}
		if ts != "" {
			if t, err := time.Parse(warcTime, ts); err == nil {
				e.ModTime = t
			} else if t, err := time.Parse(time.RFC1123, ts); err == nil {
				e.ModTime = t
			}
		}
		return nil
	}
}

func (r *warcReader) skipRecord() error {
	if !r.tail {
		return nil
	}
	if err := discard(r.r, r.remain); err != nil {
		return status.Wrap(status.Fatal, "warc", err)
	}
	r.remain = 0
	var crlf [4]byte
	if _, err := io.ReadFull(r.r, crlf[:]); err != nil {
		return status.Wrap(status.Fatal, "warc", err)
	}
	if string(crlf[:]) != "\r\n\r\n" {
		return status.Fatalf("warc", "missing record terminator")
	}
	r.tail = false
	return nil
}

// readHeader reads the version line and named fields of one record. Field
// names are lower-cased.
func (r *warcReader) readHeader() (map[string]string, error) {
	line, err := r.r.ReadString('\n')
	if line == "" && errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, status.Wrap(status.Fatal, "warc", err)
	}
	if v := strings.TrimRight(line, "\r\n"); v != "WARC/1.0" && v != "WARC/1.1" {
		return nil, status.Fatalf("warc", "bad record version %q", v)
	}
	fields := make(map[string]string)
	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			return nil, status.Wrap(status.Fatal, "warc", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return fields, nil
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, status.Fatalf("warc", "bad header line %q", line)
		}
		fields[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
}

func warcPathname(uri string) string {
	uri = strings.Trim(uri, "<>")
	if rest, ok := strings.CutPrefix(uri, "file://"); ok {
		return rest
	}
	u, err := url.Parse(uri)
	if err != nil || u.Path == "" {
		return uri
	}
	return strings.TrimPrefix(u.Path, "/")
}

type warcWriter struct {
	w       io.Writer
	body    *sizedWriter
	skip    bool
	started bool
	now     func() time.Time
}

func newWarcWriter(w io.Writer, _ ID) (Writer, error) {
	return &warcWriter{w: w, now: time.Now}, nil
}

func (w *warcWriter) record(typ string, extra []string, length int64) error {
	var b strings.Builder
	b.WriteString(warcVersion + "\r\n")
	fmt.Fprintf(&b, "WARC-Type: %s\r\n", typ)
	fmt.Fprintf(&b, "WARC-Record-ID: <urn:uuid:%s>\r\n", uuid.New())
	for _, x := range extra {
		b.WriteString(x + "\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", length)
	_, err := io.WriteString(w.w, b.String())
	return err
}

func (w *warcWriter) start() error {
	if w.started {
		return nil
	}
	w.started = true
	info := "software: goarchive\r\nformat: WARC file version 1.0\r\n"
	extra := []string{
		"WARC-Date: " + w.now().UTC().Format(warcTime),
		"Content-Type: application/warc-fields",
	}
	if err := w.record("warcinfo", extra, int64(len(info))); err != nil {
		return err
	}
	_, err := io.WriteString(w.w, info+"\r\n\r\n")
	return err
}

func (w *warcWriter) WriteHeader(e *entry.Entry) error {
	if err := w.finish(); err != nil {
		return err
	}
	if err := w.start(); err != nil {
		return status.Wrap(status.Fatal, "warc", err)
	}
	if e.Filetype() != entry.TypeRegular {
		w.skip = true
		return status.Warnf("warc", "%s: only regular files are stored", e.Pathname())
	}
	w.skip = false
	mtime := e.ModTime
	if mtime.IsZero() {
		mtime = w.now()
	}
	uri := e.Pathname()
	if !strings.Contains(uri, "://") {
		uri = "file://" + uri
	}
	extra := []string{
		"WARC-Target-URI: " + uri,
		"WARC-Date: " + mtime.UTC().Format(warcTime),
		"Last-Modified: " + mtime.UTC().Format(time.RFC1123),
		"Content-Type: application/octet-stream",
	}
	if err := w.record("resource", extra, e.Size()); err != nil {
		return status.Wrap(status.Fatal, "warc", err)
	}
	w.body = &sizedWriter{w: w.w, remain: e.Size()}
	return nil
}

func (w *warcWriter) Write(p []byte) (int, error) {
	if w.skip {
		return len(p), nil
	}
	if w.body == nil {
		return 0, ErrTooLong
	}
	return w.body.Write(p)
}

func (w *warcWriter) finish() error {
	if w.body == nil {
		return nil
	}
	if err := w.body.pad(); err != nil {
		return err
	}
	w.body = nil
	_, err := io.WriteString(w.w, "\r\n\r\n")
	return err
}

func (w *warcWriter) Close() error {
	if err := w.finish(); err != nil {
		return err
	}
	return w.start()
}
