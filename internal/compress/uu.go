package compress

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var errUuFormat = errors.New("uu: malformed input")

// uuLineSize is the number of payload bytes carried by a full line.
const uuLineSize = 45

func isUuencoded(peek []byte) bool {
	var rest []byte
	switch {
	case bytes.HasPrefix(peek, []byte("begin-base64 ")):
		rest = peek[len("begin-base64 "):]
	case bytes.HasPrefix(peek, []byte("begin ")):
		rest = peek[len("begin "):]
	default:
		return false
	}
	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '7' {
		n++
	}
	return n >= 3 && n < len(rest) && rest[n] == ' '
}

type uuReader struct {
	src    *bufio.Reader
	base64 bool
	buf    []byte
	header bool
	eof    bool
}

func newUuReader(r io.Reader) io.ReadCloser {
	return &uuReader{src: bufio.NewReader(r)}
}

func (u *uuReader) Read(p []byte) (int, error) {
	for len(u.buf) == 0 {
		if u.eof {
			return 0, io.EOF
		}
		if err := u.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, u.buf)
	u.buf = u.buf[n:]
	return n, nil
}

func (u *uuReader) Close() error { return nil }

func (u *uuReader) readLine() ([]byte, error) {
	line, err := u.src.ReadBytes('\n')
	if err != nil && (!errors.Is(err, io.EOF) || len(line) == 0) {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing end line", errUuFormat)
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (u *uuReader) fill() error {
	if !u.header {
		for {
			line, err := u.readLine()
			if err != nil {
				return err
			}
			if bytes.HasPrefix(line, []byte("begin-base64 ")) {
				u.base64 = true
				break
			}
			if bytes.HasPrefix(line, []byte("begin ")) {
				break
			}
		}
		u.header = true
	}
	line, err := u.readLine()
	if err != nil {
		return err
	}
	if u.base64 {
		if string(line) == "====" {
			u.eof = true
			return nil
		}
		out, err := base64.StdEncoding.DecodeString(string(line))
		if err != nil {
			return fmt.Errorf("%w: %v", errUuFormat, err)
		}
		u.buf = out
		return nil
	}
	if string(line) == "end" {
		u.eof = true
		return nil
	}
	out, err := uudecodeLine(line)
	if err != nil {
		return err
	}
	u.buf = out
	return nil
}

func uudecodeLine(line []byte) ([]byte, error) {
	if len(line) == 0 {
		return nil, nil
	}
	n := int((line[0] - ' ') & 0x3f)
	body := line[1:]
	if (n+2)/3*4 > len(body) {
		return nil, fmt.Errorf("%w: short line", errUuFormat)
	}
	out := make([]byte, 0, n+2)
	for i := 0; len(out) < n; i += 4 {
		c0 := (body[i] - ' ') & 0x3f
		c1 := (body[i+1] - ' ') & 0x3f
		c2 := (body[i+2] - ' ') & 0x3f
		c3 := (body[i+3] - ' ') & 0x3f
		out = append(out, c0<<2|c1>>4, c1<<4|c2>>2, c2<<6|c3)
	}
	return out[:n], nil
}

type uuWriter struct {
	dst     io.Writer
	pending []byte
	started bool
	closed  bool
}

func newUuWriter(w io.Writer) io.WriteCloser {
	return &uuWriter{dst: w}
}

func (u *uuWriter) Write(p []byte) (int, error) {
	if err := u.begin(); err != nil {
		return 0, err
	}
	n := len(p)
	u.pending = append(u.pending, p...)
	for len(u.pending) >= uuLineSize {
		if _, err := u.dst.Write(uuencodeLine(u.pending[:uuLineSize])); err != nil {
			return 0, err
		}
		u.pending = u.pending[uuLineSize:]
	}
	u.pending = bytes.Clone(u.pending)
	return n, nil
}

func (u *uuWriter) begin() error {
	if u.started {
		return nil
	}
	u.started = true
	_, err := io.WriteString(u.dst, "begin 644 -\n")
	return err
}

func (u *uuWriter) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	if err := u.begin(); err != nil {
		return err
	}
	if len(u.pending) > 0 {
		if _, err := u.dst.Write(uuencodeLine(u.pending)); err != nil {
			return err
		}
		u.pending = nil
	}
	_, err := io.WriteString(u.dst, "`\nend\n")
	return err
}

func uuchar(v byte) byte {
	v &= 0x3f
	if v == 0 {
		return '`'
	}
	return v + ' '
}

func uuencodeLine(p []byte) []byte {
	out := make([]byte, 0, 2+(len(p)+2)/3*4)
	out = append(out, uuchar(byte(len(p))))
	for i := 0; i < len(p); i += 3 {
		var b [3]byte
		copy(b[:], p[i:])
		out = append(out,
			uuchar(b[0]>>2),
			uuchar(b[0]<<4|b[1]>>4),
			uuchar(b[1]<<2|b[2]>>6),
			uuchar(b[2]),
		)
	}
	return append(out, '\n')
}
