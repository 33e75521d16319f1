package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os/exec"
	"slices"
	"strings"
	"testing"

	gzip "github.com/klauspost/pgzip"
)

func allFilters() []Spec {
	var out []Spec
	for _, id := range detectOrder {
		out = append(out, Spec{ID: id})
	}
	return out
}

func encode(t *testing.T, chain []Spec, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, chain)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func decode(t *testing.T, data []byte, support []Spec) ([]byte, []ID) {
	t.Helper()
	r, err := NewReader(bytes.NewReader(data), support, 4096)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer func() { _ = r.Close() }()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return got, r.Filters()
}

func TestRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("hello-goarchive-", 512))
	cases := []ID{None, Gzip, Bzip2, Xz, Lzma, Zstd, Lz4, Uu}
	for _, c := range cases {
		t.Run(c.String(), func(t *testing.T) {
			data := encode(t, []Spec{{ID: c}}, payload)
			got, filters := decode(t, data, allFilters())
			if !bytes.Equal(got, payload) {
				t.Fatalf("payload mismatch")
			}
			want := []ID{c}
			if c == None {
				want = nil
			}
			if !slices.Equal(filters, want) {
				t.Fatalf("filters = %v, want %v", filters, want)
			}
		})
	}
}

func TestChainOrderInnermostFirst(t *testing.T) {
	payload := []byte("stacked payload")
	data := encode(t, []Spec{{ID: Gzip}, {ID: Uu}}, payload)
	if !bytes.HasPrefix(data, []byte("begin 644 -\n")) {
		t.Fatalf("outer layer is not uu: %q", data[:16])
	}
	got, filters := decode(t, data, allFilters())
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
	if !slices.Equal(filters, []ID{Uu, Gzip}) {
		t.Fatalf("filters = %v, want [uu gzip]", filters)
	}
}

func TestUnsupportedFilterIsNotPeeled(t *testing.T) {
	data := encode(t, []Spec{{ID: Gzip}}, []byte("x"))
	got, filters := decode(t, data, []Spec{{ID: Bzip2}})
	if len(filters) != 0 {
		t.Fatalf("filters = %v, want none", filters)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("stream was altered")
	}
}

func TestUuencodeKnownVector(t *testing.T) {
	data := encode(t, []Spec{{ID: Uu}}, []byte("Cat"))
	want := "begin 644 -\n#0V%T\n`\nend\n"
	if string(data) != want {
		t.Fatalf("uuencode = %q, want %q", data, want)
	}
}

func TestUudecodeBase64(t *testing.T) {
	in := "begin-base64 644 x\naGVsbG8=\n====\n"
	if !isUuencoded([]byte(in)) {
		t.Fatalf("base64 header not detected")
	}
	got, err := io.ReadAll(newUuReader(strings.NewReader(in)))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func rpmHeader(nindex, hsize uint32) []byte {
	h := make([]byte, 16)
	copy(h, rpmHeaderMagic)
	binary.BigEndian.PutUint32(h[8:], nindex)
	binary.BigEndian.PutUint32(h[12:], hsize)
	return append(h, make([]byte, 16*int(nindex)+int(hsize))...)
}

func TestRpmPayload(t *testing.T) {
	payload := []byte("cpio payload")
	var pkg bytes.Buffer
	lead := make([]byte, rpmLeadSize)
	copy(lead, []byte{0xed, 0xab, 0xee, 0xdb})
	pkg.Write(lead)
	pkg.Write(rpmHeader(1, 5))
	pkg.Write(make([]byte, 3))
	pkg.Write(rpmHeader(0, 4))
	pkg.Write(encode(t, []Spec{{ID: Gzip}}, payload))

	got, filters := decode(t, pkg.Bytes(), allFilters())
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q", got)
	}
	if !slices.Equal(filters, []ID{Rpm, Gzip}) {
		t.Fatalf("filters = %v", filters)
	}
}

func TestProgramFilter(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	payload := []byte("through an external program")
	data := encode(t, []Spec{{ID: Program, Program: "cat"}}, payload)
	if !bytes.Equal(data, payload) {
		t.Fatalf("program writer output = %q", data)
	}
	got, filters := decode(t, data, []Spec{{ID: Program, Program: "cat"}})
	if !bytes.Equal(got, payload) {
		t.Fatalf("program reader output = %q", got)
	}
	if !slices.Equal(filters, []ID{Program}) {
		t.Fatalf("filters = %v", filters)
	}
}

func TestProgramFailureSurfaces(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	r, err := NewReader(strings.NewReader("data"), []Spec{{ID: Program, Program: "false"}}, 4096)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer func() { _ = r.Close() }()
	if _, err := io.ReadAll(r); err == nil {
		t.Fatalf("expected error from failing program")
	}
}

func TestCheck(t *testing.T) {
	if err := CheckWrite(Spec{ID: Rpm}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("CheckWrite(rpm) = %v", err)
	}
	if err := CheckRead(Spec{ID: Program}); !errors.Is(err, ErrProgramRequired) {
		t.Fatalf("CheckRead(program) = %v", err)
	}
	if err := CheckRead(Spec{ID: ID(99)}); !errors.Is(err, ErrUnknown) {
		t.Fatalf("CheckRead(99) = %v", err)
	}
	if err := CheckWrite(Spec{ID: Zstd, Level: 40}); err == nil {
		t.Fatalf("expected level error")
	}
	if err := CheckWrite(Spec{ID: Gzip, Level: gzip.BestSpeed}); err != nil {
		t.Fatalf("CheckWrite(gzip) = %v", err)
	}
}

func TestNamesAndExtensions(t *testing.T) {
	if id, ok := FromString("gz"); !ok || id != Gzip {
		t.Fatalf("FromString(gz) = %v %v", id, ok)
	}
	if id, ok := FromString("ZSTD"); !ok || id != Zstd {
		t.Fatalf("FromString(ZSTD) = %v %v", id, ok)
	}
	if _, ok := FromString("nope"); ok {
		t.Fatalf("FromString(nope) succeeded")
	}
	if got := FromExtension("a.tar.xz"); !slices.Equal(got, []ID{Xz}) {
		t.Fatalf("FromExtension(xz) = %v", got)
	}
	if got := FromExtension("a.tar"); got != nil {
		t.Fatalf("FromExtension(tar) = %v", got)
	}
	if Detect([]byte{0x28, 0xb5, 0x2f, 0xfd, 0}) != Zstd {
		t.Fatalf("zstd magic not detected")
	}
}

func TestDetectChecksVersionAfterSignature(t *testing.T) {
	tarName := func(name string) []byte {
		b := make([]byte, 512)
		copy(b, name)
		return b
	}
	cases := []struct {
		name string
		peek []byte
		want ID
	}{
		{name: "lzip v1", peek: []byte("LZIP\x01\x18\x00\x00"), want: Lzip},
		{name: "lzip bad dictionary", peek: []byte("LZIP\x01\x05\x00\x00"), want: None},
		{name: "tar member named LZIP", peek: tarName("LZIP-notes.txt"), want: None},
		{name: "tar member named exactly LZIP", peek: tarName("LZIP"), want: None},
		{name: "lrzip 0.6", peek: []byte("LRZI\x00\x06\x00\x00"), want: Lrzip},
		{name: "lrzip too old", peek: []byte("LRZI\x00\x05\x00\x00"), want: None},
		{name: "tar member named LRZIP", peek: tarName("LRZIP.md"), want: None},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Detect(tc.peek); got != tc.want {
				t.Fatalf("Detect(%q) = %v, want %v", tc.peek[:8], got, tc.want)
			}
		})
	}
}
