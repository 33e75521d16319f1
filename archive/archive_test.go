package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/format"
)

type member struct {
	name string
	typ  FileType
	perm uint32
	data string
	link string
}

func (m member) entry(t *testing.T) *entry.Entry {
	t.Helper()
	e := entry.New()
	require.NoError(t, e.SetPathname(m.name))
	require.NoError(t, e.SetFiletype(m.typ))
	require.NoError(t, e.SetPerm(m.perm))
	require.NoError(t, e.SetSize(int64(len(m.data))))
	e.Symlink = m.link
	e.ModTime = time.Unix(1700000000, 0)
	return e
}

var bigData = string(bytes.Repeat([]byte("0123456789abcdef"), 5000))

var plainFiles = []member{
	{name: "hello.txt", typ: TypeRegular, perm: 0o644, data: "hello, world\n"},
	{name: "big.bin", typ: TypeRegular, perm: 0o600, data: bigData},
	{name: "empty", typ: TypeRegular, perm: 0o644},
}

func writeSession(t *testing.T, id FormatID, filters []FilterID, members []member) []byte {
	t.Helper()
	a, err := New(Write)
	require.NoError(t, err)
	for _, f := range filters {
		require.NoError(t, a.AddFilter(f))
	}
	require.NoError(t, a.SetFormat(id))
	var buf bytes.Buffer
	require.NoError(t, a.OpenWriter(&buf))
	for _, m := range members {
		require.NoError(t, a.WriteHeader(m.entry(t)))
		if m.data != "" {
			n, err := a.WriteData([]byte(m.data))
			require.NoError(t, err)
			require.Equal(t, len(m.data), n)
		}
	}
	require.NoError(t, a.Close())
	return buf.Bytes()
}

func readSession(t *testing.T, data []byte, opts ...Option) *Archive {
	t.Helper()
	a, err := New(Read, opts...)
	require.NoError(t, err)
	require.NoError(t, a.SupportAll())
	require.NoError(t, a.OpenReader(bytes.NewReader(data)))
	t.Cleanup(func() { _ = a.Destroy() })
	return a
}

type readBack struct {
	name string
	typ  FileType
	perm uint32
	size int64
	data string
}

func readEntries(t *testing.T, a *Archive) []readBack {
	t.Helper()
	var out []readBack
	for {
		e, err := a.NextHeader()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		body, err := io.ReadAll(readerFunc(a.ReadData))
		require.NoError(t, err)
		out = append(out, readBack{name: e.Pathname(), typ: e.Filetype(), perm: e.Perm(), size: e.Size(), data: string(body)})
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		format  FormatID
		filters []FilterID
		// fixedPerm is set for formats that store no permissions.
		fixedPerm uint32
	}{
		{name: "pax", format: FormatTarPaxInterchange},
		{name: "ustar+gzip", format: FormatTarUstar, filters: []FilterID{FilterGzip}},
		{name: "gnutar+zstd", format: FormatTarGnutar, filters: []FilterID{FilterZstd}},
		{name: "paxr+lz4", format: FormatTarPaxRestricted, filters: []FilterID{FilterLz4}},
		{name: "cpio+bzip2", format: FormatCpio, filters: []FilterID{FilterBzip2}},
		{name: "zip+xz", format: FormatZip, filters: []FilterID{FilterXz}},
		{name: "ar+lzma", format: FormatArBSD, filters: []FilterID{FilterLzma}},
		{name: "warc+gzip", format: FormatWarc, filters: []FilterID{FilterGzip}, fixedPerm: 0o644},
		{name: "pax+gzip+uu", format: FormatTarPaxInterchange, filters: []FilterID{FilterGzip, FilterUu}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := writeSession(t, tc.format, tc.filters, plainFiles)
			a := readSession(t, data)
			got := readEntries(t, a)
			require.Len(t, got, len(plainFiles))
			for i, m := range plainFiles {
				assert.Equal(t, m.name, got[i].name)
				assert.Equal(t, TypeRegular, got[i].typ)
				assert.Equal(t, m.data, got[i].data)
				assert.Equal(t, int64(len(m.data)), got[i].size, m.name)
				if tc.fixedPerm != 0 {
					assert.Equal(t, tc.fixedPerm, got[i].perm, m.name)
				} else {
					assert.Equal(t, m.perm, got[i].perm, m.name)
				}
			}

			want := slices.Clone(tc.filters)
			slices.Reverse(want)
			if len(want) == 0 {
				assert.Empty(t, a.Filters())
			} else {
				assert.Equal(t, want, a.Filters())
			}
			assert.Equal(t, tc.format.Family(), a.Format().Family())
			require.NoError(t, a.Close())
		})
	}
}

func TestRoundTripKeepsTypesAndPerms(t *testing.T) {
	members := []member{
		{name: "dir", typ: TypeDir, perm: 0o750},
		{name: "dir/file", typ: TypeRegular, perm: 0o4755, data: "x"},
		{name: "dir/link", typ: TypeSymlink, perm: 0o777, link: "file"},
	}
	for _, id := range []FormatID{FormatTarPaxInterchange, FormatTarGnutar, FormatCpio, FormatZip} {
		t.Run(id.String(), func(t *testing.T) {
			a := readSession(t, writeSession(t, id, nil, members))
			var got []readBack
			var links []string
			for {
				e, err := a.NextHeader()
				if errors.Is(err, io.EOF) {
					break
				}
				require.NoError(t, err)
				got = append(got, readBack{name: e.Pathname(), typ: e.Filetype(), perm: e.Perm()})
				links = append(links, e.Symlink)
				require.NoError(t, a.SkipData())
			}
			require.Len(t, got, 3)
			assert.Equal(t, TypeDir, got[0].typ)
			assert.Equal(t, "dir/file", got[1].name)
			assert.Equal(t, TypeSymlink, got[2].typ)
			assert.Equal(t, "file", links[2])
			if id != FormatZip {
				assert.Equal(t, uint32(0o750), got[0].perm)
				assert.Equal(t, uint32(0o4755), got[1].perm)
			}
		})
	}
}

func TestAddFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	content := bytes.Repeat([]byte{0xab}, 3*addFileChunk+17)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	require.NoError(t, os.Chmod(path, 0o640))

	a, err := New(Write)
	require.NoError(t, err)
	require.NoError(t, a.SetFormat(FormatTarPaxInterchange))
	var buf bytes.Buffer
	require.NoError(t, a.OpenWriter(&buf))
	require.NoError(t, a.AddFile(path))
	require.NoError(t, a.Close())

	r := readSession(t, buf.Bytes())
	e, err := r.NextHeader()
	require.NoError(t, err)
	assert.Equal(t, filepath.ToSlash(path), e.Pathname())
	assert.Equal(t, TypeRegular, e.Filetype())
	assert.Equal(t, uint32(0o640), e.Perm())
	assert.Equal(t, int64(len(content)), e.Size())
	body, err := io.ReadAll(readerFunc(r.ReadData))
	require.NoError(t, err)
	assert.Equal(t, content, body)
	_, err = r.NextHeader()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAddFileMissing(t *testing.T) {
	a, err := New(Write)
	require.NoError(t, err)
	require.NoError(t, a.SetFormat(FormatTarUstar))
	require.NoError(t, a.OpenWriter(io.Discard))
	err = a.AddFile(filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, Failed, CodeOf(err))
	require.NoError(t, a.Close())
}

func TestProgramFilterRequiresCommand(t *testing.T) {
	for _, mode := range []Mode{Read, Write} {
		t.Run(mode.String(), func(t *testing.T) {
			a, err := New(mode)
			require.NoError(t, err)
			require.NoError(t, a.AddFilter(FilterGzip))
			err = a.AddFilter(FilterProgram)
			require.ErrorIs(t, err, ErrInvalidFilter)
			assert.Equal(t, []FilterID{FilterGzip}, a.Filters())
			require.NoError(t, a.AddFilter(FilterProgram, "cat"))
			assert.Equal(t, []FilterID{FilterGzip, FilterProgram}, a.Filters())
		})
	}
}

func TestDirectionChecks(t *testing.T) {
	w, err := New(Write)
	require.NoError(t, err)
	require.ErrorIs(t, w.AddFilter(FilterRpm), ErrUnsupportedDirection)
	require.ErrorIs(t, w.SetFormat(FormatTar), ErrUnsupportedDirection)
	assert.Empty(t, w.Filters())
	assert.Equal(t, FormatID(0), w.Format())
	require.ErrorIs(t, w.SupportAll(), ErrUnsupportedDirection)

	r, err := New(Read)
	require.NoError(t, err)
	require.NoError(t, r.AddFilter(FilterRpm))
	require.NoError(t, r.SetFormat(FormatTar))

	data := writeSession(t, FormatTarUstar, nil, plainFiles[:1])
	require.NoError(t, r.OpenReader(bytes.NewReader(data)))
	e, err := r.NextHeader()
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", e.Pathname())
	assert.Equal(t, FormatTarUstar, r.Format())
	require.NoError(t, r.Close())
}

func TestInvalidIDs(t *testing.T) {
	for _, mode := range []Mode{Read, Write} {
		a, err := New(mode)
		require.NoError(t, err)
		require.ErrorIs(t, a.AddFilter(FilterID(99)), ErrInvalidFilter)
		require.ErrorIs(t, a.SetFormat(FormatID(0x123456)), ErrInvalidFormat)
		err = a.SetFormat(FormatXar)
		require.ErrorIs(t, err, ErrInvalidFormat)
		require.ErrorIs(t, err, format.ErrNotImplemented)
		require.ErrorIs(t, a.SetFormat(Format7Zip), ErrInvalidFormat)
	}
	_, err := New(Mode(7))
	require.ErrorIs(t, err, ErrInit)
}

func TestOpenMissingPath(t *testing.T) {
	a, err := New(Read)
	require.NoError(t, err)
	require.NoError(t, a.SupportAll())

	target := filepath.Join(t.TempDir(), "missing.tar")
	err = a.Open(context.Background(), target)
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, target, oe.Target)
	assert.ErrorIs(t, err, ErrOpen)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, StateConfiguring, a.State())

	_, err = a.NextHeader()
	assert.ErrorIs(t, err, ErrState)
	require.NoError(t, a.SetFormat(FormatZip))
}

func TestOpenWithoutFormat(t *testing.T) {
	a, err := New(Write)
	require.NoError(t, err)
	err = a.OpenWriter(io.Discard)
	require.ErrorIs(t, err, ErrOpen)
	require.ErrorIs(t, err, ErrInvalidFormat)
	assert.Equal(t, StateConfiguring, a.State())
}

func TestOpenPathRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.tar.gz")

	w, err := New(Write)
	require.NoError(t, err)
	for _, f := range FiltersForName(path) {
		require.NoError(t, w.AddFilter(f))
	}
	require.NoError(t, w.SetFormat(FormatTarPaxRestricted))
	require.NoError(t, w.Open(ctx, path))
	require.NoError(t, w.WriteHeader(plainFiles[0].entry(t)))
	_, err = w.WriteData([]byte(plainFiles[0].data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Destroy())

	r, err := New(Read)
	require.NoError(t, err)
	require.NoError(t, r.SupportAll())
	require.NoError(t, r.Open(ctx, path))
	got := readEntries(t, r)
	require.Len(t, got, 1)
	assert.Equal(t, plainFiles[0].data, got[0].data)
	assert.Equal(t, []FilterID{FilterGzip}, r.Filters())
	require.NoError(t, r.Close())
}

type countingCloser struct{ n int }

func (c *countingCloser) Close() error {
	c.n++
	return nil
}

func TestLifecycle(t *testing.T) {
	a, err := New(Read)
	require.NoError(t, err)
	require.NoError(t, a.SupportAll())
	require.NoError(t, a.OpenReader(bytes.NewReader(writeSession(t, FormatCpio, nil, plainFiles))))
	c := &countingCloser{}
	a.stream = c

	require.ErrorIs(t, a.AddFilter(FilterGzip), ErrState)
	require.ErrorIs(t, a.SetFormat(FormatZip), ErrState)

	v := a.View()
	assert.Equal(t, StateOpened, v.State())
	assert.Equal(t, Read, v.Mode())
	assert.Nil(t, v.Entry())
	_, err = a.NextHeader()
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", v.Entry().Pathname())
	assert.Equal(t, FormatCpio, v.Format())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.NoError(t, a.Destroy())
	require.NoError(t, a.Destroy())
	assert.Equal(t, 1, c.n)
	assert.Equal(t, StateDestroyed, v.State())

	_, err = a.NextHeader()
	assert.ErrorIs(t, err, ErrState)
	_, err = a.ReadData(make([]byte, 1))
	assert.ErrorIs(t, err, ErrState)
	assert.ErrorIs(t, a.Close(), ErrState)
}

func TestViewCannotRelease(t *testing.T) {
	typ := reflect.TypeOf(View{})
	for _, name := range []string{"Close", "Destroy"} {
		_, ok := typ.MethodByName(name)
		assert.False(t, ok, name)
	}
	_, ok := reflect.TypeOf(&Archive{}).MethodByName("Destroy")
	assert.True(t, ok)
}

func TestDestroyReleasesOpenSession(t *testing.T) {
	a, err := New(Write)
	require.NoError(t, err)
	require.NoError(t, a.SetFormat(FormatZip))
	require.NoError(t, a.OpenWriter(io.Discard))
	c := &countingCloser{}
	a.stream = c
	require.NoError(t, a.Destroy())
	require.NoError(t, a.Destroy())
	assert.Equal(t, 1, c.n)
	_, err = a.WriteData([]byte("x"))
	assert.ErrorIs(t, err, ErrState)
}

func TestWriteHeaderValidation(t *testing.T) {
	a, err := New(Write)
	require.NoError(t, err)
	require.NoError(t, a.SetFormat(FormatTarUstar))
	require.NoError(t, a.OpenWriter(io.Discard))
	defer a.Destroy() //nolint:errcheck

	e := entry.New()
	require.NoError(t, e.SetPathname("noperm"))
	require.NoError(t, e.SetFiletype(TypeRegular))
	err = a.WriteHeader(e)
	require.ErrorIs(t, err, ErrType)
	assert.Equal(t, Failed, CodeOf(err))

	_, err = a.WriteData([]byte("x"))
	require.ErrorIs(t, err, ErrState)

	require.NoError(t, e.SetPerm(0o644))
	require.NoError(t, a.WriteHeader(e))
	_, err = a.WriteData([]byte("x"))
	assert.Equal(t, Failed, CodeOf(err))
}

func TestReadDataBlock(t *testing.T) {
	data := writeSession(t, FormatTarPaxInterchange, []FilterID{FilterGzip}, plainFiles)
	a := readSession(t, data, WithBlockSize(4096))
	_, err := a.NextHeader()
	require.NoError(t, err)
	require.NoError(t, a.SkipData())
	e, err := a.NextHeader()
	require.NoError(t, err)
	require.Equal(t, "big.bin", e.Pathname())

	var got []byte
	for {
		blk, err := a.ReadDataBlock()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.Equal(t, int64(len(got)), blk.Offset)
		require.LessOrEqual(t, len(blk.Data), 4096)
		got = append(got, blk.Data...)
	}
	assert.Equal(t, bigData, string(got))
}

func TestNotAnArchiveIsFatal(t *testing.T) {
	a, err := New(Read)
	require.NoError(t, err)
	require.NoError(t, a.SetFormat(FormatTar))
	require.NoError(t, a.SetFormat(FormatZip))
	require.NoError(t, a.OpenReader(bytes.NewReader(bytes.Repeat([]byte("not an archive "), 100))))

	_, err = a.NextHeader()
	require.ErrorIs(t, err, format.ErrNotArchive)
	assert.Equal(t, Fatal, CodeOf(err))
	_, err = a.NextHeader()
	require.ErrorIs(t, err, format.ErrNotArchive)
	require.NoError(t, a.Close())
}

func TestRawReadsAnyStream(t *testing.T) {
	a, err := New(Read)
	require.NoError(t, err)
	require.NoError(t, a.AddFilter(FilterGzip))
	require.NoError(t, a.SetFormat(FormatRaw))

	payload := writeSession(t, FormatRaw, []FilterID{FilterGzip}, plainFiles[:1])
	require.NoError(t, a.OpenReader(bytes.NewReader(payload)))
	e, err := a.NextHeader()
	require.NoError(t, err)
	assert.Equal(t, "data", e.Pathname())
	assert.False(t, e.SizeIsSet())
	body, err := io.ReadAll(readerFunc(a.ReadData))
	require.NoError(t, err)
	assert.Equal(t, plainFiles[0].data, string(body))
}

func TestSupportAllLeavesOutRaw(t *testing.T) {
	a := readSession(t, bytes.Repeat([]byte("plain text "), 100))
	_, err := a.NextHeader()
	require.ErrorIs(t, err, format.ErrNotArchive)
}
