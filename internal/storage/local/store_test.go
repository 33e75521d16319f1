package local

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/islishude/goarchive/internal/locator"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.bin")
	ref := locator.Ref{Kind: locator.KindLocal, Path: path}
	var s Store

	w, err := s.OpenWriter(ref)
	if err != nil {
		t.Fatalf("OpenWriter() error = %v", err)
	}
	if _, err := io.WriteString(w, "payload"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, meta, err := s.OpenReader(ref)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer r.Close() //nolint:errcheck
	if meta.Size != 7 {
		t.Fatalf("size = %d, want 7", meta.Size)
	}
	if _, ok := r.(io.ReaderAt); !ok {
		t.Fatalf("regular file reader does not support ReadAt")
	}
	b, err := io.ReadAll(r)
	if err != nil || string(b) != "payload" {
		t.Fatalf("ReadAll() = %q, %v", b, err)
	}
}

func TestOpenReaderErrors(t *testing.T) {
	var s Store
	dir := t.TempDir()
	if _, _, err := s.OpenReader(locator.Ref{Kind: locator.KindLocal, Path: filepath.Join(dir, "missing")}); !os.IsNotExist(err) {
		t.Fatalf("missing file error = %v", err)
	}
	if _, _, err := s.OpenReader(locator.Ref{Kind: locator.KindLocal, Path: dir}); err == nil {
		t.Fatalf("expected error for a directory")
	}
	if _, _, err := s.OpenReader(locator.Ref{Kind: locator.KindS3}); err == nil {
		t.Fatalf("expected error for an s3 ref")
	}
}
