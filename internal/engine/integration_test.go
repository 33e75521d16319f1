package engine

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/islishude/goarchive/internal/cli"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCreateExtractLocalRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"src/hello.txt": "world", "src/sub/deep.txt": "deep"})

	for _, name := range []string{"a.tar", "a.tar.gz", "a.tar.bz2", "a.tar.xz", "a.tar.zst", "a.tar.lz4", "a.zip", "a.cpio.lzma", "a.tar.uu"} {
		t.Run(name, func(t *testing.T) {
			archive := filepath.Join(t.TempDir(), name)
			r := New(nil, io.Discard, io.Discard)

			create := cli.Options{Mode: cli.ModeCreate, Archive: archive, Chdir: root, Members: []string{"src"}}
			if got := r.Run(context.Background(), create); got.ExitCode != ExitSuccess {
				t.Fatalf("create exit=%d err=%v", got.ExitCode, got.Err)
			}

			out := t.TempDir()
			extract := cli.Options{Mode: cli.ModeExtract, Archive: archive, Chdir: out}
			if got := r.Run(context.Background(), extract); got.ExitCode != ExitSuccess {
				t.Fatalf("extract exit=%d err=%v", got.ExitCode, got.Err)
			}

			for file, want := range map[string]string{"src/hello.txt": "world", "src/sub/deep.txt": "deep"} {
				b, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(file)))
				if err != nil {
					t.Fatalf("read extracted file: %v", err)
				}
				if string(b) != want {
					t.Fatalf("%s content mismatch = %q", file, string(b))
				}
			}
		})
	}
}

func TestListAndMembers(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"docs/a.md": "a", "docs/b.txt": "b", "src/main.go": "package main"})
	archive := filepath.Join(t.TempDir(), "mixed.tar.gz")
	ctx := context.Background()

	r := New(nil, io.Discard, io.Discard)
	create := cli.Options{Mode: cli.ModeCreate, Archive: archive, Chdir: root, Members: []string{"docs", "src"}, Exclude: []string{"*.txt"}}
	if got := r.Run(ctx, create); got.ExitCode != ExitSuccess {
		t.Fatalf("create exit=%d err=%v", got.ExitCode, got.Err)
	}

	var listBuf bytes.Buffer
	r = New(nil, &listBuf, io.Discard)
	if got := r.Run(ctx, cli.Options{Mode: cli.ModeList, Archive: archive}); got.ExitCode != ExitSuccess {
		t.Fatalf("list exit=%d err=%v", got.ExitCode, got.Err)
	}
	listing := listBuf.String()
	if !strings.Contains(listing, "docs/a.md\n") || !strings.Contains(listing, "src/main.go\n") {
		t.Fatalf("listing missing entries:\n%s", listing)
	}
	if strings.Contains(listing, "b.txt") {
		t.Fatalf("excluded file listed:\n%s", listing)
	}

	listBuf.Reset()
	list := cli.Options{Mode: cli.ModeList, Archive: archive, Verbose: true, Members: []string{"src/*"}, Wildcards: true}
	if got := r.Run(ctx, list); got.ExitCode != ExitSuccess {
		t.Fatalf("list exit=%d err=%v", got.ExitCode, got.Err)
	}
	lines := strings.Split(strings.TrimSpace(listBuf.String()), "\n")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "-rw-r--r--") || !strings.HasSuffix(lines[0], " src/main.go") {
		t.Fatalf("verbose listing = %q", listBuf.String())
	}

	var stdout bytes.Buffer
	r = New(nil, &stdout, io.Discard)
	extract := cli.Options{Mode: cli.ModeExtract, Archive: archive, ToStdout: true, Members: []string{"docs/a.md", "src/main.go"}}
	if got := r.Run(ctx, extract); got.ExitCode != ExitSuccess {
		t.Fatalf("extract exit=%d err=%v", got.ExitCode, got.Err)
	}
	if stdout.String() != "apackage main" {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestExtractStripAndSuffix(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"top/inner/file.txt": "payload"})
	dir := t.TempDir()
	ctx := context.Background()

	r := New(nil, io.Discard, io.Discard)
	create := cli.Options{Mode: cli.ModeCreate, Archive: filepath.Join(dir, "out.tar.zst"), Suffix: "nightly", Chdir: root, Members: []string{"top"}}
	if got := r.Run(ctx, create); got.ExitCode != ExitSuccess {
		t.Fatalf("create exit=%d err=%v", got.ExitCode, got.Err)
	}
	archive := filepath.Join(dir, "out-nightly.tar.zst")
	if _, err := os.Stat(archive); err != nil {
		t.Fatalf("suffixed archive missing: %v", err)
	}

	out := t.TempDir()
	extract := cli.Options{Mode: cli.ModeExtract, Archive: archive, Chdir: out, StripComponents: 1}
	if got := r.Run(ctx, extract); got.ExitCode != ExitSuccess {
		t.Fatalf("extract exit=%d err=%v", got.ExitCode, got.Err)
	}
	b, err := os.ReadFile(filepath.Join(out, "inner", "file.txt"))
	if err != nil || string(b) != "payload" {
		t.Fatalf("stripped file = %q, %v", b, err)
	}
}

func TestExitCodes(t *testing.T) {
	ctx := context.Background()
	r := New(nil, io.Discard, io.Discard)

	missing := cli.Options{Mode: cli.ModeList, Archive: filepath.Join(t.TempDir(), "missing.tar")}
	if got := r.Run(ctx, missing); got.ExitCode != ExitFatal || got.Err == nil {
		t.Fatalf("missing archive exit=%d err=%v", got.ExitCode, got.Err)
	}

	junk := filepath.Join(t.TempDir(), "junk.bin")
	if err := os.WriteFile(junk, bytes.Repeat([]byte{0x01, 0x02, 0x03}, 400), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := r.Run(ctx, cli.Options{Mode: cli.ModeList, Archive: junk}); got.ExitCode != ExitFatal {
		t.Fatalf("junk archive exit=%d err=%v", got.ExitCode, got.Err)
	}

	bad := cli.Options{Mode: cli.ModeCreate, Archive: filepath.Join(t.TempDir(), "x.tar"), Format: "rar", Members: []string{"."}}
	if got := r.Run(ctx, bad); got.ExitCode != ExitFatal {
		t.Fatalf("bad format exit=%d err=%v", got.ExitCode, got.Err)
	}

	if got := r.Run(ctx, cli.Options{}); got.ExitCode != ExitFatal {
		t.Fatalf("no mode exit=%d", got.ExitCode)
	}
}
