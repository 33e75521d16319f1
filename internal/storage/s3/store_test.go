package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	tmtypes "github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager/types"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/locator"
	"github.com/islishude/goarchive/status"
)

func TestContentTypeForKey(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{key: "archives/out.tar.gz", want: "application/gzip"},
		{key: "archives/out.tgz", want: "application/gzip"},
		{key: "archives/out.gz", want: "application/gzip"},
		{key: "archives/out.tar.bz2", want: "application/x-bzip2"},
		{key: "archives/out.tar.xz", want: "application/x-xz"},
		{key: "archives/out.tar.zst", want: "application/zstd"},
		{key: "archives/out.tar.lz4", want: "application/x-lz4"},
		{key: "notes/readme.txt", want: "text/plain; charset=utf-8"},
		{key: "noext", want: "application/octet-stream"},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			got := contentTypeForKey(tc.key)
			if got != tc.want {
				t.Fatalf("contentTypeForKey(%q)=%q, want %q", tc.key, got, tc.want)
			}
		})
	}
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	inputs  map[string]*transfermanager.UploadObjectInput
	fail    error
}

func newFakeStore(settings Settings) (*Store, *fakeBucket) {
	b := &fakeBucket{objects: map[string][]byte{}, inputs: map[string]*transfermanager.UploadObjectInput{}}
	s := &Store{
		settings: settings,
		get: func(_ context.Context, in *awss3.GetObjectInput) (*awss3.GetObjectOutput, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			data, ok := b.objects[aws.ToString(in.Key)]
			if !ok {
				return nil, errors.New("no such key")
			}
			return &awss3.GetObjectOutput{
				Body:          io.NopCloser(bytes.NewReader(data)),
				ContentLength: aws.Int64(int64(len(data))),
				ETag:          aws.String(`"etag"`),
			}, nil
		},
		upload: func(_ context.Context, in *transfermanager.UploadObjectInput) error {
			data, err := io.ReadAll(in.Body)
			if err != nil {
				return err
			}
			if b.fail != nil {
				return b.fail
			}
			b.mu.Lock()
			defer b.mu.Unlock()
			b.objects[aws.ToString(in.Key)] = data
			b.inputs[aws.ToString(in.Key)] = in
			return nil
		},
	}
	return s, b
}

func TestWriterReaderRoundTrip(t *testing.T) {
	s, b := newFakeStore(Settings{SSE: "aes256"})
	ref, err := locator.Parse("s3://bucket/out/a.tar.gz")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	w, err := s.OpenWriter(context.Background(), ref, map[string]string{"owner": "ops"})
	if err != nil {
		t.Fatalf("OpenWriter() error = %v", err)
	}
	if _, err := io.WriteString(w, "payload"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	in := b.inputs["out/a.tar.gz"]
	if got := aws.ToString(in.ContentType); got != "application/gzip" {
		t.Fatalf("content type = %q", got)
	}
	if in.ServerSideEncryption != tmtypes.ServerSideEncryptionAes256 {
		t.Fatalf("sse = %q", in.ServerSideEncryption)
	}
	if in.Metadata["owner"] != "ops" {
		t.Fatalf("metadata = %v", in.Metadata)
	}

	rc, meta, err := s.OpenReader(context.Background(), ref)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "payload" || meta.Size != 7 {
		t.Fatalf("read %q size %d", got, meta.Size)
	}
}

func TestWriterReportsUploadFailure(t *testing.T) {
	s, b := newFakeStore(Settings{})
	b.fail = errors.New("access denied")
	w, err := s.OpenWriter(context.Background(), locator.Ref{Kind: locator.KindS3, Bucket: "b", Key: "k"}, nil)
	if err != nil {
		t.Fatalf("OpenWriter() error = %v", err)
	}
	_, _ = io.WriteString(w, "x")
	if err := w.Close(); err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("Close() error = %v, want access denied", err)
	}
}

func TestRejectsNonS3Refs(t *testing.T) {
	s, _ := newFakeStore(Settings{})
	local := locator.Ref{Kind: locator.KindLocal, Raw: "a.tar", Path: "a.tar"}
	if _, _, err := s.OpenReader(context.Background(), local); err == nil {
		t.Fatalf("OpenReader() expected error")
	}
	if _, err := s.OpenWriter(context.Background(), local, nil); err == nil {
		t.Fatalf("OpenWriter() expected error")
	}
	if _, err := s.OpenWriter(context.Background(), locator.Ref{Kind: locator.KindS3, Bucket: "b"}, nil); err == nil {
		t.Fatalf("OpenWriter() with empty key expected error")
	}
}

func TestApplyEncryption(t *testing.T) {
	cases := []struct {
		sse  string
		kms  string
		want tmtypes.ServerSideEncryption
	}{
		{sse: "", want: tmtypes.ServerSideEncryptionAes256},
		{sse: "sse-kms", kms: "key-1", want: tmtypes.ServerSideEncryptionAwsKms},
		{sse: "none", want: ""},
		{sse: "bogus", want: tmtypes.ServerSideEncryptionAes256},
	}
	for _, tc := range cases {
		s := &Store{settings: Settings{SSE: tc.sse, SSEKMSKeyID: tc.kms}}
		in := &transfermanager.UploadObjectInput{}
		s.applyEncryption(in)
		if in.ServerSideEncryption != tc.want {
			t.Fatalf("sse %q: got %q, want %q", tc.sse, in.ServerSideEncryption, tc.want)
		}
		if tc.kms != "" && aws.ToString(in.SSEKMSKeyID) != tc.kms {
			t.Fatalf("sse %q: kms key = %q", tc.sse, aws.ToString(in.SSEKMSKeyID))
		}
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv(envPartSizeMB, "32")
	t.Setenv(envConcurrency, "bad")
	t.Setenv(envSSE, "SSE-KMS")
	t.Setenv(envUsePathStyle, "TRUE")
	s := SettingsFromEnv()
	if s.PartSizeMB != 32 || s.Concurrency != 4 || s.SSE != "sse-kms" || !s.UsePathStyle {
		t.Fatalf("SettingsFromEnv() = %+v", s)
	}
}

func TestDestination(t *testing.T) {
	s, b := newFakeStore(Settings{})
	target, err := locator.Parse("s3://bucket/restore")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	d, err := s.NewDestination(context.Background(), target, nil)
	if err != nil {
		t.Fatalf("NewDestination() error = %v", err)
	}

	dir := entry.New()
	_ = dir.SetPathname("top")
	_ = dir.SetFiletype(entry.TypeDir)
	if err := d.WriteHeader(dir); err != nil {
		t.Fatalf("WriteHeader(dir) error = %v", err)
	}
	if err := d.FinishEntry(); err != nil {
		t.Fatalf("FinishEntry(dir) error = %v", err)
	}

	f := entry.New()
	_ = f.SetPathname("top/a.txt")
	_ = f.SetFiletype(entry.TypeRegular)
	_ = f.SetPerm(0o640)
	_ = f.SetSize(6)
	if err := d.WriteHeader(f); err != nil {
		t.Fatalf("WriteHeader(file) error = %v", err)
	}
	if err := d.WriteDataBlock([]byte("ab"), 0); err != nil {
		t.Fatalf("WriteDataBlock() error = %v", err)
	}
	if err := d.WriteDataBlock([]byte("ef"), 4); err != nil {
		t.Fatalf("WriteDataBlock() with hole error = %v", err)
	}
	if err := d.WriteDataBlock([]byte("x"), 1); status.CodeOf(err) != status.Failed {
		t.Fatalf("backwards block code = %v", status.CodeOf(err))
	}
	if err := d.FinishEntry(); err != nil {
		t.Fatalf("FinishEntry(file) error = %v", err)
	}

	l := entry.New()
	_ = l.SetPathname("top/link")
	_ = l.SetFiletype(entry.TypeSymlink)
	l.Symlink = "a.txt"
	if err := d.WriteHeader(l); status.CodeOf(err) != status.Warn {
		t.Fatalf("WriteHeader(symlink) code = %v, want warn", status.CodeOf(err))
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := string(b.objects["restore/top/a.txt"]); got != "ab\x00\x00ef" {
		t.Fatalf("object = %q", got)
	}
	if got := b.inputs["restore/top/a.txt"].Metadata["mode"]; got != "640" {
		t.Fatalf("mode metadata = %q", got)
	}
	if len(b.objects) != 1 {
		t.Fatalf("objects = %v", b.objects)
	}
}
