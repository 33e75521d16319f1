// Package s3 streams archives to and from S3 objects.
package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	tmtypes "github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager/types"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/islishude/goarchive/internal/locator"
)

// Environment variables read by New.
const (
	envMaxRetries   = "GOARCHIVE_S3_MAX_RETRIES"
	envSSE          = "GOARCHIVE_S3_SSE"
	envSSEKMSKeyID  = "GOARCHIVE_S3_SSE_KMS_KEY_ID"
	envPartSizeMB   = "GOARCHIVE_S3_PART_SIZE_MB"
	envConcurrency  = "GOARCHIVE_S3_CONCURRENCY"
	envUsePathStyle = "GOARCHIVE_S3_USE_PATH_STYLE"
)

type Store struct {
	get      func(ctx context.Context, in *awss3.GetObjectInput) (*awss3.GetObjectOutput, error)
	upload   func(ctx context.Context, in *transfermanager.UploadObjectInput) error
	settings Settings
}

type Settings struct {
	PartSizeMB   int64
	Concurrency  int
	SSE          string
	SSEKMSKeyID  string
	UsePathStyle bool
}

type Metadata struct {
	Size int64
	ETag string
}

// SettingsFromEnv reads the GOARCHIVE_S3_* tuning variables.
func SettingsFromEnv() Settings {
	s := Settings{
		PartSizeMB:   16,
		Concurrency:  4,
		SSE:          strings.ToLower(strings.TrimSpace(defaultString(os.Getenv(envSSE), "AES256"))),
		SSEKMSKeyID:  strings.TrimSpace(os.Getenv(envSSEKMSKeyID)),
		UsePathStyle: strings.EqualFold(strings.TrimSpace(os.Getenv(envUsePathStyle)), "true"),
	}
	if v, ok := int64FromEnv(envPartSizeMB); ok && v > 0 {
		s.PartSizeMB = v
	}
	if v, ok := intFromEnv(envConcurrency); ok && v > 0 {
		s.Concurrency = v
	}
	return s
}

// New builds a store from the default AWS configuration and the
// environment.
func New(ctx context.Context) (*Store, error) {
	return NewWithSettings(ctx, SettingsFromEnv())
}

func NewWithSettings(ctx context.Context, settings Settings) (*Store, error) {
	var opts []func(*config.LoadOptions) error
	if retryMax, ok := intFromEnv(envMaxRetries); ok {
		opts = append(opts, config.WithRetryMaxAttempts(retryMax))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.UsePathStyle = settings.UsePathStyle
	})
	tm := transfermanager.New(client, func(o *transfermanager.Options) {
		o.PartSizeBytes = settings.PartSizeMB * 1024 * 1024
		o.Concurrency = settings.Concurrency
	})
	return &Store{
		get: func(ctx context.Context, in *awss3.GetObjectInput) (*awss3.GetObjectOutput, error) {
			return client.GetObject(ctx, in)
		},
		upload: func(ctx context.Context, in *transfermanager.UploadObjectInput) error {
			_, err := tm.UploadObject(ctx, in)
			return err
		},
		settings: settings,
	}, nil
}

func (s *Store) OpenReader(ctx context.Context, ref locator.Ref) (io.ReadCloser, Metadata, error) {
	if ref.Kind != locator.KindS3 {
		return nil, Metadata{}, fmt.Errorf("ref %q is not s3", ref.Raw)
	}
	if strings.TrimSpace(ref.Key) == "" {
		return nil, Metadata{}, fmt.Errorf("s3 object key cannot be empty: %q", ref.Raw)
	}
	out, err := s.get(ctx, &awss3.GetObjectInput{Bucket: aws.String(ref.Bucket), Key: aws.String(ref.Key)})
	if err != nil {
		return nil, Metadata{}, err
	}
	return out.Body, Metadata{Size: aws.ToInt64(out.ContentLength), ETag: aws.ToString(out.ETag)}, nil
}

// OpenWriter starts a streaming upload to ref. The object is complete once
// Close returns without error.
func (s *Store) OpenWriter(ctx context.Context, ref locator.Ref, metadata map[string]string) (io.WriteCloser, error) {
	if ref.Kind != locator.KindS3 {
		return nil, fmt.Errorf("ref %q is not s3", ref.Raw)
	}
	if strings.TrimSpace(ref.Key) == "" {
		return nil, fmt.Errorf("s3 object key cannot be empty: %q", ref.Raw)
	}
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	in := &transfermanager.UploadObjectInput{
		Bucket:      aws.String(ref.Bucket),
		Key:         aws.String(ref.Key),
		Body:        pr,
		Metadata:    metadata,
		ContentType: aws.String(contentTypeForKey(ref.Key)),
	}
	s.applyEncryption(in)
	go func() {
		err := s.upload(ctx, in)
		_ = pr.CloseWithError(err)
		errCh <- err
		close(errCh)
	}()
	return &uploadWriter{pw: pw, errCh: errCh}, nil
}

func (s *Store) applyEncryption(in *transfermanager.UploadObjectInput) {
	switch s.settings.SSE {
	case "", "aes256", "sse-s3":
		in.ServerSideEncryption = tmtypes.ServerSideEncryptionAes256
	case "aws:kms", "sse-kms":
		in.ServerSideEncryption = tmtypes.ServerSideEncryptionAwsKms
		if s.settings.SSEKMSKeyID != "" {
			in.SSEKMSKeyID = aws.String(s.settings.SSEKMSKeyID)
		}
	case "none":
		return
	default:
		in.ServerSideEncryption = tmtypes.ServerSideEncryptionAes256
	}
}

var contentTypes = map[string]string{
	".gz":   "application/gzip",
	".tgz":  "application/gzip",
	".bz2":  "application/x-bzip2",
	".tbz2": "application/x-bzip2",
	".xz":   "application/x-xz",
	".txz":  "application/x-xz",
	".zst":  "application/zstd",
	".lz4":  "application/x-lz4",
	".lzma": "application/x-lzma",
	".tar":  "application/x-tar",
	".zip":  "application/zip",
	".cpio": "application/x-cpio",
	".ar":   "application/x-archive",
	".warc": "application/warc",
	".uu":   "text/x-uuencode",
	".txt":  "text/plain; charset=utf-8",
}

func contentTypeForKey(key string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	return "application/octet-stream"
}

type uploadWriter struct {
	pw    *io.PipeWriter
	errCh <-chan error
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *uploadWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	if err, ok := <-w.errCh; ok && err != nil {
		return err
	}
	return nil
}

func intFromEnv(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	x, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return x, true
}

func int64FromEnv(key string) (int64, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	x, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return x, true
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
