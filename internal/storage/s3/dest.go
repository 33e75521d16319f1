package s3

import (
	"context"
	"errors"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/locator"
	"github.com/islishude/goarchive/status"
)

// Destination uploads the regular files of an archive below an S3 prefix,
// one object per entry. Directories are implied by the keys.
type Destination struct {
	ctx    context.Context
	store  *Store
	bucket string
	prefix string
	log    *zap.Logger

	name string
	w    io.WriteCloser
	next int64
}

// NewDestination returns a destination rooted at target, which must be an
// s3 reference. Its key is used as the object prefix.
func (s *Store) NewDestination(ctx context.Context, target locator.Ref, log *zap.Logger) (*Destination, error) {
	if target.Kind != locator.KindS3 {
		return nil, errors.New("extract target is not s3")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Destination{ctx: ctx, store: s, bucket: target.Bucket, prefix: target.Key, log: log}, nil
}

func (d *Destination) WriteHeader(e *entry.Entry) error {
	if err := d.closeObject(); err != nil {
		return status.Wrap(status.Fatal, "write header", err)
	}
	switch {
	case e.Filetype() == entry.TypeDir:
		return nil
	case e.Filetype() != entry.TypeRegular || e.Hardlink != "":
		return status.Warnf("write header", "%s: cannot store a %s in s3", e.Pathname(), e.Filetype())
	}
	key := locator.JoinS3Prefix(d.prefix, e.Pathname())
	ref := locator.Ref{Kind: locator.KindS3, Raw: "s3://" + d.bucket + "/" + key, Bucket: d.bucket, Key: key}
	meta := map[string]string{
		"mode": strconv.FormatUint(uint64(e.Perm()), 8),
	}
	if !e.ModTime.IsZero() {
		meta["mtime"] = strconv.FormatInt(e.ModTime.Unix(), 10)
	}
	w, err := d.store.OpenWriter(d.ctx, ref, meta)
	if err != nil {
		return status.New(status.Failed, "write header", err)
	}
	d.name, d.w, d.next = e.Pathname(), w, 0
	d.log.Debug("uploading entry", zap.String("key", ref.Key))
	return nil
}

// WriteDataBlock streams p into the current object. Holes are filled with
// zeros; blocks must not go backwards.
func (d *Destination) WriteDataBlock(p []byte, off int64) error {
	if d.w == nil {
		return nil
	}
	if off < d.next {
		return status.Failedf("write data", "%s: out of order block at %d", d.name, off)
	}
	if gap := off - d.next; gap > 0 {
		if _, err := io.CopyN(d.w, zeros{}, gap); err != nil {
			return status.Wrap(status.Fatal, "write data", err)
		}
	}
	n, err := d.w.Write(p)
	d.next = off + int64(n)
	if err != nil {
		return status.Wrap(status.Fatal, "write data", err)
	}
	return nil
}

func (d *Destination) FinishEntry() error {
	if err := d.closeObject(); err != nil {
		return status.Wrap(status.Failed, "finish entry", err)
	}
	return nil
}

func (d *Destination) Close() error {
	if err := d.closeObject(); err != nil {
		return status.Wrap(status.Fatal, "close", err)
	}
	return nil
}

func (d *Destination) closeObject() error {
	if d.w == nil {
		return nil
	}
	err := d.w.Close()
	d.w, d.name, d.next = nil, "", 0
	return err
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
