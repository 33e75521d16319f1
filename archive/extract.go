package archive

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/disk"
	"github.com/islishude/goarchive/status"
)

// Flag selects which attributes extraction restores.
type Flag uint

const (
	ExtractTime Flag = 1 << iota
	ExtractPerm
	ExtractACL
	ExtractFFlags
	ExtractXattr
	ExtractOwner
)

// DefaultFlags matches libarchive's extract defaults.
const DefaultFlags = ExtractTime | ExtractPerm | ExtractACL | ExtractFFlags

// Destination receives the entries of an extraction run.
type Destination interface {
	WriteHeader(e *entry.Entry) error
	WriteDataBlock(p []byte, offset int64) error
	FinishEntry() error
	Close() error
}

// Result summarizes an extraction run. Code is OK when every entry was
// processed, otherwise the code of the error that stopped the run.
type Result struct {
	Code     Code
	Entries  int
	Warnings []error
}

type extractConfig struct {
	flags  Flag
	strip  int
	filter func(*entry.Entry) bool
	// onEntry is called after an entry has been handed to the destination.
	onEntry func(*entry.Entry)
}

type ExtractOption func(*extractConfig)

// WithFlags replaces the default attribute flags.
func WithFlags(f Flag) ExtractOption {
	return func(c *extractConfig) { c.flags = f }
}

// WithStripComponents drops the first n path elements of every entry.
// Entries left with an empty path are skipped.
func WithStripComponents(n int) ExtractOption {
	return func(c *extractConfig) { c.strip = n }
}

// WithFilter skips entries for which keep returns false.
func WithFilter(keep func(*entry.Entry) bool) ExtractOption {
	return func(c *extractConfig) { c.filter = keep }
}

// WithEntryHook calls fn for every extracted entry.
func WithEntryHook(fn func(*entry.Entry)) ExtractOption {
	return func(c *extractConfig) { c.onEntry = fn }
}

func newExtractConfig(opts []ExtractOption) extractConfig {
	cfg := extractConfig{flags: DefaultFlags}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Extract writes every entry of src below dir.
func Extract(ctx context.Context, src *Archive, dir string, opts ...ExtractOption) (Result, error) {
	cfg := newExtractConfig(opts)
	dst, err := disk.New(dir, disk.Options{
		Time:   cfg.flags&ExtractTime != 0,
		Perm:   cfg.flags&ExtractPerm != 0,
		ACL:    cfg.flags&ExtractACL != 0,
		FFlags: cfg.flags&ExtractFFlags != 0,
		Xattr:  cfg.flags&ExtractXattr != 0,
		Owner:  cfg.flags&ExtractOwner != 0,
	}, src.log)
	if err != nil {
		return Result{Code: Fatal}, status.Wrap(status.Fatal, "extract", err)
	}
	return extract(ctx, src, dst, cfg)
}

// ExtractTo drives the extraction of src into any destination. dst is
// closed before ExtractTo returns.
func ExtractTo(ctx context.Context, src *Archive, dst Destination, opts ...ExtractOption) (Result, error) {
	return extract(ctx, src, dst, newExtractConfig(opts))
}

func extract(ctx context.Context, src *Archive, dst Destination, cfg extractConfig) (res Result, err error) {
	log := src.log.With(zap.String("op", "extract"))
	warn := func(name string, w error) {
		res.Warnings = append(res.Warnings, w)
		log.Warn("extract warning",
			zap.String("entry", name),
			zap.Stringer("code", status.CodeOf(w)),
			zap.Error(w))
	}
	fail := func(e error) (Result, error) {
		res.Code = status.CodeOf(e)
		return res, e
	}
	defer func() {
		cerr := dst.Close()
		switch {
		case cerr == nil:
		case err != nil:
			log.Debug("closing destination", zap.Error(cerr))
		case status.CodeOf(cerr).Aborts():
			res.Code, err = status.CodeOf(cerr), cerr
		default:
			warn("", cerr)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return fail(status.New(status.Fatal, "extract", ctx.Err()))
		default:
		}

		e, herr := src.NextHeader()
		if errors.Is(herr, io.EOF) {
			res.Code = OK
			return res, nil
		}
		if herr != nil {
			if status.CodeOf(herr).Aborts() {
				return fail(herr)
			}
			warn(entryName(e), herr)
		}

		if !cfg.keep(e) {
			if serr := src.SkipData(); serr != nil && status.CodeOf(serr).Aborts() {
				return fail(serr)
			}
			continue
		}

		name := e.Pathname()
		wrote := dst.WriteHeader(e)
		if wrote != nil {
			warn(name, wrote)
		} else if e.Size() > 0 || !e.SizeIsSet() {
			if terr := transfer(src, dst, name); terr != nil {
				if status.CodeOf(terr).Aborts() {
					return fail(terr)
				}
				warn(name, terr)
			}
		}
		if ferr := dst.FinishEntry(); ferr != nil {
			if status.CodeOf(ferr).Aborts() {
				return fail(ferr)
			}
			warn(name, ferr)
		}
		res.Entries++
		if cfg.onEntry != nil {
			cfg.onEntry(e)
		}
	}
}

// keep applies the filter and strip-components to e, rewriting its paths.
func (c extractConfig) keep(e *entry.Entry) bool {
	if c.filter != nil && !c.filter(e) {
		return false
	}
	if c.strip <= 0 {
		return true
	}
	name, ok := StripComponents(e.Pathname(), c.strip)
	if !ok {
		return false
	}
	if err := e.SetPathname(name); err != nil {
		return false
	}
	if e.Hardlink != "" {
		link, ok := StripComponents(e.Hardlink, c.strip)
		if !ok {
			return false
		}
		e.Hardlink = link
	}
	return true
}

func transfer(src *Archive, dst Destination, name string) error {
	for {
		blk, err := src.ReadDataBlock()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &TransferError{Path: name, Err: err}
		}
		if err := dst.WriteDataBlock(blk.Data, blk.Offset); err != nil {
			return &TransferError{Path: name, Err: err}
		}
	}
}

// StripComponents drops the first count elements of name. It reports false
// when nothing is left.
func StripComponents(name string, count int) (string, bool) {
	if count <= 0 {
		return name, true
	}
	clean := path.Clean(strings.TrimPrefix(name, "/"))
	parts := make([]string, 0)
	for p := range strings.SplitSeq(clean, "/") {
		if p == "" || p == "." {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) <= count {
		return "", false
	}
	return strings.Join(parts[count:], "/"), true
}

func entryName(e *entry.Entry) string {
	if e == nil {
		return ""
	}
	return e.Pathname()
}
