package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/islishude/goarchive/archive"
	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/cli"
	"github.com/islishude/goarchive/internal/locator"
)

type PermissionPolicy struct {
	SameOwner bool
	SamePerms bool
}

// dataReader adapts the current entry of a read session to io.Reader.
type dataReader struct{ a *archive.Archive }

func (r dataReader) Read(p []byte) (int, error) { return r.a.ReadData(p) }

// openReader opens opts.Archive for reading with every format and filter
// enabled.
func (r *Runner) openReader(ctx context.Context, opts cli.Options, refs ...string) (*archive.Archive, error) {
	sopts, err := r.sessionOptions(ctx, opts, append([]string{opts.Archive}, refs...)...)
	if err != nil {
		return nil, err
	}
	a, err := archive.New(archive.Read, sopts...)
	if err != nil {
		return nil, err
	}
	if err := a.SupportAll(); err != nil {
		return nil, err
	}
	if opts.Program != "" {
		if err := a.AddFilter(archive.FilterProgram, opts.Program); err != nil {
			return nil, err
		}
	}
	if err := a.Open(ctx, opts.Archive); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *Runner) runExtract(ctx context.Context, opts cli.Options) (int, error) {
	target := opts.Chdir
	if target == "" {
		target = "."
	}
	a, err := r.openReader(ctx, opts, target)
	if err != nil {
		return 0, err
	}
	defer a.Destroy() //nolint:errcheck

	if opts.ToStdout {
		return r.extractToStdout(ctx, a, opts)
	}

	xopts := []archive.ExtractOption{
		archive.WithFlags(extractFlags(opts)),
		archive.WithStripComponents(opts.StripComponents),
	}
	if len(opts.Members) > 0 {
		xopts = append(xopts, archive.WithFilter(func(e *entry.Entry) bool {
			return !shouldSkipMember(opts, e.Pathname())
		}))
	}
	if opts.Verbose {
		xopts = append(xopts, archive.WithEntryHook(func(e *entry.Entry) {
			_, _ = fmt.Fprintln(r.stdout, e.Pathname())
		}))
	}

	ref, err := locator.ParseMember(target)
	if err != nil {
		return 0, err
	}
	var res archive.Result
	switch ref.Kind {
	case locator.KindS3:
		st, serr := r.objectStore(ctx)
		if serr != nil {
			return 0, serr
		}
		dst, derr := st.NewDestination(ctx, ref, r.log)
		if derr != nil {
			return 0, derr
		}
		res, err = archive.ExtractTo(ctx, a, dst, xopts...)
	case locator.KindLocal:
		res, err = archive.Extract(ctx, a, ref.Path, xopts...)
	default:
		return 0, fmt.Errorf("unsupported extract target %q", target)
	}
	for _, w := range res.Warnings {
		r.warn("", w)
	}
	if err != nil {
		return len(res.Warnings), err
	}
	if err := a.Close(); err != nil {
		return len(res.Warnings), err
	}
	return len(res.Warnings), nil
}

// extractToStdout writes the data of the selected regular files to stdout.
func (r *Runner) extractToStdout(ctx context.Context, a *archive.Archive, opts cli.Options) (int, error) {
	return r.scanArchive(ctx, a, opts, func(e *entry.Entry) error {
		if _, ok := archive.StripComponents(e.Pathname(), opts.StripComponents); !ok {
			return nil
		}
		if e.Filetype() != archive.TypeRegular || e.Hardlink != "" {
			return nil
		}
		_, err := io.Copy(r.stdout, dataReader{a})
		return err
	})
}

// scanArchive calls fn for every entry selected by opts.Members. Data fn
// leaves unread is skipped. Header warnings are reported and counted.
func (r *Runner) scanArchive(ctx context.Context, a *archive.Archive, opts cli.Options, fn func(e *entry.Entry) error) (int, error) {
	warnings := 0
	for {
		select {
		case <-ctx.Done():
			return warnings, ctx.Err()
		default:
		}
		e, err := a.NextHeader()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if archive.CodeOf(err).Aborts() {
				return warnings, err
			}
			r.warn(e.Pathname(), err)
			warnings++
		}
		if !shouldSkipMember(opts, e.Pathname()) {
			if err := fn(e); err != nil {
				return warnings, err
			}
		}
		if err := a.SkipData(); err != nil && archive.CodeOf(err).Aborts() {
			return warnings, err
		}
	}
	return warnings, a.Close()
}

func resolvePolicy(opts cli.Options) PermissionPolicy {
	isRoot := os.Geteuid() == 0
	policy := PermissionPolicy{SameOwner: isRoot, SamePerms: isRoot}
	if opts.SameOwner != nil {
		policy.SameOwner = *opts.SameOwner
	}
	if opts.SamePermissions != nil {
		policy.SamePerms = *opts.SamePermissions
	}
	return policy
}

func extractFlags(opts cli.Options) archive.Flag {
	policy := resolvePolicy(opts)
	flags := archive.ExtractTime | archive.ExtractFFlags
	if policy.SamePerms {
		flags |= archive.ExtractPerm
	}
	if policy.SameOwner {
		flags |= archive.ExtractOwner
	}
	if opts.ACL {
		flags |= archive.ExtractACL
	}
	if opts.Xattrs {
		flags |= archive.ExtractXattr
	}
	return flags
}
