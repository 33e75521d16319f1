package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/islishude/goarchive/archive"
	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/cli"
	"github.com/islishude/goarchive/internal/disk"
	"github.com/islishude/goarchive/internal/locator"
)

// dataWriter adapts a write session to io.Writer.
type dataWriter struct{ a *archive.Archive }

func (w dataWriter) Write(p []byte) (int, error) { return w.a.WriteData(p) }

func (r *Runner) runCreate(ctx context.Context, opts cli.Options) (warnings int, retErr error) {
	target := opts.Archive
	if ref, err := locator.Parse(target); err == nil && ref.Kind == locator.KindLocal {
		target = AddSuffix(target, opts.Suffix)
	}
	formatID, filters, err := resolveWriteChain(target, opts)
	if err != nil {
		return 0, err
	}
	excludes, err := loadExcludePatterns(opts.Exclude, opts.ExcludeFrom)
	if err != nil {
		return 0, err
	}

	sopts, err := r.sessionOptions(ctx, opts, append([]string{target}, opts.Members...)...)
	if err != nil {
		return 0, err
	}
	a, err := archive.New(archive.Write, sopts...)
	if err != nil {
		return 0, err
	}
	defer a.Destroy() //nolint:errcheck
	for _, id := range filters {
		if err := a.AddFilter(id, opts.Program); err != nil {
			return 0, err
		}
	}
	if err := a.SetFormat(formatID); err != nil {
		return 0, err
	}
	if err := a.Open(ctx, target); err != nil {
		return 0, err
	}
	r.log.Debug("creating archive",
		zap.String("target", target),
		zap.Stringer("format", formatID),
		zap.Stringers("filters", filters))
	defer func() {
		if cerr := a.Close(); cerr != nil && retErr == nil {
			retErr = fmt.Errorf("closing archive: %w", cerr)
		}
	}()

	for _, m := range opts.Members {
		select {
		case <-ctx.Done():
			return warnings, ctx.Err()
		default:
		}
		ref, err := locator.ParseMember(m)
		if err != nil {
			return warnings, err
		}
		var w int
		switch ref.Kind {
		case locator.KindS3:
			if matchExclude(excludes, ref.Key) {
				continue
			}
			w, err = r.addS3Member(ctx, a, ref, opts.Verbose)
		case locator.KindLocal:
			w, err = r.addLocalPath(ctx, a, m, excludes, opts)
		default:
			err = fmt.Errorf("unsupported member reference %q", m)
		}
		warnings += w
		if err != nil {
			return warnings, err
		}
	}
	return warnings, nil
}

// resolveWriteChain picks the output format and filters: explicit options
// first, then the archive name, then restricted pax without filters.
func resolveWriteChain(target string, opts cli.Options) (archive.FormatID, []archive.FilterID, error) {
	name := target
	if ref, err := locator.Parse(target); err == nil {
		name = ref.Name()
	}

	formatID := archive.FormatTarPaxRestricted
	if opts.Format != "" {
		id, ok := archive.ParseFormat(opts.Format)
		if !ok {
			return 0, nil, fmt.Errorf("%w: %q", archive.ErrInvalidFormat, opts.Format)
		}
		formatID = id
	} else if id, ok := archive.FormatForName(name); ok {
		formatID = id
	}

	var filters []archive.FilterID
	switch {
	case len(opts.Filters) > 0:
		for _, f := range opts.Filters {
			id, ok := archive.ParseFilter(f)
			if !ok {
				return 0, nil, fmt.Errorf("%w: %q", archive.ErrInvalidFilter, f)
			}
			filters = append(filters, id)
		}
	case opts.Program != "":
		filters = []archive.FilterID{archive.FilterProgram}
	default:
		filters = archive.FiltersForName(name)
	}
	return formatID, filters, nil
}

// writeEntry writes the header of e and, for regular files, the data from
// body. Warnings are reported and counted.
func (r *Runner) writeEntry(a *archive.Archive, e *entry.Entry, body io.Reader, verbose bool) (int, error) {
	warnings := 0
	if err := a.WriteHeader(e); err != nil {
		if archive.CodeOf(err).Aborts() {
			return warnings, err
		}
		r.warn(e.Pathname(), err)
		warnings++
	}
	if body != nil && e.Filetype() == archive.TypeRegular {
		if _, err := io.Copy(dataWriter{a}, body); err != nil {
			return warnings, err
		}
	}
	if verbose {
		_, _ = fmt.Fprintln(r.stdout, e.Pathname())
	}
	return warnings, nil
}

func (r *Runner) addS3Member(ctx context.Context, a *archive.Archive, ref locator.Ref, verbose bool) (warnings int, err error) {
	if strings.TrimSpace(ref.Key) == "" {
		return 0, fmt.Errorf("s3 member key cannot be empty: %q", ref.Raw)
	}
	st, err := r.objectStore(ctx)
	if err != nil {
		return 0, err
	}
	body, meta, err := st.OpenReader(ctx, ref)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	e := entry.New()
	if err := e.SetPathname(ref.Key); err != nil {
		return 0, err
	}
	_ = e.SetFiletype(archive.TypeRegular)
	_ = e.SetPerm(0o644)
	_ = e.SetSize(meta.Size)
	e.ModTime = time.Now()
	return r.writeEntry(a, e, body, verbose)
}

func (r *Runner) addLocalPath(ctx context.Context, a *archive.Archive, member string, excludes []string, opts cli.Options) (int, error) {
	basePath := member
	if opts.Chdir != "" {
		basePath = filepath.Join(opts.Chdir, member)
	}
	cleanMember := path.Clean(filepath.ToSlash(member))
	warnings := 0
	err := filepath.WalkDir(basePath, func(current string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if current == basePath {
				return walkErr
			}
			r.warn(current, walkErr)
			warnings++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rel, err := filepath.Rel(basePath, current)
		if err != nil {
			return err
		}
		archiveName := cleanMember
		if rel != "." {
			archiveName = path.Join(cleanMember, filepath.ToSlash(rel))
		}
		if matchExclude(excludes, archiveName) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		st, err := os.Lstat(current)
		if err != nil {
			return err
		}
		linkname := ""
		if st.Mode()&os.ModeSymlink != 0 {
			if linkname, err = os.Readlink(current); err != nil {
				return err
			}
		}
		e, err := entry.FromFileInfo(archiveName, st, linkname)
		if err != nil {
			return err
		}
		if e.Filetype() == archive.TypeSocket {
			r.warn(archiveName, errors.New("socket ignored"))
			warnings++
			return nil
		}
		if opts.Xattrs || opts.ACL {
			if err := disk.ReadAttrs(current, e); err != nil {
				r.warn(archiveName, err)
				warnings++
			}
			e.Xattrs = filterXattrs(e.Xattrs, opts.Xattrs, opts.ACL)
		}

		var body io.Reader
		if st.Mode().IsRegular() {
			f, err := os.Open(current)
			if err != nil {
				return err
			}
			defer f.Close() //nolint:errcheck
			body = f
		}
		w, err := r.writeEntry(a, e, body, opts.Verbose)
		warnings += w
		return err
	})
	return warnings, err
}

// filterXattrs keeps ACL attributes when acl is set and all others when
// xattrs is set.
func filterXattrs(in map[string][]byte, xattrs, acl bool) map[string][]byte {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		isACL := strings.HasPrefix(k, "system.posix_acl_")
		if (isACL && acl) || (!isACL && xattrs) {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
