package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/islishude/goarchive/archive"
	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/cli"
)

func (r *Runner) runList(ctx context.Context, opts cli.Options) (int, error) {
	a, err := r.openReader(ctx, opts)
	if err != nil {
		return 0, err
	}
	defer a.Destroy() //nolint:errcheck
	return r.scanArchive(ctx, a, opts, func(e *entry.Entry) error {
		if opts.Verbose {
			_, _ = fmt.Fprintln(r.stdout, longListing(e))
		} else {
			_, _ = fmt.Fprintln(r.stdout, e.Pathname())
		}
		return nil
	})
}

// longListing formats e the way tar -tv does.
func longListing(e *entry.Entry) string {
	owner := e.Uname
	if owner == "" {
		owner = strconv.Itoa(e.Uid)
	}
	group := e.Gname
	if group == "" {
		group = strconv.Itoa(e.Gid)
	}
	size := strconv.FormatInt(e.Size(), 10)
	if e.Filetype() == archive.TypeChar || e.Filetype() == archive.TypeBlock {
		size = fmt.Sprintf("%d,%d", e.DevMajor, e.DevMinor)
	}
	line := fmt.Sprintf("%s %s/%s %8s %s %s",
		modeString(e), owner, group, size, e.ModTime.Format("2006-01-02 15:04"), e.Pathname())
	switch {
	case e.Hardlink != "":
		line += " link to " + e.Hardlink
	case e.Filetype() == archive.TypeSymlink:
		line += " -> " + e.Symlink
	}
	return line
}

func modeString(e *entry.Entry) string {
	const rwx = "rwxrwxrwx"
	buf := make([]byte, 10)
	switch e.Filetype() {
	case archive.TypeDir:
		buf[0] = 'd'
	case archive.TypeSymlink:
		buf[0] = 'l'
	case archive.TypeChar:
		buf[0] = 'c'
	case archive.TypeBlock:
		buf[0] = 'b'
	case archive.TypeFifo:
		buf[0] = 'p'
	case archive.TypeSocket:
		buf[0] = 's'
	default:
		buf[0] = '-'
	}
	perm := e.Perm()
	for i := range 9 {
		if perm&(1<<uint(8-i)) != 0 {
			buf[i+1] = rwx[i]
		} else {
			buf[i+1] = '-'
		}
	}
	if perm&0o4000 != 0 {
		buf[3] = setBit(buf[3], 's')
	}
	if perm&0o2000 != 0 {
		buf[6] = setBit(buf[6], 's')
	}
	if perm&0o1000 != 0 {
		buf[9] = setBit(buf[9], 't')
	}
	return string(buf)
}

func setBit(c, lower byte) byte {
	if c == '-' {
		return lower - 'a' + 'A'
	}
	return lower
}
