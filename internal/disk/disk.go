// Package disk restores archive entries into a local directory tree.
package disk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/status"
)

// Options selects the attributes restored after an entry's data.
type Options struct {
	Time   bool
	Perm   bool
	ACL    bool
	Xattr  bool
	FFlags bool
	Owner  bool
}

// Writer creates files below a root directory. Directory attributes are
// applied on Close so that restrictive modes do not block their children.
// Every file system change goes through an os.Root, so symlinks written by
// earlier entries cannot redirect later ones outside the directory.
type Writer struct {
	root  string
	fsys  *os.Root
	opts  Options
	umask fs.FileMode
	log   *zap.Logger

	cur  *entry.Entry
	rel  string
	path string
	file *os.File
	dirs []pending
}

type pending struct {
	rel  string
	path string
	e    *entry.Entry
}

func New(root string, opts Options, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if root == "" {
		root = "."
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	fsys, err := os.OpenRoot(root)
	if err != nil {
		return nil, err
	}
	return &Writer{root: filepath.Clean(root), fsys: fsys, opts: opts, umask: currentUmask(), log: log}, nil
}

func (w *Writer) WriteHeader(e *entry.Entry) error {
	if err := w.closeFile(); err != nil {
		return status.Wrap(status.Fatal, "write header", err)
	}
	w.cur = nil
	rel, err := relPath(e.Pathname())
	if err != nil {
		return status.New(status.Failed, "write header", err)
	}
	target := filepath.Join(w.root, rel)
	if dir := filepath.Dir(rel); dir != "." {
		if err := w.fsys.MkdirAll(dir, 0o755); err != nil {
			return status.New(status.Failed, "write header", err)
		}
	}

	switch {
	case e.Hardlink != "":
		linkRel, err := relPath(e.Hardlink)
		if err != nil {
			return status.New(status.Failed, "write header", err)
		}
		if err := w.removeExisting(rel); err != nil {
			return status.New(status.Failed, "write header", err)
		}
		if err := w.fsys.Link(linkRel, rel); err != nil {
			return status.New(status.Failed, "write header", err)
		}
	case e.Filetype() == entry.TypeDir:
		if err := w.mkdir(rel); err != nil {
			return status.New(status.Failed, "write header", err)
		}
		w.dirs = append(w.dirs, pending{rel: rel, path: target, e: e.Clone()})
		w.log.Debug("created directory", zap.String("path", target))
		return nil
	case e.Filetype() == entry.TypeRegular:
		if err := w.removeExisting(rel); err != nil {
			return status.New(status.Failed, "write header", err)
		}
		f, err := w.fsys.OpenFile(rel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return status.New(status.Failed, "write header", err)
		}
		w.file = f
	case e.Filetype() == entry.TypeSymlink:
		if err := safeSymlinkTarget(rel, e.Symlink); err != nil {
			return status.New(status.Failed, "write header", err)
		}
		if err := w.removeExisting(rel); err != nil {
			return status.New(status.Failed, "write header", err)
		}
		if err := w.fsys.Symlink(e.Symlink, rel); err != nil {
			return status.New(status.Failed, "write header", err)
		}
	case e.Filetype() == entry.TypeFifo, e.Filetype() == entry.TypeChar, e.Filetype() == entry.TypeBlock:
		if err := w.removeExisting(rel); err != nil {
			return status.New(status.Failed, "write header", err)
		}
		if err := mknod(target, e); err != nil {
			return status.New(status.Failed, "write header", err)
		}
	default:
		return status.Warnf("write header", "%s: cannot restore a %s", e.Pathname(), e.Filetype())
	}
	w.cur, w.rel, w.path = e.Clone(), rel, target
	w.log.Debug("created entry", zap.String("path", target), zap.Stringer("type", e.Filetype()))
	return nil
}

// WriteDataBlock writes p at offset off of the current regular file. Data
// for other entry types is dropped.
func (w *Writer) WriteDataBlock(p []byte, off int64) error {
	if w.file == nil {
		return nil
	}
	if _, err := w.file.WriteAt(p, off); err != nil {
		return status.Wrap(status.Fatal, "write data", err)
	}
	return nil
}

// FinishEntry closes the current file and restores its attributes. Failing
// to restore an attribute is a warning.
func (w *Writer) FinishEntry() error {
	if w.cur == nil {
		return nil
	}
	e, rel, target := w.cur, w.rel, w.path
	w.cur = nil
	if w.file != nil && e.SizeIsSet() {
		// Extend files whose tail was never written.
		if fi, err := w.file.Stat(); err == nil && fi.Size() < e.Size() {
			if err := w.file.Truncate(e.Size()); err != nil {
				return status.Wrap(status.Fatal, "finish entry", err)
			}
		}
	}
	if err := w.closeFile(); err != nil {
		return status.Wrap(status.Fatal, "finish entry", err)
	}
	return w.restore(rel, target, e)
}

// Close restores deferred directory attributes, deepest first.
func (w *Writer) Close() error {
	ferr := w.closeFile()
	slices.SortFunc(w.dirs, func(a, b pending) int { return strings.Compare(b.rel, a.rel) })
	var warns []error
	for _, d := range w.dirs {
		if err := w.restore(d.rel, d.path, d.e); err != nil {
			warns = append(warns, err)
		}
	}
	w.dirs = nil
	if w.fsys != nil {
		if err := w.fsys.Close(); err != nil && ferr == nil {
			ferr = err
		}
		w.fsys = nil
	}
	if ferr != nil {
		return status.Wrap(status.Fatal, "close", ferr)
	}
	if len(warns) > 0 {
		return status.New(status.Warn, "close", errors.Join(warns...))
	}
	return nil
}

func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// restore applies the attributes of e. rel names the file inside the root;
// target is the same file as a host path for calls os.Root does not offer.
func (w *Writer) restore(rel, target string, e *entry.Entry) error {
	var problems []string
	isLink := e.Filetype() == entry.TypeSymlink
	if w.opts.Owner {
		uid, gid := ownerOf(e)
		if err := w.fsys.Lchown(rel, uid, gid); err != nil {
			problems = append(problems, fmt.Sprintf("chown: %v", err))
		}
	}
	if !isLink {
		if err := w.fsys.Chmod(rel, w.mode(e)); err != nil {
			problems = append(problems, fmt.Sprintf("chmod: %v", err))
		}
	}
	for name, value := range e.Xattrs {
		acl := strings.HasPrefix(name, "system.posix_acl_")
		if (acl && !w.opts.ACL) || (!acl && !w.opts.Xattr) {
			continue
		}
		if err := setXattr(target, name, value); err != nil {
			problems = append(problems, fmt.Sprintf("xattr %s: %v", name, err))
		}
	}
	if w.opts.Time && !e.ModTime.IsZero() {
		if err := setTimes(target, e.ModTime, isLink); err != nil {
			problems = append(problems, fmt.Sprintf("utimes: %v", err))
		}
	}
	if w.opts.FFlags && e.Fflags != 0 && !isLink {
		if err := setFflags(target, e.Fflags); err != nil {
			problems = append(problems, fmt.Sprintf("fflags: %v", err))
		}
	}
	if len(problems) > 0 {
		return status.Warnf("restore", "%s: %s", e.Pathname(), strings.Join(problems, "; "))
	}
	return nil
}

// mode computes the final mode of e. Without Perm the umask applies and the
// setuid, setgid and sticky bits are dropped.
func (w *Writer) mode(e *entry.Entry) fs.FileMode {
	m := e.Mode()
	perm := m.Perm() | m&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)
	if !w.opts.Perm {
		perm = m.Perm() &^ w.umask
	}
	return perm
}

func ownerOf(e *entry.Entry) (int, int) {
	uid, gid := e.Uid, e.Gid
	if e.Uname != "" {
		if u, err := user.Lookup(e.Uname); err == nil {
			if v, err := strconv.Atoi(u.Uid); err == nil {
				uid = v
			}
		}
	}
	if e.Gname != "" {
		if g, err := user.LookupGroup(e.Gname); err == nil {
			if v, err := strconv.Atoi(g.Gid); err == nil {
				gid = v
			}
		}
	}
	return uid, gid
}

func (w *Writer) mkdir(rel string) error {
	fi, err := w.fsys.Lstat(rel)
	switch {
	case err == nil && fi.IsDir():
		return nil
	case err == nil:
		if err := w.fsys.Remove(rel); err != nil {
			return err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}
	return w.fsys.Mkdir(rel, 0o700)
}

func (w *Writer) removeExisting(rel string) error {
	fi, err := w.fsys.Lstat(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s: a directory is in the way", rel)
	}
	return w.fsys.Remove(rel)
}

// relPath turns an entry name into a path relative to the extraction
// directory. Leading slashes are dropped; names climbing out are refused.
func relPath(member string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimLeft(member, "/")))
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("refusing to write outside target directory: %s", member)
	}
	return rel, nil
}

// safeSymlinkTarget checks that linkname, read from the symlink at rel,
// stays inside the extraction directory. Absolute targets are refused.
func safeSymlinkTarget(rel, linkname string) error {
	if linkname == "" {
		return fmt.Errorf("symlink target is empty")
	}
	if filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return fmt.Errorf("refusing symlink %q -> %q: absolute target", rel, linkname)
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(rel), filepath.FromSlash(linkname)))
	if resolved == ".." || strings.HasPrefix(resolved, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing symlink %q -> %q: target escapes extraction directory", rel, linkname)
	}
	return nil
}
