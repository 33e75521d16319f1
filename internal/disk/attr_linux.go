//go:build linux

package disk

import (
	"bytes"
	"os"

	"golang.org/x/sys/unix"

	"github.com/islishude/goarchive/entry"
)

// ReadAttrs fills the extended attributes and inode flags of e from the
// file at path. Filesystems without support leave the fields empty.
func ReadAttrs(path string, e *entry.Entry) error {
	names, err := listXattr(path)
	if err != nil {
		return err
	}
	for _, name := range names {
		v, err := getXattr(path, name)
		if err != nil {
			continue
		}
		if e.Xattrs == nil {
			e.Xattrs = make(map[string][]byte, len(names))
		}
		e.Xattrs[name] = v
	}
	if e.Filetype() == entry.TypeRegular || e.Filetype() == entry.TypeDir {
		if flags, err := getFflags(path); err == nil {
			e.Fflags = flags
		}
	}
	return nil
}

func listXattr(path string) ([]string, error) {
	sz, err := unix.Llistxattr(path, nil)
	if err != nil {
		if err == unix.ENOTSUP {
			return nil, nil
		}
		return nil, err
	}
	if sz <= 0 {
		return nil, nil
	}
	buf := make([]byte, sz)
	n, err := unix.Llistxattr(path, buf)
	if err != nil {
		return nil, err
	}
	var out []string
	for r := range bytes.SplitSeq(buf[:n], []byte{0}) {
		if len(r) > 0 {
			out = append(out, string(r))
		}
	}
	return out, nil
}

func getXattr(path, name string) ([]byte, error) {
	sz, err := unix.Lgetxattr(path, name, nil)
	if err != nil || sz <= 0 {
		return nil, err
	}
	buf := make([]byte, sz)
	n, err := unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func setXattr(path, name string, value []byte) error {
	return unix.Lsetxattr(path, name, value, 0)
}

func getFflags(path string) (uint32, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK|unix.O_NOFOLLOW, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close() //nolint:errcheck
	return unix.IoctlGetUint32(int(f.Fd()), unix.FS_IOC_GETFLAGS)
}

func setFflags(path string, flags uint32) error {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK|unix.O_NOFOLLOW, 0)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	return unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, int(flags))
}
