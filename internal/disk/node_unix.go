//go:build linux || darwin

package disk

import (
	"io/fs"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/islishude/goarchive/entry"
)

var umaskMu sync.Mutex

func currentUmask() fs.FileMode {
	umaskMu.Lock()
	defer umaskMu.Unlock()
	old := unix.Umask(0)
	unix.Umask(old)
	return fs.FileMode(old)
}

func mknod(target string, e *entry.Entry) error {
	if e.Filetype() == entry.TypeFifo {
		return unix.Mkfifo(target, 0o600)
	}
	dev := unix.Mkdev(uint32(e.DevMajor), uint32(e.DevMinor))
	return unix.Mknod(target, uint32(e.Filetype())|0o600, int(dev))
}

func setTimes(target string, mtime time.Time, nofollow bool) error {
	ts := unix.NsecToTimespec(mtime.UnixNano())
	flags := 0
	if nofollow {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, target, []unix.Timespec{ts, ts}, flags)
}
