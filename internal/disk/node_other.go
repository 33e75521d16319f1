//go:build !linux && !darwin

package disk

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/islishude/goarchive/entry"
)

func currentUmask() fs.FileMode { return 0o022 }

func mknod(string, *entry.Entry) error {
	return errors.New("device and fifo nodes are not supported on this platform")
}

func setTimes(target string, mtime time.Time, nofollow bool) error {
	if nofollow {
		return nil
	}
	return os.Chtimes(target, mtime, mtime)
}
