//go:build !linux

package disk

import (
	"errors"

	"github.com/islishude/goarchive/entry"
)

var errNoAttrs = errors.New("extended attributes and inode flags are not supported on this platform")

// ReadAttrs is a no-op where extended attributes are not supported.
func ReadAttrs(string, *entry.Entry) error { return nil }

func setXattr(string, string, []byte) error { return errNoAttrs }

func setFflags(string, uint32) error { return errNoAttrs }
