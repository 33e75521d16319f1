package format

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/islishude/goarchive/entry"
)

const (
	xattrPrefix       = "LIBARCHIVE.xattr."
	schilyXattrPrefix = "SCHILY.xattr."
	fflagsKey         = "GOARCHIVE.fflags"
)

// encodePAX returns the records carrying the attributes that have no ustar
// field: extended attributes (ACLs included) and inode flags.
func encodePAX(e *entry.Entry) map[string]string {
	if len(e.Xattrs) == 0 && e.Fflags == 0 {
		return nil
	}
	out := make(map[string]string, len(e.Xattrs)+1)
	for k, v := range e.Xattrs {
		out[xattrPrefix+url.QueryEscape(k)] = base64.StdEncoding.EncodeToString(v)
	}
	if e.Fflags != 0 {
		out[fflagsKey] = strconv.FormatUint(uint64(e.Fflags), 10)
	}
	return out
}

func decodePAX(records map[string]string, e *entry.Entry) error {
	for k, v := range records {
		switch {
		case strings.HasPrefix(k, xattrPrefix):
			name, err := url.QueryUnescape(strings.TrimPrefix(k, xattrPrefix))
			if err != nil {
				return fmt.Errorf("decode xattr name: %w", err)
			}
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return fmt.Errorf("decode xattr %q: %w", name, err)
			}
			setXattr(e, name, b)
		case strings.HasPrefix(k, schilyXattrPrefix):
			name := strings.TrimPrefix(k, schilyXattrPrefix)
			if _, ok := e.Xattrs[name]; !ok {
				setXattr(e, name, []byte(v))
			}
		case k == fflagsKey:
			f, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return fmt.Errorf("decode fflags: %w", err)
			}
			e.Fflags = uint32(f)
		}
	}
	return nil
}

func setXattr(e *entry.Entry, name string, v []byte) {
	if e.Xattrs == nil {
		e.Xattrs = make(map[string][]byte)
	}
	e.Xattrs[name] = v
}
