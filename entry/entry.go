// Package entry describes one archived item independently of the container
// format that stores it.
package entry

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"strings"
	"time"
)

// FileType tags use the traditional S_IF* values so they survive a trip
// through cpio, ar and tar mode fields unchanged.
type FileType uint32

const (
	TypeRegular FileType = 0o100000
	TypeDir     FileType = 0o040000
	TypeChar    FileType = 0o020000
	TypeBlock   FileType = 0o060000
	TypeFifo    FileType = 0o010000
	TypeSymlink FileType = 0o120000
	TypeSocket  FileType = 0o140000

	typeMask FileType = 0o170000
)

// PermMask covers the permission, setuid, setgid and sticky bits.
const PermMask = 0o7777

func (t FileType) Valid() bool {
	switch t {
	case TypeRegular, TypeDir, TypeChar, TypeBlock, TypeFifo, TypeSymlink, TypeSocket:
		return true
	default:
		return false
	}
}

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "file"
	case TypeDir:
		return "dir"
	case TypeChar:
		return "char"
	case TypeBlock:
		return "block"
	case TypeFifo:
		return "fifo"
	case TypeSymlink:
		return "link"
	case TypeSocket:
		return "socket"
	default:
		return fmt.Sprintf("type(%#o)", uint32(t))
	}
}

// TypeFromMode extracts the file type bits from a raw st_mode style value.
func TypeFromMode(mode uint32) FileType { return FileType(mode) & typeMask }

var ErrType = errors.New("invalid entry value")

// TypeError reports a setter argument outside the field's domain.
type TypeError struct {
	Field string
	Value any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("entry: invalid %s %v", e.Field, e.Value)
}

func (e *TypeError) Unwrap() error { return ErrType }

// Entry holds the metadata of one archived item. Pathname, size, file type
// and permissions go through validating setters; the remaining attributes are
// plain fields filled in by drivers and callers.
type Entry struct {
	pathname string
	size     int64
	sizeSet  bool
	filetype FileType
	perm     uint32
	permSet  bool

	ModTime  time.Time
	Uid      int
	Gid      int
	Uname    string
	Gname    string
	Symlink  string
	Hardlink string
	DevMajor int64
	DevMinor int64
	// Xattrs includes ACLs stored as system.posix_acl_* attributes.
	Xattrs map[string][]byte
	// Fflags holds Linux inode flags (chattr).
	Fflags uint32
}

func New() *Entry { return &Entry{} }

// Clear resets every field so the entry can describe the next item.
func (e *Entry) Clear() { *e = Entry{} }

func (e *Entry) Clone() *Entry {
	c := *e
	if e.Xattrs != nil {
		c.Xattrs = maps.Clone(e.Xattrs)
	}
	return &c
}

func (e *Entry) SetPathname(name string) error {
	if strings.IndexByte(name, 0) >= 0 {
		return &TypeError{Field: "pathname", Value: fmt.Sprintf("%q", name)}
	}
	e.pathname = name
	return nil
}

func (e *Entry) SetSize(size int64) error {
	if size < 0 {
		return &TypeError{Field: "size", Value: size}
	}
	e.size = size
	e.sizeSet = true
	return nil
}

// UnsetSize marks the size as unknown, as for a raw stream.
func (e *Entry) UnsetSize() {
	e.size = 0
	e.sizeSet = false
}

func (e *Entry) SetFiletype(t FileType) error {
	if !t.Valid() {
		return &TypeError{Field: "filetype", Value: fmt.Sprintf("%#o", uint32(t))}
	}
	e.filetype = t
	return nil
}

func (e *Entry) SetPerm(perm uint32) error {
	if perm&^PermMask != 0 {
		return &TypeError{Field: "perm", Value: fmt.Sprintf("%#o", perm)}
	}
	e.perm = perm
	e.permSet = true
	return nil
}

func (e *Entry) Pathname() string   { return e.pathname }
func (e *Entry) Size() int64        { return e.size }
func (e *Entry) SizeIsSet() bool    { return e.sizeSet }
func (e *Entry) Filetype() FileType { return e.filetype }
func (e *Entry) Perm() uint32       { return e.perm }
func (e *Entry) PermIsSet() bool    { return e.permSet }

// RawMode returns the st_mode style combination of type and permission bits.
func (e *Entry) RawMode() uint32 { return uint32(e.filetype) | e.perm }

// Mode converts the entry type and permissions to an fs.FileMode.
func (e *Entry) Mode() fs.FileMode {
	m := fs.FileMode(e.perm & 0o777)
	if e.perm&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if e.perm&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if e.perm&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	switch e.filetype {
	case TypeDir:
		m |= fs.ModeDir
	case TypeSymlink:
		m |= fs.ModeSymlink
	case TypeChar:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case TypeBlock:
		m |= fs.ModeDevice
	case TypeFifo:
		m |= fs.ModeNamedPipe
	case TypeSocket:
		m |= fs.ModeSocket
	}
	return m
}

// Validate checks that the fields required to commit a header are present.
func (e *Entry) Validate() error {
	if e.filetype == 0 {
		return &TypeError{Field: "filetype", Value: "unset"}
	}
	if !e.permSet {
		return &TypeError{Field: "perm", Value: "unset"}
	}
	if e.pathname == "" {
		return &TypeError{Field: "pathname", Value: `""`}
	}
	return nil
}

// PermFromMode extracts the permission bits, including setuid, setgid and
// sticky, from an fs.FileMode.
func PermFromMode(m fs.FileMode) uint32 {
	perm := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		perm |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		perm |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		perm |= 0o1000
	}
	return perm
}

// TypeFromFileMode maps an fs.FileMode to an entry type. It returns 0 for
// modes that have no archive representation.
func TypeFromFileMode(m fs.FileMode) FileType {
	switch {
	case m.IsRegular():
		return TypeRegular
	case m.IsDir():
		return TypeDir
	case m&fs.ModeSymlink != 0:
		return TypeSymlink
	case m&fs.ModeNamedPipe != 0:
		return TypeFifo
	case m&fs.ModeSocket != 0:
		return TypeSocket
	case m&fs.ModeCharDevice != 0:
		return TypeChar
	case m&fs.ModeDevice != 0:
		return TypeBlock
	default:
		return 0
	}
}

// FromFileInfo builds an entry from disk metadata. linkname is the symlink
// target and is ignored for other types.
func FromFileInfo(name string, fi fs.FileInfo, linkname string) (*Entry, error) {
	e := New()
	if err := e.SetPathname(name); err != nil {
		return nil, err
	}
	t := TypeFromFileMode(fi.Mode())
	if err := e.SetFiletype(t); err != nil {
		return nil, err
	}
	if err := e.SetPerm(PermFromMode(fi.Mode())); err != nil {
		return nil, err
	}
	size := int64(0)
	if t == TypeRegular {
		size = fi.Size()
	}
	if err := e.SetSize(size); err != nil {
		return nil, err
	}
	if t == TypeSymlink {
		e.Symlink = linkname
	}
	e.ModTime = fi.ModTime()
	fillSys(e, fi)
	return e, nil
}
