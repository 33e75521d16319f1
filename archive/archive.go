// Package archive is the session layer of goarchive. An Archive is opened
// either for reading, where compression filters and the container format are
// detected from the stream, or for writing, where the caller picks one format
// and an ordered filter chain.
//
// A read session yields entries with NextHeader and their bytes with
// ReadData, ReadDataBlock or SkipData. A write session takes entries with
// WriteHeader followed by WriteData, or AddFile for a file on disk.
package archive

import (
	"fmt"

	"github.com/islishude/goarchive/entry"
	"github.com/islishude/goarchive/internal/compress"
	"github.com/islishude/goarchive/internal/format"
	"github.com/islishude/goarchive/status"
)

type Mode int

const (
	Read  Mode = 0
	Write Mode = 1
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) valid() bool { return m == Read || m == Write }

// State is the lifecycle position of a session.
type State int

const (
	StateConfiguring State = iota
	StateOpened
	StateClosed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateOpened:
		return "opened"
	case StateClosed:
		return "closed"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type FilterID = compress.ID

const (
	FilterNone     = compress.None
	FilterGzip     = compress.Gzip
	FilterBzip2    = compress.Bzip2
	FilterCompress = compress.Compress
	FilterProgram  = compress.Program
	FilterLzma     = compress.Lzma
	FilterXz       = compress.Xz
	FilterUu       = compress.Uu
	FilterRpm      = compress.Rpm
	FilterLzip     = compress.Lzip
	FilterLrzip    = compress.Lrzip
	FilterLzop     = compress.Lzop
	FilterGrzip    = compress.Grzip
	FilterLz4      = compress.Lz4
	FilterZstd     = compress.Zstd
)

type FormatID = format.ID

const (
	FormatCpio              = format.Cpio
	FormatTar               = format.Tar
	FormatTarUstar          = format.TarUstar
	FormatTarPaxInterchange = format.TarPaxInterchange
	FormatTarPaxRestricted  = format.TarPaxRestricted
	FormatTarGnutar         = format.TarGnutar
	FormatZip               = format.Zip
	FormatAr                = format.Ar
	FormatArBSD             = format.ArBSD
	FormatMtree             = format.Mtree
	FormatRaw               = format.Raw
	FormatXar               = format.Xar
	Format7Zip              = format.SevenZip
	FormatWarc              = format.Warc
)

type FileType = entry.FileType

const (
	TypeRegular = entry.TypeRegular
	TypeDir     = entry.TypeDir
	TypeSymlink = entry.TypeSymlink
	TypeChar    = entry.TypeChar
	TypeBlock   = entry.TypeBlock
	TypeFifo    = entry.TypeFifo
	TypeSocket  = entry.TypeSocket
)

// Code is a severity. A larger value is a milder outcome.
type Code = status.Code

const (
	EOF    = status.EOF
	OK     = status.OK
	Retry  = status.Retry
	Warn   = status.Warn
	Failed = status.Failed
	Fatal  = status.Fatal
)

// Error is an error carrying a severity code.
type Error = status.Error

// CodeOf maps err to a severity: nil is OK, io.EOF is EOF, an *Error
// reports its own code and anything else is Fatal.
func CodeOf(err error) Code { return status.CodeOf(err) }

// ParseFilter maps a filter name such as "gzip" or "zst" to its id.
func ParseFilter(name string) (FilterID, bool) { return compress.FromString(name) }

// ParseFormat maps a format name such as "pax" or "zip" to its id.
func ParseFormat(name string) (FormatID, bool) { return format.FromString(name) }

// FiltersForName guesses the write filters from an archive file name.
func FiltersForName(name string) []FilterID { return compress.FromExtension(name) }

// FormatForName guesses the output format of an archive from its file name.
func FormatForName(name string) (FormatID, bool) { return format.FromExtension(name) }
