//go:build !unix

package entry

import "io/fs"

func fillSys(*Entry, fs.FileInfo) {}
