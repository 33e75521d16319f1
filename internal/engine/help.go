package engine

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// AddSuffix inserts suffix before the archive extensions of fileName, so
// out.tar.gz becomes out-<suffix>.tar.gz. The suffix "date" expands to the
// current date.
func AddSuffix(fileName, suffix string) string {
	if suffix == "" || fileName == "-" {
		return fileName
	}
	ext := filepath.Ext(fileName)
	// don't add suffix if the file is a hidden name
	if ext == filepath.Base(fileName) {
		return fileName
	}
	dir := filepath.Dir(fileName)
	if inner := filepath.Ext(strings.TrimSuffix(fileName, ext)); inner == ".tar" || inner == ".cpio" || inner == ".warc" {
		ext = inner + ext
	}
	file := strings.TrimSuffix(filepath.Base(fileName), ext)
	switch suffix {
	case "date":
		file = fmt.Sprintf("%s-%s%s", file, time.Now().Format("20060102"), ext)
	default:
		file = fmt.Sprintf("%s-%s%s", file, suffix, ext)
	}
	return filepath.Join(dir, file)
}
