//go:build linux || darwin

package disk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islishude/goarchive/entry"
)

func TestWriterFifo(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, Options{Perm: true}, nil)
	require.NoError(t, err)

	require.NoError(t, w.WriteHeader(newEntry(t, "pipe", entry.TypeFifo, 0o600, 0)))
	require.NoError(t, w.FinishEntry())
	require.NoError(t, w.Close())

	fi, err := os.Lstat(filepath.Join(root, "pipe"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeNamedPipe)
}

func TestWriterSymlinkTimesDoNotFollow(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, Options{Time: true}, nil)
	require.NoError(t, err)

	require.NoError(t, w.WriteHeader(newEntry(t, "target", entry.TypeRegular, 0o644, 0)))
	require.NoError(t, w.FinishEntry())
	before, err := os.Stat(filepath.Join(root, "target"))
	require.NoError(t, err)

	link := newEntry(t, "link", entry.TypeSymlink, 0o777, 0)
	link.Symlink = "target"
	link.ModTime = time.Unix(1000, 0)
	require.NoError(t, w.WriteHeader(link))
	require.NoError(t, w.FinishEntry())
	require.NoError(t, w.Close())

	lfi, err := os.Lstat(filepath.Join(root, "link"))
	require.NoError(t, err)
	assert.True(t, lfi.ModTime().Equal(time.Unix(1000, 0)))
	after, err := os.Stat(filepath.Join(root, "target"))
	require.NoError(t, err)
	assert.True(t, after.ModTime().Equal(before.ModTime()))
}
