//go:build unix

package entry

import (
	"io/fs"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	userMu     sync.Mutex
	userNames  = map[int]string{}
	groupNames = map[int]string{}
)

func fillSys(e *Entry, fi fs.FileInfo) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	e.Uid = int(st.Uid)
	e.Gid = int(st.Gid)
	e.Uname = lookupUser(e.Uid)
	e.Gname = lookupGroup(e.Gid)
	if e.filetype == TypeChar || e.filetype == TypeBlock {
		dev := uint64(st.Rdev) //nolint:unconvert
		e.DevMajor = int64(unix.Major(dev))
		e.DevMinor = int64(unix.Minor(dev))
	}
}

func lookupUser(uid int) string {
	userMu.Lock()
	defer userMu.Unlock()
	if name, ok := userNames[uid]; ok {
		return name
	}
	name := ""
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		name = u.Username
	}
	userNames[uid] = name
	return name
}

func lookupGroup(gid int) string {
	userMu.Lock()
	defer userMu.Unlock()
	if name, ok := groupNames[gid]; ok {
		return name
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		name = g.Name
	}
	groupNames[gid] = name
	return name
}
