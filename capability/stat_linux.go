//go:build linux

package capability

import (
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

// statOwnership uses statx so that the birth time is available where the file
// system records one.
func statOwnership(path string, _ fs.FileInfo) ownership {
	var stx unix.Statx_t
	mask := unix.STATX_UID | unix.STATX_GID | unix.STATX_BTIME
	if err := unix.Statx(unix.AT_FDCWD, path, 0, mask, &stx); err != nil {
		return ownership{}
	}
	o := ownership{uid: stx.Uid, gid: stx.Gid, ok: true}
	if stx.Mask&unix.STATX_BTIME != 0 {
		o.birth = time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}
	return o
}
