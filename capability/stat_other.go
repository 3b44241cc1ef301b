//go:build unix && !linux

package capability

import (
	"io/fs"
	"syscall"
)

func statOwnership(_ string, info fs.FileInfo) ownership {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ownership{}
	}
	return ownership{uid: st.Uid, gid: st.Gid, ok: true}
}
