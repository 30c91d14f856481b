//go:build linux

package localdir

import (
	"os"

	"github.com/go-sftpd/sftpd/internal/vfs"
	"golang.org/x/sys/unix"
)

// statfs fills a normalized vfs.FSInfo from an already-open file
// descriptor's filesystem (fstatfs rather than a path-based statfs), so it
// cannot be raced or tricked by a symlink swapped in between path
// resolution and the statfs call. golang.org/x/sys/unix keeps the field
// set stable across architectures.
func statfs(f *os.File) (vfs.FSInfo, error) {
	var st unix.Statfs_t
	if err := unix.Fstatfs(int(f.Fd()), &st); err != nil {
		return vfs.FSInfo{}, err
	}

	return vfs.FSInfo{
		BlockSize:   uint64(st.Bsize),
		BlocksTotal: st.Blocks,
		BlocksFree:  st.Bfree,
		InodesTotal: st.Files,
		InodesFree:  st.Ffree,
		ReadOnly:    st.Flags&unix.ST_RDONLY != 0,
		MaxNameLen:  uint64(st.Namelen),
	}, nil
}
