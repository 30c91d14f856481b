//go:build !linux

package localdir

import (
	"os"

	"github.com/go-sftpd/sftpd/internal/vfs"
)

// statfs is a conservative fallback for platforms without a verified
// syscall.Statfs_t field layout: report nothing-known-to-be-wrong rather
// than guess at fields that vary across non-Linux Unixes.
func statfs(f *os.File) (vfs.FSInfo, error) {
	return vfs.FSInfo{}, nil
}
