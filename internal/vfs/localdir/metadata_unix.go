//go:build linux

package localdir

import (
	"io/fs"
	"syscall"
	"time"

	"github.com/go-sftpd/sftpd/internal/vfs"
)

// metadataFromFileInfo fills a normalized vfs.Metadata from an fs.FileInfo,
// pulling atime out of the platform-specific syscall.Stat_t when available.
func metadataFromFileInfo(fi fs.FileInfo) vfs.Metadata {
	size := uint64(fi.Size())
	mtime := fi.ModTime()
	meta := vfs.Metadata{
		Size:   &size,
		MTime:  &mtime,
		IsDir:  fi.IsDir(),
		IsLink: fi.Mode()&fs.ModeSymlink != 0,
	}

	if sys, ok := fi.Sys().(*syscall.Stat_t); ok {
		atime := time.Unix(sys.Atim.Sec, sys.Atim.Nsec)
		meta.ATime = &atime
	}

	return meta
}
