//go:build !linux

package localdir

import (
	"io/fs"

	"github.com/go-sftpd/sftpd/internal/vfs"
)

// metadataFromFileInfo is the portable fallback when we don't ground a
// platform Stat_t field layout from the pack: size, mtime, and type bits
// are always available from fs.FileInfo; atime is left unset.
func metadataFromFileInfo(fi fs.FileInfo) vfs.Metadata {
	size := uint64(fi.Size())
	mtime := fi.ModTime()
	return vfs.Metadata{
		Size:   &size,
		MTime:  &mtime,
		IsDir:  fi.IsDir(),
		IsLink: fi.Mode()&fs.ModeSymlink != 0,
	}
}
