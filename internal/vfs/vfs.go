// Package vfs defines the capability-sandboxed virtual filesystem contract
// that the SFTP session layer drives. Concrete backends (see the localdir
// subpackage) implement Vfs; Set multiplexes several of them under
// configured absolute path prefixes.
package vfs

import (
	"context"
	"time"
)

// OpenFlag is a normalized, backend-independent open mode bitset.
type OpenFlag uint32

const (
	FlagRead OpenFlag = 1 << iota
	FlagWrite
	FlagAppend
	FlagCreate
	FlagTruncate
	FlagExclusive
)

func (f OpenFlag) Has(bit OpenFlag) bool { return f&bit != 0 }

// Metadata is the normalized, backend-independent shape of file/dir status.
type Metadata struct {
	Size   *uint64
	ATime  *time.Time
	MTime  *time.Time
	IsDir  bool
	IsLink bool
}

// FSInfo is the normalized statvfs(2) result.
type FSInfo struct {
	BlockSize   uint64
	BlocksTotal uint64
	BlocksFree  uint64
	InodesTotal uint64
	InodesFree  uint64
	ReadOnly    bool
	MaxNameLen  uint64
}

// DirEntry is one entry returned from ReadDir.
type DirEntry struct {
	Name string
	Meta Metadata
}

// Vfs is the capability-sandboxed operation set a mounted backend must
// provide. Every method is safe for concurrent use by many sessions at
// once; implementations own whatever per-handle state they need.
//
// Path arguments are always relative to the backend's own root (Set has
// already stripped the mount prefix). Handle arguments are opaque values
// previously returned by Open/OpenDir on this same instance.
type Vfs interface {
	// Handle-based operations.
	Open(ctx context.Context, path string, flags OpenFlag, mode uint32) (Handle, error)
	OpenDir(ctx context.Context, path string) (Handle, error)
	Close(ctx context.Context, h Handle) error
	OwnsHandle(h Handle) bool
	Read(ctx context.Context, h Handle, offset int64, length int) ([]byte, error)
	ReadDir(ctx context.Context, h Handle) ([]DirEntry, error)
	Write(ctx context.Context, h Handle, offset int64, data []byte) error
	StatHandle(ctx context.Context, h Handle) (Metadata, error)
	SyncHandle(ctx context.Context, h Handle) error
	SetTimesHandle(ctx context.Context, h Handle, atime, mtime *time.Time) error

	// Path-based operations.
	Stat(ctx context.Context, path string) (Metadata, error)
	StatLink(ctx context.Context, path string) (Metadata, error)
	StatVFS(ctx context.Context, path string) (FSInfo, error)
	Rename(ctx context.Context, from, to string) error
	Hardlink(ctx context.Context, src, target string) error
	Symlink(ctx context.Context, link, target string) error
	Readlink(ctx context.Context, path string) (string, error)
	Mkdir(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error
	RemoveDir(ctx context.Context, path string) error
	SetTimes(ctx context.Context, path string, atime, mtime *time.Time) error
	MD5Sum(ctx context.Context, path string) (string, error)
	SHA1Sum(ctx context.Context, path string) (string, error)

	// Root reports the backend's host-side identity used for handle
	// salting; it is not a filesystem path operation.
	Root() string
}
