// Package localdir implements a capability-sandboxed Vfs backend rooted at
// a host directory, using os.Root so path resolution can never leave the
// root regardless of ".." segments or symlink tricks, with open files and
// directory cursors tracked in a sharded handle registry.
package localdir

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-sftpd/sftpd/internal/vfs"
)

// LocalDir is a Vfs backend rooted at a host directory. All path resolution
// is delegated to an *os.Root capability, which refuses to resolve ".."
// segments or symlinks that would leave the root.
type LocalDir struct {
	root     *os.Root
	hostPath string

	pool  *pool
	files *handleMap[*fileEntry]
	dirs  *handleMap[string]
}

type fileEntry struct {
	f    *os.File
	path string
}

// New opens hostPath as a root capability and returns a backend rooted
// there. poolSize bounds how many blocking filesystem calls may be
// in-flight at once; 0 picks a GOMAXPROCS-scaled default.
func New(hostPath string, poolSize int) (*LocalDir, error) {
	r, err := os.OpenRoot(hostPath)
	if err != nil {
		return nil, vfs.NewError(vfs.KindBackendIO, "open-root", hostPath, err)
	}

	return &LocalDir{
		root:     r,
		hostPath: hostPath,
		pool:     newPool(poolSize),
		files:    newHandleMap[*fileEntry](),
		dirs:     newHandleMap[string](),
	}, nil
}

// CloseBackend releases the root capability and any handles left open by
// disconnected sessions.
func (l *LocalDir) CloseBackend() error {
	l.files.forEach(func(_ string, fe *fileEntry) { _ = fe.f.Close() })
	return l.root.Close()
}

// Root reports the host path this backend is rooted at; used for handle
// salting.
func (l *LocalDir) Root() string { return l.hostPath }

func wrapOSErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case os.IsNotExist(err):
		return vfs.NewError(vfs.KindPathNotFound, op, path, err)
	case os.IsExist(err):
		return vfs.NewError(vfs.KindExists, op, path, err)
	case os.IsPermission(err):
		return vfs.NewError(vfs.KindPermissionDenied, op, path, err)
	default:
		return vfs.NewError(vfs.KindBackendIO, op, path, err)
	}
}

func toOSFlags(flags vfs.OpenFlag) int {
	var osFlags int
	switch {
	case flags.Has(vfs.FlagRead) && flags.Has(vfs.FlagWrite):
		osFlags |= os.O_RDWR
	case flags.Has(vfs.FlagWrite):
		osFlags |= os.O_WRONLY
	default:
		osFlags |= os.O_RDONLY
	}
	if flags.Has(vfs.FlagAppend) {
		osFlags |= os.O_APPEND
	}
	if flags.Has(vfs.FlagCreate) {
		osFlags |= os.O_CREATE
	}
	if flags.Has(vfs.FlagTruncate) {
		osFlags |= os.O_TRUNC
	}
	if flags.Has(vfs.FlagExclusive) {
		osFlags |= os.O_EXCL
	}
	return osFlags
}

// Open implements vfs.Vfs.
func (l *LocalDir) Open(ctx context.Context, p string, flags vfs.OpenFlag, mode uint32) (vfs.Handle, error) {
	p = cleanRel(p)

	var f *os.File
	err := l.pool.run(ctx, func() error {
		var oerr error
		f, oerr = l.root.OpenFile(p, toOSFlags(flags), fs.FileMode(mode))
		return oerr
	})
	if err != nil {
		return vfs.Handle{}, wrapOSErr("open", p, err)
	}

	if fi, serr := f.Stat(); serr == nil && fi.IsDir() {
		f.Close()
		return vfs.Handle{}, vfs.NewError(vfs.KindNotAFile, "open", p, nil)
	}

	h, err := vfs.NewHandle(vfs.HandleFile, l.hostPath, p)
	if err != nil {
		f.Close()
		return vfs.Handle{}, err
	}
	l.files.set(h.Body, &fileEntry{f: f, path: p})
	return h, nil
}

// OpenDir implements vfs.Vfs.
func (l *LocalDir) OpenDir(ctx context.Context, p string) (vfs.Handle, error) {
	p = cleanRel(p)

	err := l.pool.run(ctx, func() error {
		fi, serr := l.root.Stat(p)
		if serr != nil {
			return serr
		}
		if !fi.IsDir() {
			return errNotADir
		}
		return nil
	})
	if err == errNotADir {
		return vfs.Handle{}, vfs.NewError(vfs.KindNotADirectory, "opendir", p, nil)
	}
	if err != nil {
		return vfs.Handle{}, wrapOSErr("opendir", p, err)
	}

	h, err := vfs.NewHandle(vfs.HandleDir, l.hostPath, p)
	if err != nil {
		return vfs.Handle{}, err
	}
	l.dirs.set(h.Body, p)
	return h, nil
}

var errNotADir = vfs.NewError(vfs.KindNotADirectory, "", "", nil)

// Close implements vfs.Vfs.
func (l *LocalDir) Close(ctx context.Context, h vfs.Handle) error {
	switch h.Type {
	case vfs.HandleFile:
		fe, ok := l.files.delete(h.Body)
		if !ok {
			return vfs.NewError(vfs.KindInvalidHandle, "close", h.String(), nil)
		}
		return l.pool.run(ctx, fe.f.Close)
	case vfs.HandleDir:
		if _, ok := l.dirs.delete(h.Body); !ok {
			return vfs.NewError(vfs.KindInvalidHandle, "close", h.String(), nil)
		}
		return nil
	default:
		return vfs.NewError(vfs.KindInvalidHandle, "close", h.String(), nil)
	}
}

// OwnsHandle implements vfs.Vfs.
func (l *LocalDir) OwnsHandle(h vfs.Handle) bool {
	switch h.Type {
	case vfs.HandleFile:
		return l.files.has(h.Body)
	case vfs.HandleDir:
		return l.dirs.has(h.Body)
	default:
		return false
	}
}

func (l *LocalDir) fileFor(h vfs.Handle) (*fileEntry, error) {
	if h.Type != vfs.HandleFile {
		return nil, vfs.NewError(vfs.KindInvalidHandle, "", h.String(), nil)
	}
	fe, ok := l.files.get(h.Body)
	if !ok {
		return nil, vfs.NewError(vfs.KindInvalidHandle, "", h.String(), nil)
	}
	return fe, nil
}

func (l *LocalDir) dirPathFor(h vfs.Handle) (string, error) {
	if h.Type != vfs.HandleDir {
		return "", vfs.NewError(vfs.KindInvalidHandle, "", h.String(), nil)
	}
	p, ok := l.dirs.get(h.Body)
	if !ok {
		return "", vfs.NewError(vfs.KindInvalidHandle, "", h.String(), nil)
	}
	return p, nil
}

// Read implements vfs.Vfs. A zero-length return with err ==
// io.EOF signals EOF at offset; a short read elsewhere is only permitted as
// the last chunk before EOF, which ReadAt already guarantees.
func (l *LocalDir) Read(ctx context.Context, h vfs.Handle, offset int64, length int) ([]byte, error) {
	fe, err := l.fileFor(h)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	var n int
	rerr := l.pool.run(ctx, func() error {
		var e error
		n, e = fe.f.ReadAt(buf, offset)
		return e
	})
	if rerr != nil && rerr != io.EOF {
		return nil, wrapOSErr("read", fe.path, rerr)
	}
	if rerr == io.EOF && n == 0 {
		return nil, io.EOF
	}
	return buf[:n], nil
}

// ReadDir implements vfs.Vfs: it always returns the full listing: the
// "already drained" cursor lives at the SFTP session layer, not
// here, since it's a protocol-level concern, not a filesystem one.
func (l *LocalDir) ReadDir(ctx context.Context, h vfs.Handle) ([]vfs.DirEntry, error) {
	dp, err := l.dirPathFor(h)
	if err != nil {
		return nil, err
	}

	var out []vfs.DirEntry
	rerr := l.pool.run(ctx, func() error {
		f, oerr := l.root.Open(dp)
		if oerr != nil {
			return oerr
		}
		defer f.Close()

		entries, derr := f.ReadDir(-1)
		if derr != nil {
			return derr
		}

		out = make([]vfs.DirEntry, 0, len(entries))
		for _, de := range entries {
			fi, ferr := de.Info()
			if ferr != nil {
				continue
			}
			out = append(out, vfs.DirEntry{Name: de.Name(), Meta: metadataFromFileInfo(fi)})
		}
		return nil
	})
	if rerr != nil {
		return nil, wrapOSErr("readdir", dp, rerr)
	}
	return out, nil
}

// Write implements vfs.Vfs.
func (l *LocalDir) Write(ctx context.Context, h vfs.Handle, offset int64, data []byte) error {
	fe, err := l.fileFor(h)
	if err != nil {
		return err
	}
	return wrapOSErr("write", fe.path, l.pool.run(ctx, func() error {
		_, e := fe.f.WriteAt(data, offset)
		return e
	}))
}

// StatHandle implements vfs.Vfs.
func (l *LocalDir) StatHandle(ctx context.Context, h vfs.Handle) (vfs.Metadata, error) {
	switch h.Type {
	case vfs.HandleFile:
		fe, err := l.fileFor(h)
		if err != nil {
			return vfs.Metadata{}, err
		}
		var fi fs.FileInfo
		rerr := l.pool.run(ctx, func() error {
			var e error
			fi, e = fe.f.Stat()
			return e
		})
		if rerr != nil {
			return vfs.Metadata{}, wrapOSErr("fstat", fe.path, rerr)
		}
		return metadataFromFileInfo(fi), nil
	case vfs.HandleDir:
		dp, err := l.dirPathFor(h)
		if err != nil {
			return vfs.Metadata{}, err
		}
		return l.Stat(ctx, dp)
	default:
		return vfs.Metadata{}, vfs.NewError(vfs.KindInvalidHandle, "fstat", h.String(), nil)
	}
}

// SyncHandle implements vfs.Vfs.
func (l *LocalDir) SyncHandle(ctx context.Context, h vfs.Handle) error {
	fe, err := l.fileFor(h)
	if err != nil {
		return err
	}
	return wrapOSErr("fsync", fe.path, l.pool.run(ctx, fe.f.Sync))
}

// SetTimesHandle implements vfs.Vfs.
func (l *LocalDir) SetTimesHandle(ctx context.Context, h vfs.Handle, atime, mtime *time.Time) error {
	fe, err := l.fileFor(h)
	if err != nil {
		return err
	}
	return l.SetTimes(ctx, fe.path, atime, mtime)
}

// Stat implements vfs.Vfs.
func (l *LocalDir) Stat(ctx context.Context, p string) (vfs.Metadata, error) {
	p = cleanRel(p)
	var fi fs.FileInfo
	err := l.pool.run(ctx, func() error {
		var e error
		fi, e = l.root.Stat(p)
		return e
	})
	if err != nil {
		return vfs.Metadata{}, wrapOSErr("stat", p, err)
	}
	return metadataFromFileInfo(fi), nil
}

// StatLink implements vfs.Vfs.
func (l *LocalDir) StatLink(ctx context.Context, p string) (vfs.Metadata, error) {
	p = cleanRel(p)
	var fi fs.FileInfo
	err := l.pool.run(ctx, func() error {
		var e error
		fi, e = l.root.Lstat(p)
		return e
	})
	if err != nil {
		return vfs.Metadata{}, wrapOSErr("lstat", p, err)
	}
	return metadataFromFileInfo(fi), nil
}

// StatVFS implements vfs.Vfs.
func (l *LocalDir) StatVFS(ctx context.Context, p string) (vfs.FSInfo, error) {
	p = cleanRel(p)
	var info vfs.FSInfo
	err := l.pool.run(ctx, func() error {
		f, oerr := l.root.Open(p)
		if oerr != nil {
			return oerr
		}
		defer f.Close()

		var serr error
		info, serr = statfs(f)
		return serr
	})
	if err != nil {
		return vfs.FSInfo{}, wrapOSErr("statvfs", p, err)
	}
	return info, nil
}

// Rename implements vfs.Vfs.
func (l *LocalDir) Rename(ctx context.Context, from, to string) error {
	from, to = cleanRel(from), cleanRel(to)
	return wrapOSErr("rename", from, l.pool.run(ctx, func() error {
		return l.root.Rename(from, to)
	}))
}

// Hardlink implements vfs.Vfs.
func (l *LocalDir) Hardlink(ctx context.Context, src, target string) error {
	src, target = cleanRel(src), cleanRel(target)
	return wrapOSErr("link", src, l.pool.run(ctx, func() error {
		return l.root.Link(src, target)
	}))
}

// Symlink implements vfs.Vfs. The stored target is
// rewritten to be relative to the link's own directory, computed from the
// caller-supplied vfs-root-relative target, so the sandbox survives a
// later Readlink regardless of where the mount is rooted on the host.
func (l *LocalDir) Symlink(ctx context.Context, link, target string) error {
	link, target = cleanRel(link), cleanRel(target)

	rel, err := filepathRel(path.Dir(link), target)
	if err != nil {
		return vfs.NewError(vfs.KindOther, "symlink", link, err)
	}

	return wrapOSErr("symlink", link, l.pool.run(ctx, func() error {
		return l.root.Symlink(rel, link)
	}))
}

// Readlink implements vfs.Vfs. Absolute targets that escape
// the root become KindWouldEscape; absolute targets inside the root are
// rewritten root-relative; relative targets are returned verbatim.
func (l *LocalDir) Readlink(ctx context.Context, p string) (string, error) {
	p = cleanRel(p)

	var raw string
	err := l.pool.run(ctx, func() error {
		var e error
		raw, e = l.root.Readlink(p)
		return e
	})
	if err != nil {
		return "", wrapOSErr("readlink", p, err)
	}

	if !path.IsAbs(raw) {
		return raw, nil
	}

	cleanTarget := path.Clean(raw)
	cleanHost := path.Clean(filepathToSlash(l.hostPath))

	if cleanTarget != cleanHost && !strings.HasPrefix(cleanTarget, cleanHost+"/") {
		return "", vfs.NewError(vfs.KindWouldEscape, "readlink", p, nil)
	}

	rel := strings.TrimPrefix(cleanTarget, cleanHost)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "."
	}
	return rel, nil
}

// Mkdir implements vfs.Vfs.
func (l *LocalDir) Mkdir(ctx context.Context, p string) error {
	p = cleanRel(p)
	return wrapOSErr("mkdir", p, l.pool.run(ctx, func() error {
		return l.root.Mkdir(p, 0o777)
	}))
}

// RemoveFile implements vfs.Vfs.
func (l *LocalDir) RemoveFile(ctx context.Context, p string) error {
	p = cleanRel(p)
	err := l.pool.run(ctx, func() error {
		fi, serr := l.root.Lstat(p)
		if serr != nil {
			return serr
		}
		if fi.IsDir() {
			return errIsADir
		}
		return l.root.Remove(p)
	})
	if err == errIsADir {
		return vfs.NewError(vfs.KindNotAFile, "remove", p, nil)
	}
	return wrapOSErr("remove", p, err)
}

var errIsADir = vfs.NewError(vfs.KindNotAFile, "", "", nil)

// RemoveDir implements vfs.Vfs.
func (l *LocalDir) RemoveDir(ctx context.Context, p string) error {
	p = cleanRel(p)
	err := l.pool.run(ctx, func() error {
		fi, serr := l.root.Lstat(p)
		if serr != nil {
			return serr
		}
		if !fi.IsDir() {
			return errNotADir
		}
		return l.root.Remove(p)
	})
	if err == errNotADir {
		return vfs.NewError(vfs.KindNotADirectory, "rmdir", p, nil)
	}
	return wrapOSErr("rmdir", p, err)
}

// SetTimes implements vfs.Vfs. Only atime/mtime are ever honored anywhere
// in this server: mode/uid/gid
// changes are not part of the Vfs contract at all.
func (l *LocalDir) SetTimes(ctx context.Context, p string, atime, mtime *time.Time) error {
	p = cleanRel(p)

	at, mt := atime, mtime
	if at == nil || mt == nil {
		cur, err := l.Stat(ctx, p)
		if err != nil {
			return err
		}
		if at == nil {
			at = cur.ATime
		}
		if mt == nil {
			mt = cur.MTime
		}
		if at == nil {
			now := time.Now()
			at = &now
		}
		if mt == nil {
			now := time.Now()
			mt = &now
		}
	}

	return wrapOSErr("setstat", p, l.pool.run(ctx, func() error {
		return l.root.Chtimes(p, *at, *mt)
	}))
}

// MD5Sum implements vfs.Vfs, streaming the file through the hasher on the
// worker pool, without full in-memory buffering.
func (l *LocalDir) MD5Sum(ctx context.Context, p string) (string, error) {
	return l.sum(ctx, p, md5.New())
}

// SHA1Sum implements vfs.Vfs.
func (l *LocalDir) SHA1Sum(ctx context.Context, p string) (string, error) {
	return l.sum(ctx, p, sha1.New())
}

func (l *LocalDir) sum(ctx context.Context, p string, h hasher) (string, error) {
	p = cleanRel(p)

	var sum []byte
	err := l.pool.run(ctx, func() error {
		f, oerr := l.root.Open(p)
		if oerr != nil {
			return oerr
		}
		defer f.Close()

		if _, cerr := io.Copy(h, f); cerr != nil {
			return cerr
		}
		sum = h.Sum(nil)
		return nil
	})
	if err != nil {
		return "", wrapOSErr("hash", p, err)
	}
	return hex.EncodeToString(sum), nil
}

type hasher interface {
	io.Writer
	Sum(b []byte) []byte
}

func cleanRel(p string) string {
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, string(os.PathSeparator), "/")
}

// filepathRel is filepath.Rel for slash-form paths (both LocalDir paths are
// always vfs-root-relative, slash-separated, never host OS paths).
func filepathRel(base, target string) (string, error) {
	base = cleanRel(base)
	target = cleanRel(target)

	baseParts := splitNonEmpty(base)
	targetParts := splitNonEmpty(target)

	n := 0
	for n < len(baseParts) && n < len(targetParts) && baseParts[n] == targetParts[n] {
		n++
	}

	var up []string
	for i := n; i < len(baseParts); i++ {
		up = append(up, "..")
	}
	rel := append(up, targetParts[n:]...)
	if len(rel) == 0 {
		return ".", nil
	}
	return strings.Join(rel, "/"), nil
}

func splitNonEmpty(p string) []string {
	if p == "" || p == "." {
		return nil
	}
	var out []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
