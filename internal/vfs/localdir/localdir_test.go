package localdir

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-sftpd/sftpd/internal/vfs"
)

func newTestBackend(t *testing.T) (*LocalDir, string) {
	t.Helper()
	dir := t.TempDir()
	ld, err := New(dir, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { ld.CloseBackend() })
	return ld, dir
}

func TestOpenWriteReadRoundTrip(t *testing.T) {
	ld, _ := newTestBackend(t)
	ctx := context.Background()

	h, err := ld.Open(ctx, "greeting.txt", vfs.FlagWrite|vfs.FlagCreate|vfs.FlagTruncate, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ld.Write(ctx, h, 0, []byte("hello sandbox")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ld.Close(ctx, h); err != nil {
		t.Fatalf("close: %v", err)
	}

	rh, err := ld.Open(ctx, "greeting.txt", vfs.FlagRead, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ld.Close(ctx, rh)

	buf, err := ld.Read(ctx, rh, 0, 64)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello sandbox" {
		t.Fatalf("got %q", buf)
	}

	if _, err := ld.Read(ctx, rh, int64(len(buf)), 8); err != io.EOF {
		t.Fatalf("want io.EOF at end, got %v", err)
	}
}

func TestEscapeAttemptIsRejected(t *testing.T) {
	ld, dir := newTestBackend(t)
	ctx := context.Background()

	// Plant a file outside the root to prove it's unreachable via "..".
	outside := filepath.Join(filepath.Dir(dir), "outside-secret.txt")
	if err := os.WriteFile(outside, []byte("nope"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer os.Remove(outside)

	_, err := ld.Open(ctx, "../outside-secret.txt", vfs.FlagRead, 0)
	if err == nil {
		t.Fatal("expected escape attempt to fail")
	}
}

func TestHandlesAreUniqueAndTyped(t *testing.T) {
	ld, _ := newTestBackend(t)
	ctx := context.Background()

	if err := ld.Mkdir(ctx, "d1"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	h1, err := ld.Open(ctx, "a.txt", vfs.FlagWrite|vfs.FlagCreate, 0o644)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer ld.Close(ctx, h1)

	h2, err := ld.Open(ctx, "b.txt", vfs.FlagWrite|vfs.FlagCreate, 0o644)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer ld.Close(ctx, h2)

	if h1.String() == h2.String() {
		t.Fatal("distinct opens produced identical handles")
	}
	if !ld.OwnsHandle(h1) || !ld.OwnsHandle(h2) {
		t.Fatal("backend should own handles it just issued")
	}

	dh, err := ld.OpenDir(ctx, "d1")
	if err != nil {
		t.Fatalf("opendir: %v", err)
	}
	defer ld.Close(ctx, dh)

	if dh.Type != vfs.HandleDir || h1.Type != vfs.HandleFile {
		t.Fatal("handle type tags not preserved")
	}
}

func TestReadDirIsRepeatable(t *testing.T) {
	ld, _ := newTestBackend(t)
	ctx := context.Background()

	for _, name := range []string{"one.txt", "two.txt"} {
		h, err := ld.Open(ctx, name, vfs.FlagWrite|vfs.FlagCreate, 0o644)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		ld.Close(ctx, h)
	}

	dh, err := ld.OpenDir(ctx, ".")
	if err != nil {
		t.Fatalf("opendir: %v", err)
	}
	defer ld.Close(ctx, dh)

	first, err := ld.ReadDir(ctx, dh)
	if err != nil {
		t.Fatalf("readdir 1: %v", err)
	}
	second, err := ld.ReadDir(ctx, dh)
	if err != nil {
		t.Fatalf("readdir 2: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("want 2 entries each call, got %d then %d", len(first), len(second))
	}
}

func TestSymlinkRewrittenRelativeAndReadlinkRoundTrips(t *testing.T) {
	ld, _ := newTestBackend(t)
	ctx := context.Background()

	if err := ld.Mkdir(ctx, "sub"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	h, err := ld.Open(ctx, "target.txt", vfs.FlagWrite|vfs.FlagCreate, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ld.Close(ctx, h)

	if err := ld.Symlink(ctx, "sub/link", "target.txt"); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	got, err := ld.Readlink(ctx, "sub/link")
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if got != "../target.txt" {
		t.Fatalf("want relative target ../target.txt, got %q", got)
	}
}

func TestReadlinkDetectsEscapingAbsoluteTarget(t *testing.T) {
	ld, dir := newTestBackend(t)
	ctx := context.Background()

	// Simulate a pre-existing absolute symlink escaping the root, the way a
	// backend inherited from elsewhere might already contain one.
	linkPath := filepath.Join(dir, "escape")
	if err := os.Symlink("/etc/passwd", linkPath); err != nil {
		t.Fatalf("setup symlink: %v", err)
	}

	_, err := ld.Readlink(ctx, "escape")
	if err == nil {
		t.Fatal("expected escape detection error")
	}
	if vfs.KindOf(err) != vfs.KindWouldEscape {
		t.Fatalf("want KindWouldEscape, got %v", vfs.KindOf(err))
	}
}

func TestRemoveFileRejectsDirectory(t *testing.T) {
	ld, _ := newTestBackend(t)
	ctx := context.Background()

	if err := ld.Mkdir(ctx, "adir"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	err := ld.RemoveFile(ctx, "adir")
	if err == nil || vfs.KindOf(err) != vfs.KindNotAFile {
		t.Fatalf("want KindNotAFile, got %v", err)
	}
}

func TestHashSumsMatchKnownContent(t *testing.T) {
	ld, _ := newTestBackend(t)
	ctx := context.Background()

	h, err := ld.Open(ctx, "hashme.txt", vfs.FlagWrite|vfs.FlagCreate, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ld.Write(ctx, h, 0, []byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ld.Close(ctx, h)

	md5sum, err := ld.MD5Sum(ctx, "hashme.txt")
	if err != nil {
		t.Fatalf("md5: %v", err)
	}
	if md5sum != "900150983cd24fb0d6963f7d28e17f72" {
		t.Fatalf("unexpected md5 %s", md5sum)
	}

	sha1sum, err := ld.SHA1Sum(ctx, "hashme.txt")
	if err != nil {
		t.Fatalf("sha1: %v", err)
	}
	if sha1sum != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Fatalf("unexpected sha1 %s", sha1sum)
	}
}

func TestInvalidHandleOperationsFail(t *testing.T) {
	ld, _ := newTestBackend(t)
	ctx := context.Background()

	bogus, err := vfs.NewHandle(vfs.HandleFile, "somewhere", "nope")
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}

	_, err = ld.Read(ctx, bogus, 0, 10)
	if err == nil || vfs.KindOf(err) != vfs.KindInvalidHandle {
		t.Fatalf("want KindInvalidHandle, got %v", err)
	}
}
