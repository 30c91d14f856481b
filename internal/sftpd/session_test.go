package sftpd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-sftpd/sftpd/internal/vfs"
	"github.com/go-sftpd/sftpd/internal/vfs/localdir"
	"github.com/go-sftpd/sftpd/internal/wire"
)

func newTestSession(t *testing.T) (*Session, string) {
	t.Helper()
	dir := t.TempDir()
	ld, err := localdir.New(dir, 4)
	if err != nil {
		t.Fatalf("localdir.New: %v", err)
	}
	t.Cleanup(func() { ld.CloseBackend() })

	set, err := vfs.NewSet([]vfs.Mount{{Prefix: "/", Backend: ld}})
	if err != nil {
		t.Fatalf("vfs.NewSet: %v", err)
	}

	return NewSession(set, Config{DefaultFileMode: 0o644, DefaultDirMode: 0o755}), dir
}

// sendInit feeds an INIT packet through dispatch so the session is
// initialized, and fails the test unless a VERSION response comes back.
func sendInit(t *testing.T, s *Session) {
	t.Helper()
	resp, err := s.dispatch(context.Background(), &wire.InitPacket{Version: ProtocolVersion})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(resp) == 0 {
		t.Fatal("expected VERSION response")
	}
}

func TestDuplicateInitIsProtocolViolation(t *testing.T) {
	s, _ := newTestSession(t)
	sendInit(t, s)

	resp, err := s.dispatch(context.Background(), &wire.InitPacket{Version: ProtocolVersion})
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	code := decodeStatusCode(t, resp)
	if code != wire.StatusBadMessage {
		t.Fatalf("want StatusBadMessage, got %v", code)
	}
}

func TestOpenWriteCloseStat(t *testing.T) {
	s, _ := newTestSession(t)
	sendInit(t, s)
	ctx := context.Background()

	openResp, err := s.dispatch(ctx, &wire.OpenPacket{
		Path:  "/out.bin",
		Flags: wire.FlagWrite | wire.FlagCreate | wire.FlagTruncate,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	handle := decodeHandle(t, openResp)

	writeResp, err := s.dispatch(ctx, &wire.WritePacket{Handle: handle, Offset: 0, Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := decodeStatusCode(t, writeResp); code != wire.StatusOK {
		t.Fatalf("write status: %v", code)
	}

	closeResp, err := s.dispatch(ctx, &wire.ClosePacket{Handle: handle})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if code := decodeStatusCode(t, closeResp); code != wire.StatusOK {
		t.Fatalf("close status: %v", code)
	}

	statResp, err := s.dispatch(ctx, &wire.StatPacket{Path: "/out.bin"})
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	attrs := decodeAttrs(t, statResp)
	if attrs.Size != 3 {
		t.Fatalf("want size 3, got %d", attrs.Size)
	}
}

func TestReaddirDrainsOnSecondCall(t *testing.T) {
	s, dir := newTestSession(t)
	sendInit(t, s)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	openResp, err := s.dispatch(ctx, &wire.OpendirPacket{Path: "/"})
	if err != nil {
		t.Fatalf("opendir: %v", err)
	}
	handle := decodeHandle(t, openResp)

	first, err := s.dispatch(ctx, &wire.ReaddirPacket{Handle: handle})
	if err != nil {
		t.Fatalf("readdir 1: %v", err)
	}
	if isStatus(first) {
		t.Fatalf("first readdir should return entries, got status")
	}

	second, err := s.dispatch(ctx, &wire.ReaddirPacket{Handle: handle})
	if err != nil {
		t.Fatalf("readdir 2: %v", err)
	}
	if code := decodeStatusCode(t, second); code != wire.StatusEOF {
		t.Fatalf("want EOF on second readdir, got %v", code)
	}
}

func TestCrossMountRenameFails(t *testing.T) {
	dirA := filepath.Join(newTempDir(t), "a")
	dirB := filepath.Join(newTempDir(t), "b")
	os.MkdirAll(dirA, 0o755)
	os.MkdirAll(dirB, 0o755)

	ldA, _ := localdir.New(dirA, 4)
	ldB, _ := localdir.New(dirB, 4)
	t.Cleanup(func() { ldA.CloseBackend(); ldB.CloseBackend() })

	set, err := vfs.NewSet([]vfs.Mount{
		{Prefix: "/a", Backend: ldA},
		{Prefix: "/b", Backend: ldB},
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	s := NewSession(set, Config{DefaultFileMode: 0o644, DefaultDirMode: 0o755})
	sendInit(t, s)
	ctx := context.Background()

	openResp, err := s.dispatch(ctx, &wire.OpenPacket{Path: "/a/x", Flags: wire.FlagWrite | wire.FlagCreate})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	handle := decodeHandle(t, openResp)
	s.dispatch(ctx, &wire.ClosePacket{Handle: handle})

	renameResp, err := s.dispatch(ctx, &wire.RenamePacket{OldPath: "/a/x", NewPath: "/b/x"})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if code := decodeStatusCode(t, renameResp); code != wire.StatusFailure {
		t.Fatalf("want StatusFailure for cross-mount rename, got %v", code)
	}

	if _, err := os.Stat(filepath.Join(dirA, "x")); err != nil {
		t.Fatalf("original file should remain: %v", err)
	}
}

func newTempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// --- minimal response decoders mirroring the wire layout, used only by
// tests to avoid depending on a full client implementation. ---

func decodeStatusCode(t *testing.T, framed []byte) wire.Status {
	t.Helper()
	b := wire.NewBuffer(framed[4:])
	typ, err := b.ConsumeUint8()
	if err != nil || wire.PacketType(typ) != wire.PacketStatus {
		t.Fatalf("expected STATUS packet, got type byte %d err %v", typ, err)
	}
	if _, err := b.ConsumeUint32(); err != nil {
		t.Fatalf("reqid: %v", err)
	}
	code, err := b.ConsumeUint32()
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	return wire.Status(code)
}

func decodeHandle(t *testing.T, framed []byte) string {
	t.Helper()
	b := wire.NewBuffer(framed[4:])
	typ, _ := b.ConsumeUint8()
	if wire.PacketType(typ) != wire.PacketHandle {
		t.Fatalf("expected HANDLE packet, got type %d", typ)
	}
	b.ConsumeUint32()
	h, err := b.ConsumeString()
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	return h
}

func decodeAttrs(t *testing.T, framed []byte) wire.Attributes {
	t.Helper()
	b := wire.NewBuffer(framed[4:])
	typ, _ := b.ConsumeUint8()
	if wire.PacketType(typ) != wire.PacketAttrs {
		t.Fatalf("expected ATTRS packet, got type %d", typ)
	}
	b.ConsumeUint32()
	var a wire.Attributes
	if err := a.UnmarshalBinary(b.Bytes()); err != nil {
		t.Fatalf("attrs: %v", err)
	}
	return a
}

func isStatus(framed []byte) bool {
	b := wire.NewBuffer(framed[4:])
	typ, err := b.ConsumeUint8()
	return err == nil && wire.PacketType(typ) == wire.PacketStatus
}
