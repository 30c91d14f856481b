package wire

import (
	"bytes"
	"testing"
)

func TestPacketTypeNames(t *testing.T) {
	cases := map[PacketType]string{
		PacketInit:    "SSH_FXP_INIT",
		PacketOpen:    "SSH_FXP_OPEN",
		PacketReaddir: "SSH_FXP_READDIR",
		PacketStatus:  "SSH_FXP_STATUS",
	}
	for pt, want := range cases {
		if got := pt.String(); got != want {
			t.Errorf("PacketType(%d).String() = %q, want %q", pt, got, want)
		}
	}
}

func TestStatusIsMatchesPacket(t *testing.T) {
	pkt := &StatusPacket{Code: StatusNoSuchFile}
	if !StatusNoSuchFile.Is(pkt) {
		t.Fatal("Status.Is should match a StatusPacket carrying the same code")
	}
	if StatusOK.Is(pkt) {
		t.Fatal("Status.Is should not match a different code")
	}
}

func TestAttributesRoundTrip(t *testing.T) {
	size := uint64(4096)
	attr := Attributes{
		Flags:       AttrSize | AttrPermissions | AttrACModTime,
		Size:        size,
		Permissions: 0o644,
		ATime:       111,
		MTime:       222,
	}
	data, err := attr.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Attributes
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Size != size || got.Permissions != 0o644 || got.ATime != 111 || got.MTime != 222 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodePacketDecodesOpen(t *testing.T) {
	body := NewBuffer(nil)
	body.AppendUint8(uint8(PacketOpen))
	body.AppendUint32(7) // request id
	body.AppendString("/home/user/file.txt")
	body.AppendUint32(uint32(FlagRead))
	attrBytes, _ := (&Attributes{}).MarshalBinary()
	body.AppendBytes(attrBytes)

	framed := frame(body.Bytes())

	pkt, err := DecodePacket(bytes.NewReader(framed), DefaultMaxPacketLength)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	open, ok := pkt.(*OpenPacket)
	if !ok {
		t.Fatalf("want *OpenPacket, got %T", pkt)
	}
	if open.Path != "/home/user/file.txt" || open.Flags != FlagRead || open.RequestID() != 7 {
		t.Fatalf("unexpected decode: %+v", open)
	}
}

func TestDecodePacketRejectsOversizeLength(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0xFF
	lenBuf[1] = 0xFF
	lenBuf[2] = 0xFF
	lenBuf[3] = 0xFF

	_, err := DecodePacket(bytes.NewReader(lenBuf[:]), DefaultMaxPacketLength)
	if err == nil {
		t.Fatal("expected oversize packet length to be rejected")
	}
}
