package wire

import (
	"fmt"
	"io"
)

// RequestPacket is any client-to-server packet carrying a request id.
type RequestPacket interface {
	Type() PacketType
	RequestID() uint32
}

// header is the common SSH_FXP_* framing: 4-byte length, 1-byte type,
// 4-byte request id (absent on INIT, which carries a version instead).
type header struct {
	typ   PacketType
	reqID uint32
}

// DecodePacket reads one length-prefixed packet from r and decodes it into
// a concrete request type. The length prefix bounds how much is read so a
// malformed or hostile length never causes an unbounded allocation.
func DecodePacket(r io.Reader, maxLen uint32) (RequestPacket, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := be32(lenBuf[:])
	if length == 0 || length > maxLen {
		return nil, fmt.Errorf("wire: packet length %d outside allowed range 1..%d", length, maxLen)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	b := NewBuffer(body)
	typByte, err := b.ConsumeUint8()
	if err != nil {
		return nil, err
	}
	typ := PacketType(typByte)

	if typ == PacketInit {
		version, err := b.ConsumeUint32()
		if err != nil {
			return nil, err
		}
		return &InitPacket{Version: version}, nil
	}

	reqID, err := b.ConsumeUint32()
	if err != nil {
		return nil, err
	}
	h := header{typ: typ, reqID: reqID}

	return decodeBody(h, b)
}

func decodeBody(h header, b *Buffer) (RequestPacket, error) {
	switch h.typ {
	case PacketOpen:
		p := &OpenPacket{header: h}
		var err error
		if p.Path, err = b.ConsumeString(); err != nil {
			return nil, err
		}
		flags, err := b.ConsumeUint32()
		if err != nil {
			return nil, err
		}
		p.Flags = OpenFlags(flags)
		return p, p.Attrs.UnmarshalBinary(b.Bytes())
	case PacketClose:
		p := &ClosePacket{header: h}
		return p, consumeHandle(b, &p.Handle)
	case PacketRead:
		p := &ReadPacket{header: h}
		if err := consumeHandle(b, &p.Handle); err != nil {
			return nil, err
		}
		var err error
		if p.Offset, err = b.ConsumeUint64(); err != nil {
			return nil, err
		}
		len32, err := b.ConsumeUint32()
		p.Len = len32
		return p, err
	case PacketWrite:
		p := &WritePacket{header: h}
		if err := consumeHandle(b, &p.Handle); err != nil {
			return nil, err
		}
		var err error
		if p.Offset, err = b.ConsumeUint64(); err != nil {
			return nil, err
		}
		n, err := b.ConsumeUint32()
		if err != nil {
			return nil, err
		}
		p.Data, err = b.ConsumeBytes(int(n))
		return p, err
	case PacketLstat:
		p := &LstatPacket{header: h}
		return p, consumePath(b, &p.Path)
	case PacketFstat:
		p := &FstatPacket{header: h}
		return p, consumeHandle(b, &p.Handle)
	case PacketSetstat:
		p := &SetstatPacket{header: h}
		if err := consumePath(b, &p.Path); err != nil {
			return nil, err
		}
		return p, p.Attrs.UnmarshalBinary(b.Bytes())
	case PacketFsetstat:
		p := &FsetstatPacket{header: h}
		if err := consumeHandle(b, &p.Handle); err != nil {
			return nil, err
		}
		return p, p.Attrs.UnmarshalBinary(b.Bytes())
	case PacketOpendir:
		p := &OpendirPacket{header: h}
		return p, consumePath(b, &p.Path)
	case PacketReaddir:
		p := &ReaddirPacket{header: h}
		return p, consumeHandle(b, &p.Handle)
	case PacketRemove:
		p := &RemovePacket{header: h}
		return p, consumePath(b, &p.Path)
	case PacketMkdir:
		p := &MkdirPacket{header: h}
		if err := consumePath(b, &p.Path); err != nil {
			return nil, err
		}
		return p, p.Attrs.UnmarshalBinary(b.Bytes())
	case PacketRmdir:
		p := &RmdirPacket{header: h}
		return p, consumePath(b, &p.Path)
	case PacketRealpath:
		p := &RealpathPacket{header: h}
		return p, consumePath(b, &p.Path)
	case PacketStat:
		p := &StatPacket{header: h}
		return p, consumePath(b, &p.Path)
	case PacketRename:
		p := &RenamePacket{header: h}
		if err := consumePath(b, &p.OldPath); err != nil {
			return nil, err
		}
		return p, consumePath(b, &p.NewPath)
	case PacketReadlink:
		p := &ReadlinkPacket{header: h}
		return p, consumePath(b, &p.Path)
	case PacketSymlink:
		p := &SymlinkPacket{header: h}
		// Per OpenSSH's historical (spec-violating) field order, the link
		// path is written first and the target path second.
		if err := consumePath(b, &p.LinkPath); err != nil {
			return nil, err
		}
		return p, consumePath(b, &p.TargetPath)
	case PacketExtended:
		p := &ExtendedPacket{header: h}
		if err := consumePath(b, &p.ExtendedRequest); err != nil {
			return nil, err
		}
		p.Data = append([]byte(nil), b.Bytes()...)
		return p, nil
	default:
		// Unknown request types still carry a request id, so the session
		// can answer SSH_FX_OP_UNSUPPORTED instead of dropping the channel.
		p := &UnknownPacket{header: h}
		p.Data = append([]byte(nil), b.Bytes()...)
		return p, nil
	}
}

func consumePath(b *Buffer, out *string) error {
	v, err := b.ConsumeString()
	*out = v
	return err
}

func consumeHandle(b *Buffer, out *string) error {
	v, err := b.ConsumeString()
	*out = v
	return err
}

func be32(p []byte) uint32 {
	return uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
}

// --- Request packets ---

type InitPacket struct{ Version uint32 }

func (p *InitPacket) Type() PacketType  { return PacketInit }
func (p *InitPacket) RequestID() uint32 { return 0 }

type OpenPacket struct {
	header
	Path  string
	Flags OpenFlags
	Attrs Attributes
}

type ClosePacket struct {
	header
	Handle string
}

type ReadPacket struct {
	header
	Handle string
	Offset uint64
	Len    uint32
}

type WritePacket struct {
	header
	Handle string
	Offset uint64
	Data   []byte
}

type LstatPacket struct {
	header
	Path string
}

type FstatPacket struct {
	header
	Handle string
}

type SetstatPacket struct {
	header
	Path  string
	Attrs Attributes
}

type FsetstatPacket struct {
	header
	Handle string
	Attrs  Attributes
}

type OpendirPacket struct {
	header
	Path string
}

type ReaddirPacket struct {
	header
	Handle string
}

type RemovePacket struct {
	header
	Path string
}

type MkdirPacket struct {
	header
	Path  string
	Attrs Attributes
}

type RmdirPacket struct {
	header
	Path string
}

type RealpathPacket struct {
	header
	Path string
}

type StatPacket struct {
	header
	Path string
}

type RenamePacket struct {
	header
	OldPath string
	NewPath string
}

type ReadlinkPacket struct {
	header
	Path string
}

type SymlinkPacket struct {
	header
	LinkPath   string
	TargetPath string
}

type ExtendedPacket struct {
	header
	ExtendedRequest string
	Data            []byte
}

// UnknownPacket is any request whose type byte isn't part of the v3
// request set; the body is kept opaque.
type UnknownPacket struct {
	header
	Data []byte
}

func (h header) Type() PacketType  { return h.typ }
func (h header) RequestID() uint32 { return h.reqID }

// --- Response packets ---

// StatusPacket is the SSH_FXP_STATUS response. It implements error so a
// session's error-translation layer can return it directly.
type StatusPacket struct {
	Code        Status
	Message     string
	LanguageTag string
}

func (p *StatusPacket) Error() string {
	if p.Message != "" {
		return p.Message
	}
	return p.Code.String()
}

func (p *StatusPacket) Is(target error) bool {
	st, ok := target.(Status)
	return ok && st == p.Code
}

func (p *StatusPacket) MarshalPacket(reqID uint32) []byte {
	b := NewBuffer(nil)
	b.AppendUint8(uint8(PacketStatus))
	b.AppendUint32(reqID)
	b.AppendUint32(uint32(p.Code))
	b.AppendString(p.Message)
	b.AppendString(p.LanguageTag)
	return frame(b.Bytes())
}

// HandlePacket is the SSH_FXP_HANDLE response to a successful OPEN/OPENDIR.
type HandlePacket struct{ Handle string }

func (p *HandlePacket) MarshalPacket(reqID uint32) []byte {
	b := NewBuffer(nil)
	b.AppendUint8(uint8(PacketHandle))
	b.AppendUint32(reqID)
	b.AppendString(p.Handle)
	return frame(b.Bytes())
}

// DataPacket is the SSH_FXP_DATA response to a READ.
type DataPacket struct{ Data []byte }

func (p *DataPacket) MarshalPacket(reqID uint32) []byte {
	b := NewBuffer(nil)
	b.AppendUint8(uint8(PacketData))
	b.AppendUint32(reqID)
	b.AppendString(string(p.Data))
	return frame(b.Bytes())
}

// NamePacket is the SSH_FXP_NAME response to READDIR/REALPATH.
type NamePacket struct{ Entries []NameEntry }

func (p *NamePacket) MarshalPacket(reqID uint32) ([]byte, error) {
	b := NewBuffer(nil)
	b.AppendUint8(uint8(PacketName))
	b.AppendUint32(reqID)
	b.AppendUint32(uint32(len(p.Entries)))
	for i := range p.Entries {
		eb, err := p.Entries[i].MarshalBinary()
		if err != nil {
			return nil, err
		}
		b.AppendBytes(eb)
	}
	return frame(b.Bytes()), nil
}

// AttrsPacket is the SSH_FXP_ATTRS response to STAT/LSTAT/FSTAT.
type AttrsPacket struct{ Attrs Attributes }

func (p *AttrsPacket) MarshalPacket(reqID uint32) ([]byte, error) {
	b := NewBuffer(nil)
	b.AppendUint8(uint8(PacketAttrs))
	b.AppendUint32(reqID)
	ab, err := p.Attrs.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b.AppendBytes(ab)
	return frame(b.Bytes()), nil
}

// VersionPacket is the server's SSH_FXP_VERSION reply to INIT.
type VersionPacket struct {
	Version    uint32
	Extensions map[string]string
}

func (p *VersionPacket) MarshalPacket() []byte {
	b := NewBuffer(nil)
	b.AppendUint8(uint8(PacketVersion))
	b.AppendUint32(p.Version)
	for name, data := range p.Extensions {
		b.AppendString(name)
		b.AppendString(data)
	}
	return frame(b.Bytes())
}

// frame prepends the 4-byte big-endian length prefix every packet needs.
func frame(body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = byte(len(body) >> 24)
	out[1] = byte(len(body) >> 16)
	out[2] = byte(len(body) >> 8)
	out[3] = byte(len(body))
	copy(out[4:], body)
	return out
}
