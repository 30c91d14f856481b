// Package wire implements the SFTP version 3 wire encoding: packet types,
// status codes, open flags, attribute flags, and the length-prefixed
// buffer primitives packets are built from.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the SSH_FXP_* opcode carried in byte 5 of every packet.
type PacketType byte

const (
	PacketInit     PacketType = 1
	PacketVersion  PacketType = 2
	PacketOpen     PacketType = 3
	PacketClose    PacketType = 4
	PacketRead     PacketType = 5
	PacketWrite    PacketType = 6
	PacketLstat    PacketType = 7
	PacketFstat    PacketType = 8
	PacketSetstat  PacketType = 9
	PacketFsetstat PacketType = 10
	PacketOpendir  PacketType = 11
	PacketReaddir  PacketType = 12
	PacketRemove   PacketType = 13
	PacketMkdir    PacketType = 14
	PacketRmdir    PacketType = 15
	PacketRealpath PacketType = 16
	PacketStat     PacketType = 17
	PacketRename   PacketType = 18
	PacketReadlink PacketType = 19
	PacketSymlink  PacketType = 20

	PacketStatus PacketType = 101
	PacketHandle PacketType = 102
	PacketData   PacketType = 103
	PacketName   PacketType = 104
	PacketAttrs  PacketType = 105

	PacketExtended      PacketType = 200
	PacketExtendedReply PacketType = 201
)

func (p PacketType) String() string {
	switch p {
	case PacketInit:
		return "SSH_FXP_INIT"
	case PacketVersion:
		return "SSH_FXP_VERSION"
	case PacketOpen:
		return "SSH_FXP_OPEN"
	case PacketClose:
		return "SSH_FXP_CLOSE"
	case PacketRead:
		return "SSH_FXP_READ"
	case PacketWrite:
		return "SSH_FXP_WRITE"
	case PacketLstat:
		return "SSH_FXP_LSTAT"
	case PacketFstat:
		return "SSH_FXP_FSTAT"
	case PacketSetstat:
		return "SSH_FXP_SETSTAT"
	case PacketFsetstat:
		return "SSH_FXP_FSETSTAT"
	case PacketOpendir:
		return "SSH_FXP_OPENDIR"
	case PacketReaddir:
		return "SSH_FXP_READDIR"
	case PacketRemove:
		return "SSH_FXP_REMOVE"
	case PacketMkdir:
		return "SSH_FXP_MKDIR"
	case PacketRmdir:
		return "SSH_FXP_RMDIR"
	case PacketRealpath:
		return "SSH_FXP_REALPATH"
	case PacketStat:
		return "SSH_FXP_STAT"
	case PacketRename:
		return "SSH_FXP_RENAME"
	case PacketReadlink:
		return "SSH_FXP_READLINK"
	case PacketSymlink:
		return "SSH_FXP_SYMLINK"
	case PacketStatus:
		return "SSH_FXP_STATUS"
	case PacketHandle:
		return "SSH_FXP_HANDLE"
	case PacketData:
		return "SSH_FXP_DATA"
	case PacketName:
		return "SSH_FXP_NAME"
	case PacketAttrs:
		return "SSH_FXP_ATTRS"
	case PacketExtended:
		return "SSH_FXP_EXTENDED"
	case PacketExtendedReply:
		return "SSH_FXP_EXTENDED_REPLY"
	default:
		return fmt.Sprintf("SSH_FXP_UNKNOWN(%d)", byte(p))
	}
}

// Status is the SSH_FX_* result code returned in a StatusPacket.
type Status uint32

const (
	StatusOK               Status = 0
	StatusEOF              Status = 1
	StatusNoSuchFile       Status = 2
	StatusPermissionDenied Status = 3
	StatusFailure          Status = 4
	StatusBadMessage       Status = 5
	StatusNoConnection     Status = 6
	StatusConnectionLost   Status = 7
	StatusOpUnsupported    Status = 8
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "SSH_FX_OK"
	case StatusEOF:
		return "SSH_FX_EOF"
	case StatusNoSuchFile:
		return "SSH_FX_NO_SUCH_FILE"
	case StatusPermissionDenied:
		return "SSH_FX_PERMISSION_DENIED"
	case StatusFailure:
		return "SSH_FX_FAILURE"
	case StatusBadMessage:
		return "SSH_FX_BAD_MESSAGE"
	case StatusNoConnection:
		return "SSH_FX_NO_CONNECTION"
	case StatusConnectionLost:
		return "SSH_FX_CONNECTION_LOST"
	case StatusOpUnsupported:
		return "SSH_FX_OP_UNSUPPORTED"
	default:
		return fmt.Sprintf("SSH_FX_UNKNOWN(%d)", uint32(s))
	}
}

func (s Status) Error() string { return s.String() }

// Is lets errors.Is(err, StatusFailure) match both a bare Status and a
// *StatusPacket carrying that code, so callers can compare against the
// sentinel without unwrapping the packet themselves.
func (s Status) Is(target error) bool {
	if sp, ok := target.(*StatusPacket); ok {
		return sp.Code == s
	}
	if st, ok := target.(Status); ok {
		return st == s
	}
	return false
}

// DefaultMaxPacketLength bounds how large a single packet body may be
// before DecodePacket refuses it, per the filexfer draft's guidance.
const DefaultMaxPacketLength = 34000

// OpenFlags are the SSH_FXF_* bits carried in an OPEN request.
type OpenFlags uint32

const (
	FlagRead      OpenFlags = 0x00000001
	FlagWrite     OpenFlags = 0x00000002
	FlagAppend    OpenFlags = 0x00000004
	FlagCreate    OpenFlags = 0x00000008
	FlagTruncate  OpenFlags = 0x00000010
	FlagExclusive OpenFlags = 0x00000020
)

// AttrFlags are the SSH_FILEXFER_ATTR_* bits in Attributes.Flags.
const (
	AttrSize        uint32 = 0x00000001
	AttrUIDGID      uint32 = 0x00000002
	AttrPermissions uint32 = 0x00000004
	AttrACModTime   uint32 = 0x00000008
	AttrExtended    uint32 = 0x80000000
)

// FileMode mirrors POSIX st_mode bits as carried on the wire.
type FileMode uint32

// ExtendedAttribute is a single opaque (type, data) pair attached to an
// Attributes value when AttrExtended is set.
type ExtendedAttribute struct {
	Type string
	Data string
}

// Attributes is the SFTP attrs structure shared by STAT/LSTAT/FSTAT
// responses and SETSTAT/FSETSTAT/OPEN requests.
type Attributes struct {
	Flags              uint32
	Size               uint64
	UID, GID           uint32
	Permissions        FileMode
	ATime, MTime       uint32
	ExtendedAttributes []ExtendedAttribute
}

// MarshalBinary encodes the attributes according to Flags, omitting any
// field whose bit is unset, mirroring the reference draft's "size
// optimization" stance.
func (a *Attributes) MarshalBinary() ([]byte, error) {
	b := NewBuffer(nil)
	b.AppendUint32(a.Flags)

	if a.Flags&AttrSize != 0 {
		b.AppendUint64(a.Size)
	}
	if a.Flags&AttrUIDGID != 0 {
		b.AppendUint32(a.UID)
		b.AppendUint32(a.GID)
	}
	if a.Flags&AttrPermissions != 0 {
		b.AppendUint32(uint32(a.Permissions))
	}
	if a.Flags&AttrACModTime != 0 {
		b.AppendUint32(a.ATime)
		b.AppendUint32(a.MTime)
	}
	if a.Flags&AttrExtended != 0 {
		b.AppendUint32(uint32(len(a.ExtendedAttributes)))
		for _, ea := range a.ExtendedAttributes {
			b.AppendString(ea.Type)
			b.AppendString(ea.Data)
		}
	}
	return b.Bytes(), nil
}

// UnmarshalBinary decodes attributes from buf, consuming exactly the
// fields indicated by the leading Flags word.
func (a *Attributes) UnmarshalBinary(data []byte) error {
	b := NewBuffer(data)
	var err error
	if a.Flags, err = b.ConsumeUint32(); err != nil {
		return err
	}
	if a.Flags&AttrSize != 0 {
		if a.Size, err = b.ConsumeUint64(); err != nil {
			return err
		}
	}
	if a.Flags&AttrUIDGID != 0 {
		if a.UID, err = b.ConsumeUint32(); err != nil {
			return err
		}
		if a.GID, err = b.ConsumeUint32(); err != nil {
			return err
		}
	}
	if a.Flags&AttrPermissions != 0 {
		perms, err := b.ConsumeUint32()
		if err != nil {
			return err
		}
		a.Permissions = FileMode(perms)
	}
	if a.Flags&AttrACModTime != 0 {
		if a.ATime, err = b.ConsumeUint32(); err != nil {
			return err
		}
		if a.MTime, err = b.ConsumeUint32(); err != nil {
			return err
		}
	}
	if a.Flags&AttrExtended != 0 {
		count, err := b.ConsumeUint32()
		if err != nil {
			return err
		}
		a.ExtendedAttributes = make([]ExtendedAttribute, count)
		for i := range a.ExtendedAttributes {
			typ, err := b.ConsumeString()
			if err != nil {
				return err
			}
			val, err := b.ConsumeString()
			if err != nil {
				return err
			}
			a.ExtendedAttributes[i] = ExtendedAttribute{Type: typ, Data: val}
		}
	}
	return nil
}

// NameEntry is one entry of a NAME response: a filename, its ls -l style
// rendering, and its attributes.
type NameEntry struct {
	Filename string
	Longname string
	Attrs    Attributes
}

func (e *NameEntry) MarshalBinary() ([]byte, error) {
	b := NewBuffer(nil)
	b.AppendString(e.Filename)
	b.AppendString(e.Longname)
	attrBytes, err := e.Attrs.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b.AppendBytes(attrBytes)
	return b.Bytes(), nil
}

func (e *NameEntry) UnmarshalBinary(data []byte) error {
	b := NewBuffer(data)
	var err error
	if e.Filename, err = b.ConsumeString(); err != nil {
		return err
	}
	if e.Longname, err = b.ConsumeString(); err != nil {
		return err
	}
	return e.Attrs.UnmarshalBinary(b.Bytes())
}

// ErrShortPacket is returned by Buffer Consume* methods when fewer bytes
// remain than the field being decoded requires.
var ErrShortPacket = errors.New("wire: packet too short")

// Buffer is a cursor over a byte slice supporting the big-endian,
// length-prefixed primitives the SFTP wire format is built from: it is
// used both to marshal outgoing packets (Append*) and parse incoming ones
// (Consume*).
type Buffer struct {
	buf []byte
	off int
}

// NewBuffer wraps b for reading, or starts a fresh buffer for writing if
// b is nil.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b}
}

// Bytes returns the unconsumed remainder (when reading) or the
// accumulated bytes so far (when writing).
func (b *Buffer) Bytes() []byte { return b.buf[b.off:] }

// Len reports how many unconsumed bytes remain.
func (b *Buffer) Len() int { return len(b.buf) - b.off }

func (b *Buffer) AppendUint8(v uint8) { b.buf = append(b.buf, v) }

func (b *Buffer) AppendUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *Buffer) AppendUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *Buffer) AppendString(s string) {
	b.AppendUint32(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

func (b *Buffer) AppendBytes(p []byte) { b.buf = append(b.buf, p...) }

func (b *Buffer) ConsumeUint8() (uint8, error) {
	if b.Len() < 1 {
		return 0, ErrShortPacket
	}
	v := b.buf[b.off]
	b.off++
	return v, nil
}

func (b *Buffer) ConsumeUint32() (uint32, error) {
	if b.Len() < 4 {
		return 0, ErrShortPacket
	}
	v := binary.BigEndian.Uint32(b.buf[b.off:])
	b.off += 4
	return v, nil
}

func (b *Buffer) ConsumeUint64() (uint64, error) {
	if b.Len() < 8 {
		return 0, ErrShortPacket
	}
	v := binary.BigEndian.Uint64(b.buf[b.off:])
	b.off += 8
	return v, nil
}

func (b *Buffer) ConsumeString() (string, error) {
	n, err := b.ConsumeUint32()
	if err != nil {
		return "", err
	}
	if uint32(b.Len()) < n {
		return "", ErrShortPacket
	}
	s := string(b.buf[b.off : b.off+int(n)])
	b.off += int(n)
	return s, nil
}

func (b *Buffer) ConsumeBytes(n int) ([]byte, error) {
	if b.Len() < n {
		return nil, ErrShortPacket
	}
	p := b.buf[b.off : b.off+n]
	b.off += n
	return p, nil
}
