// internal/protocol/packet.go - Packet framing and primitive encodings
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// Version is the protocol revision this build speaks. Clients declaring a
// newer version are rejected.
const Version uint32 = 0x20141112

type Opcode uint8

const (
	OpNull                Opcode = 0x00
	OpVersion             Opcode = 0x01
	OpAlertInsert         Opcode = 0x02
	OpAlertSelect         Opcode = 0x03
	OpAlertMarkAsResolved Opcode = 0x04
	OpAlertRecord         Opcode = 0x05
	OpTypeRegister        Opcode = 0x06
	OpTypeDeregister      Opcode = 0x07
	OpOverrideSet         Opcode = 0x08
	OpOverrideClear       Opcode = 0x09
	OpTypeList            Opcode = 0x0a
	OpTypeRecord          Opcode = 0x0b
	OpOverrideList        Opcode = 0x0c
	OpOverrideRecord      Opcode = 0x0d
	OpResult              Opcode = 0xff
)

var opcodeNames = map[Opcode]string{
	OpNull:                "null",
	OpVersion:             "version",
	OpAlertInsert:         "alert_insert",
	OpAlertSelect:         "alert_select",
	OpAlertMarkAsResolved: "alert_mark_as_resolved",
	OpAlertRecord:         "alert_record",
	OpTypeRegister:        "type_register",
	OpTypeDeregister:      "type_deregister",
	OpOverrideSet:         "override_set",
	OpOverrideClear:       "override_clear",
	OpTypeList:            "type_list",
	OpTypeRecord:          "type_record",
	OpOverrideList:        "override_list",
	OpOverrideRecord:      "override_record",
	OpResult:              "result",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("opcode_%#02x", uint8(op))
}

type Result uint8

const (
	ResultOK              Result = 0
	ResultVersionMismatch Result = 1
	ResultAlertMatches    Result = 2
	ResultTypeMatches     Result = 3
	ResultOverrideMatches Result = 4
	ResultErr             Result = 5
	ResultNotFound        Result = 6
	ResultInvalid         Result = 7
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultVersionMismatch:
		return "version mismatch"
	case ResultAlertMatches:
		return "alert matches"
	case ResultTypeMatches:
		return "type matches"
	case ResultOverrideMatches:
		return "override matches"
	case ResultErr:
		return "error"
	case ResultNotFound:
		return "not found"
	case ResultInvalid:
		return "invalid request"
	}
	return fmt.Sprintf("result_%d", uint8(r))
}

const (
	// HeaderSize is the packed {opcode u8, length u32} header.
	HeaderSize = 5
	// MaxPayload caps what a peer may ask us to buffer.
	MaxPayload = 1 << 20
	// MaxStringLength is the most a u8 length prefix can describe.
	MaxStringLength = 255
)

var (
	ErrShortPayload   = errors.New("read past end of payload")
	ErrStringTooLong  = errors.New("string exceeds 255 bytes")
	ErrTooManyGroups  = errors.New("more than 255 groups")
	ErrPayloadTooLong = errors.New("payload exceeds maximum length")
)

// Stream is the blocking-with-timeout byte transport a packet moves over.
type Stream interface {
	ReadFull(buf []byte) error
	WriteFull(buf []byte) error
	FD() int
}

// Packet holds one header and payload in a buffer that only grows, in page
// sized steps.
type Packet struct {
	buf    []byte
	length int
	off    int
}

func NewPacket() *Packet {
	return &Packet{buf: make([]byte, os.Getpagesize())}
}

// Reset starts a new outgoing packet.
func (p *Packet) Reset(op Opcode) {
	p.buf[0] = byte(op)
	p.length = 0
	p.off = 0
}

// ResetResult starts a RESULT packet carrying code.
func (p *Packet) ResetResult(code Result) {
	p.Reset(OpResult)
	p.PutUint8(uint8(code))
}

func (p *Packet) Opcode() Opcode {
	return Opcode(p.buf[0])
}

// Len returns the payload length.
func (p *Packet) Len() int {
	return p.length
}

// Remaining returns the unread payload length.
func (p *Packet) Remaining() int {
	return p.length - p.off
}

// Cap returns the buffer size, header included.
func (p *Packet) Cap() int {
	return len(p.buf)
}

func (p *Packet) ensure(total int) {
	if total <= len(p.buf) {
		return
	}
	page := os.Getpagesize()
	size := ((total + page - 1) / page) * page
	grown := make([]byte, size)
	copy(grown, p.buf[:HeaderSize+p.length])
	p.buf = grown
}

func (p *Packet) extend(n int) []byte {
	p.ensure(HeaderSize + p.length + n)
	start := HeaderSize + p.length
	p.length += n
	return p.buf[start : start+n]
}

func (p *Packet) next(n int) ([]byte, error) {
	if p.Remaining() < n {
		return nil, ErrShortPayload
	}
	start := HeaderSize + p.off
	p.off += n
	return p.buf[start : start+n], nil
}

func (p *Packet) PutUint8(v uint8) {
	p.extend(1)[0] = v
}

func (p *Packet) PutUint32(v uint32) {
	binary.NativeEndian.PutUint32(p.extend(4), v)
}

func (p *Packet) PutInt64(v int64) {
	binary.NativeEndian.PutUint64(p.extend(8), uint64(v))
}

// PutString writes a u8 length prefixed string. Longer values are rejected,
// never truncated.
func (p *Packet) PutString(s string) error {
	if len(s) > MaxStringLength {
		return fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
	}
	p.PutUint8(uint8(len(s)))
	copy(p.extend(len(s)), s)
	return nil
}

func (p *Packet) Uint8() (uint8, error) {
	b, err := p.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (p *Packet) Uint32() (uint32, error) {
	b, err := p.next(4)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(b), nil
}

func (p *Packet) Int64() (int64, error) {
	b, err := p.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.NativeEndian.Uint64(b)), nil
}

// Text reads a u8 length prefixed string.
func (p *Packet) Text() (string, error) {
	n, err := p.Uint8()
	if err != nil {
		return "", err
	}
	b, err := p.next(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Write sends the header and payload.
func (p *Packet) Write(s Stream) error {
	binary.NativeEndian.PutUint32(p.buf[1:HeaderSize], uint32(p.length))
	return s.WriteFull(p.buf[:HeaderSize+p.length])
}

// Read receives one packet, replacing the current contents.
func (p *Packet) Read(s Stream) error {
	if err := s.ReadFull(p.buf[:HeaderSize]); err != nil {
		return err
	}
	length := binary.NativeEndian.Uint32(p.buf[1:HeaderSize])
	if length > MaxPayload {
		return &ProtocolError{FD: s.FD(), Msg: fmt.Sprintf("payload length %d", length), Err: ErrPayloadTooLong}
	}

	p.length = 0
	p.off = 0
	p.ensure(HeaderSize + int(length))
	if err := s.ReadFull(p.buf[HeaderSize : HeaderSize+int(length)]); err != nil {
		return err
	}
	p.length = int(length)
	return nil
}

// ProtocolError reports a peer that broke the protocol.
type ProtocolError struct {
	FD  int
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error on fd %d: %s: %v", e.FD, e.Msg, e.Err)
	}
	return fmt.Sprintf("protocol error on fd %d: %s", e.FD, e.Msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
