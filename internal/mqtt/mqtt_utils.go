package mqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// MaxRemainingLength is the largest value four remaining-length bytes encode.
const MaxRemainingLength = 268435455

var (
	ErrMalformed        = errors.New("malformed packet")
	ErrPacketTooLarge   = errors.New("packet exceeds the maximum size")
	ErrRemainingTooLong = errors.New("the remaining length exceeds the 4 byte limit")
)

func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadPacket reads one control packet. maxSize bounds the remaining length;
// zero means the protocol maximum.
func ReadPacket(r io.Reader, maxSize int) (*Packet, error) {
	// 读取固定头
	typeAndFlags, err := ReadByte(r)
	if err != nil {
		return nil, err
	}

	// 解析剩余长度
	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && remaining > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, remaining, maxSize)
	}

	header := &FixedHeader{
		Type:            PacketType(typeAndFlags >> 4),
		Flags:           typeAndFlags & 0x0F,
		RemainingLength: remaining,
	}
	if !ValidateFlags(header.Type, header.Flags) {
		return nil, fmt.Errorf("%w: flags %d of %s packet is not valid", ErrMalformed, header.Flags, header.Type.String())
	}

	// 读取可变头+有效载荷
	payload := make([]byte, remaining)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &Packet{
		Header:  header,
		Payload: NewPayload(payload),
	}, nil
}

func DecodeRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		encodedByte, err := ReadByte(r)
		if err != nil {
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, nil
		}
	}
	return 0, ErrRemainingTooLong
}

func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

func ValidateFlags(pt PacketType, flags byte) bool {
	allowed, ok := allowedFlags[pt]
	if !ok {
		return false
	}
	if required, fixed := requiredFlags[pt]; fixed {
		return flags == required
	}
	return (flags & ^allowed) == 0
}

// Encode assembles a packet from its type, flags and body.
func Encode(pt PacketType, flags byte, body []byte) []byte {
	packet := make([]byte, 0, len(body)+5)
	packet = append(packet, byte(pt)<<4|flags&0x0F)
	packet = append(packet, EncodeRemainingLength(len(body))...)
	return append(packet, body...)
}

func NewPayload(context []byte) *Payload {
	return &Payload{Context: context, ContextLen: len(context)}
}

func (p *Payload) CheckRemainingLength() bool {
	return p.CurrentPtr < p.ContextLen
}

func (p *Payload) Remaining() int {
	return p.ContextLen - p.CurrentPtr
}

func (p *Payload) ReadByte() (byte, error) {
	if p.CurrentPtr >= p.ContextLen {
		return 0, fmt.Errorf("%w: insufficient bytes", ErrMalformed)
	}
	b := p.Context[p.CurrentPtr]
	p.CurrentPtr++
	return b, nil
}

// ReadBytes returns the next length bytes without copying.
func (p *Payload) ReadBytes(length int) ([]byte, error) {
	if length < 0 || p.CurrentPtr+length > p.ContextLen {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrMalformed, length, p.Remaining())
	}
	data := p.Context[p.CurrentPtr : p.CurrentPtr+length]
	p.CurrentPtr += length
	return data, nil
}

func (p *Payload) ReadUint16() (uint16, error) {
	data, err := p.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(data), nil
}

func (p *Payload) ReadUint32() (uint32, error) {
	data, err := p.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(data), nil
}

// ReadBinary reads a two byte length prefixed field.
func (p *Payload) ReadBinary() ([]byte, error) {
	length, err := p.ReadUint16()
	if err != nil {
		return nil, err
	}
	return p.ReadBytes(int(length))
}

// ReadString reads a length prefixed field and checks it is valid UTF-8.
func (p *Payload) ReadString() (string, error) {
	data, err := p.ReadBinary()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: string is not valid UTF-8", ErrMalformed)
	}
	return string(data), nil
}

// ReadVarInt reads a variable byte integer.
func (p *Payload) ReadVarInt() (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		b, err := p.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(b&127) * multiplier
		multiplier *= 128
		if b&128 == 0 {
			return value, nil
		}
	}
	return 0, ErrRemainingTooLong
}

func AppendUint16(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

func AppendUint32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

func AppendBinary(dst []byte, data []byte) []byte {
	dst = AppendUint16(dst, uint16(len(data)))
	return append(dst, data...)
}

func AppendString(dst []byte, s string) []byte {
	dst = AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func AppendVarInt(dst []byte, v int) []byte {
	return append(dst, EncodeRemainingLength(v)...)
}
