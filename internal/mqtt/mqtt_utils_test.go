package mqtt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainingLength(t *testing.T) {
	tests := []struct {
		input  int
		expect []byte
	}{
		{0, []byte{0x00}},
		{64, []byte{0x40}},
		{321, []byte{0xC1, 0x02}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		encoded := EncodeRemainingLength(tt.input)
		assert.Equal(t, tt.expect, encoded, "input=%d", tt.input)

		decoded, err := DecodeRemainingLength(bytes.NewReader(encoded))
		require.NoError(t, err)
		assert.Equal(t, tt.input, decoded)
	}

	_, err := DecodeRemainingLength(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}))
	assert.ErrorIs(t, err, ErrRemainingTooLong)
}

func TestReadPacket(t *testing.T) {
	t.Run("reads header and body", func(t *testing.T) {
		raw := Encode(PUBREL, 0x02, AppendUint16(nil, 10))
		packet, err := ReadPacket(bytes.NewReader(raw), 0)
		require.NoError(t, err)
		assert.Equal(t, PUBREL, packet.Header.Type)
		assert.Equal(t, 2, packet.Header.RemainingLength)

		id, err := packet.Payload.ReadUint16()
		require.NoError(t, err)
		assert.Equal(t, uint16(10), id)
		assert.False(t, packet.Payload.CheckRemainingLength())
	})

	t.Run("rejects invalid flags", func(t *testing.T) {
		_, err := ReadPacket(bytes.NewReader([]byte{0x11, 0x00}), 0)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("rejects oversized packets", func(t *testing.T) {
		raw := Encode(PUBLISH, 0, make([]byte, 100))
		_, err := ReadPacket(bytes.NewReader(raw), 10)
		assert.ErrorIs(t, err, ErrPacketTooLarge)
	})
}

func TestPayloadReaders(t *testing.T) {
	body := AppendString(nil, "topic")
	body = AppendUint32(body, 42)
	body = AppendVarInt(body, 321)
	body = AppendBinary(body, []byte{1, 2})

	p := NewPayload(body)
	s, err := p.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "topic", s)

	n, err := p.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), n)

	v, err := p.ReadVarInt()
	require.NoError(t, err)
	assert.Equal(t, 321, v)

	b, err := p.ReadBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)

	_, err = p.ReadByte()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = NewPayload([]byte{0x00, 0x02, 0xC3, 0x28}).ReadString()
	assert.ErrorIs(t, err, ErrMalformed)
}
