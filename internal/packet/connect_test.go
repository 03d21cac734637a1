package packet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

func readRaw(t *testing.T, raw []byte) *mqtt.Packet {
	t.Helper()
	packet, err := mqtt.ReadPacket(bytes.NewReader(raw), 0)
	require.NoError(t, err)
	return packet
}

type connectOptions struct {
	version       mqtt.ProtocolVersion
	flags         byte
	clientID      string
	props         []byte
	willProps     []byte
	willTopic     string
	willPayload   string
	username      string
	keepAlive     uint16
	trailingBytes []byte
}

func buildConnect(o connectOptions) []byte {
	body := mqtt.AppendString(nil, "MQTT")
	body = append(body, byte(o.version), o.flags)
	body = mqtt.AppendUint16(body, o.keepAlive)
	if o.version == mqtt.Version5 {
		body = mqtt.AppendVarInt(body, len(o.props))
		body = append(body, o.props...)
	}
	body = mqtt.AppendString(body, o.clientID)
	if o.flags&0x04 != 0 {
		if o.version == mqtt.Version5 {
			body = mqtt.AppendVarInt(body, len(o.willProps))
			body = append(body, o.willProps...)
		}
		body = mqtt.AppendString(body, o.willTopic)
		body = mqtt.AppendString(body, o.willPayload)
	}
	if o.flags&0x80 != 0 {
		body = mqtt.AppendString(body, o.username)
	}
	body = append(body, o.trailingBytes...)
	return mqtt.Encode(mqtt.CONNECT, 0, body)
}

func TestParseConnectPacket(t *testing.T) {
	t.Run("v3.1.1 persistent session with will", func(t *testing.T) {
		raw := buildConnect(connectOptions{
			version:     mqtt.Version311,
			flags:       0x80 | 0x20 | 0x08 | 0x04, // username, retain, QoS1, will
			clientID:    "c1",
			willTopic:   "/w",
			willPayload: "Goodbye",
			username:    "user",
			keepAlive:   30,
		})
		connect, err := ParseConnectPacket(readRaw(t, raw))
		require.NoError(t, err)

		assert.Equal(t, mqtt.Version311, connect.ProtocolVersion)
		assert.Equal(t, "c1", connect.ClientID)
		assert.Equal(t, "user", connect.Username)
		assert.Equal(t, uint16(30), connect.KeepAlive)
		require.NotNil(t, connect.Will)
		assert.Equal(t, "/w", connect.Will.Topic)
		assert.Equal(t, []byte("Goodbye"), connect.Will.Payload)
		assert.Equal(t, mqtt.QoS1, connect.Will.QoS)
		assert.True(t, connect.Will.Retain)

		_, never := connect.SessionExpiry()
		assert.True(t, never)
	})

	t.Run("v5 properties", func(t *testing.T) {
		props := append([]byte{mqtt.PropSessionExpiry}, mqtt.AppendUint32(nil, 10)...)
		props = append(props, mqtt.PropReceiveMaximum, 0x00, 0x10)
		props = append(props, mqtt.PropRequestProblemInfo, 0x01)

		willProps := append([]byte{mqtt.PropWillDelay}, mqtt.AppendUint32(nil, 60)...)
		willProps = append(willProps, mqtt.PropContentType)
		willProps = mqtt.AppendString(willProps, "text/plain")
		willProps = append(willProps, mqtt.PropUserProperty)
		willProps = mqtt.AppendString(willProps, "k")
		willProps = mqtt.AppendString(willProps, "v")

		raw := buildConnect(connectOptions{
			version:     mqtt.Version5,
			flags:       0x04,
			clientID:    "c5",
			props:       props,
			willProps:   willProps,
			willTopic:   "/w",
			willPayload: "bye",
		})
		connect, err := ParseConnectPacket(readRaw(t, raw))
		require.NoError(t, err)

		seconds, never := connect.SessionExpiry()
		assert.Equal(t, uint32(10), seconds)
		assert.False(t, never)
		assert.Equal(t, uint16(16), connect.Properties.ReceiveMaximum)
		require.NotNil(t, connect.Will)
		assert.Equal(t, uint32(60), connect.Will.Delay)
		assert.Equal(t, "text/plain", connect.Will.ContentType)
		assert.Equal(t, []UserProperty{{Key: "k", Value: "v"}}, connect.Will.UserProperties)
	})

	t.Run("unsupported protocol version", func(t *testing.T) {
		raw := buildConnect(connectOptions{version: 3, clientID: "c"})
		_, err := ParseConnectPacket(readRaw(t, raw))
		var connectErr *ConnectError
		require.ErrorAs(t, err, &connectErr)
		assert.Equal(t, mqtt.ReasonUnsupportedProtocolVersion, connectErr.Code)
		assert.ErrorIs(t, err, ErrUnsupportedProtocol)
	})

	t.Run("will flags without will", func(t *testing.T) {
		raw := buildConnect(connectOptions{version: mqtt.Version311, flags: 0x20, clientID: "c"})
		_, err := ParseConnectPacket(readRaw(t, raw))
		assert.ErrorIs(t, err, mqtt.ErrMalformed)
	})

	t.Run("unknown property", func(t *testing.T) {
		raw := buildConnect(connectOptions{version: mqtt.Version5, clientID: "c", props: []byte{0x7F, 0x00}})
		_, err := ParseConnectPacket(readRaw(t, raw))
		assert.ErrorIs(t, err, mqtt.ErrMalformed)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		raw := buildConnect(connectOptions{version: mqtt.Version311, flags: 0x02, clientID: "c", trailingBytes: []byte{1}})
		_, err := ParseConnectPacket(readRaw(t, raw))
		assert.ErrorIs(t, err, mqtt.ErrMalformed)
	})
}

func TestNewConnectAckPacket(t *testing.T) {
	assert.Equal(t, []byte{0x20, 0x02, 0x01, 0x00},
		NewConnectAckPacket(mqtt.Version311, true, mqtt.ReasonSuccess, nil))
	assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x02},
		NewConnectAckPacket(mqtt.Version311, true, mqtt.ReasonClientIDNotValid, nil))
	assert.Equal(t, []byte{0x20, 0x03, 0x00, 0x00, 0x00},
		NewConnectAckPacket(mqtt.Version5, false, mqtt.ReasonSuccess, nil))

	withID := NewConnectAckPacket(mqtt.Version5, false, mqtt.ReasonSuccess, &Properties{AssignedClientID: "gen"})
	assert.Equal(t, byte(0x12), withID[5])
}
