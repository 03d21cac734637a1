package packet

import (
	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

type DisconnectPacket struct {
	Reason     mqtt.ReasonCode
	Properties *Properties
}

// ParseDisconnectPacket reads a DISCONNECT. A v3.1.1 DISCONNECT is always a
// normal disconnection.
func ParseDisconnectPacket(packet *mqtt.Packet, version mqtt.ProtocolVersion) (*DisconnectPacket, error) {
	result := &DisconnectPacket{Reason: mqtt.ReasonSuccess, Properties: &Properties{}}
	if version != mqtt.Version5 {
		if packet.Payload.CheckRemainingLength() {
			return nil, malformed("DISCONNECT carries a payload")
		}
		return result, nil
	}
	if !packet.Payload.CheckRemainingLength() {
		return result, nil
	}
	code, err := packet.Payload.ReadByte()
	if err != nil {
		return nil, err
	}
	result.Reason = mqtt.ReasonCode(code)
	if packet.Payload.CheckRemainingLength() {
		if result.Properties, err = readProperties(packet.Payload); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// NewDisconnectPacket returns a server side DISCONNECT, or nil for v3.1.1
// where only clients send one.
func NewDisconnectPacket(version mqtt.ProtocolVersion, reason mqtt.ReasonCode) []byte {
	if version != mqtt.Version5 {
		return nil
	}
	return mqtt.Encode(mqtt.DISCONNECT, 0, []byte{byte(reason), 0})
}
