package packet

import (
	"fmt"

	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

// AckPacket is a PUBACK, PUBREC, PUBREL or PUBCOMP.
type AckPacket struct {
	Type     mqtt.PacketType
	PacketID uint16
	Reason   mqtt.ReasonCode
}

func ParseAckPacket(packet *mqtt.Packet, version mqtt.ProtocolVersion) (*AckPacket, error) {
	switch packet.Header.Type {
	case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBREL, mqtt.PUBCOMP:
	default:
		return nil, fmt.Errorf("%s is not an acknowledgement", packet.Header.Type)
	}
	id, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	result := &AckPacket{Type: packet.Header.Type, PacketID: id}
	if version == mqtt.Version5 && packet.Payload.CheckRemainingLength() {
		code, err := packet.Payload.ReadByte()
		if err != nil {
			return nil, err
		}
		result.Reason = mqtt.ReasonCode(code)
		if packet.Payload.CheckRemainingLength() {
			if _, err := readProperties(packet.Payload); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func NewAckPacket(pt mqtt.PacketType, version mqtt.ProtocolVersion, packetID uint16, reason mqtt.ReasonCode) []byte {
	var flags byte
	if pt == mqtt.PUBREL {
		flags = 0x02
	}
	body := mqtt.AppendUint16(nil, packetID)
	if version == mqtt.Version5 && reason != mqtt.ReasonSuccess {
		body = append(body, byte(reason))
	}
	return mqtt.Encode(pt, flags, body)
}
