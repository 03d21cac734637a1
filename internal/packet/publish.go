package packet

import (
	"strings"

	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

type PublishPacket struct {
	Topic      string
	Payload    []byte
	QoS        mqtt.QoS
	Retain     bool
	Dup        bool
	PacketID   uint16
	Properties *Properties
}

func ParsePublishPacket(packet *mqtt.Packet, version mqtt.ProtocolVersion) (*PublishPacket, error) {
	flags := packet.Header.Flags
	result := &PublishPacket{
		Dup:    (flags&0x08)>>3 == 1,
		QoS:    mqtt.QoS((flags & 0x06) >> 1),
		Retain: flags&0x01 == 1,
	}

	if !result.QoS.Valid() {
		return nil, malformed("the QoS Level must not set to 3")
	}
	if result.QoS == mqtt.QoS0 && result.Dup {
		return nil, malformed("when QoS Level set to 0, retry flag must be set to 0 either")
	}

	var err error
	if result.Topic, err = packet.Payload.ReadString(); err != nil {
		return nil, err
	}
	if result.Topic == "" || strings.ContainsAny(result.Topic, "+#") {
		return nil, malformed("invalid topic name %q", result.Topic)
	}

	if result.QoS > mqtt.QoS0 {
		if result.PacketID, err = readPacketID(packet.Payload); err != nil {
			return nil, err
		}
	}

	if result.Properties, err = readOptionalProperties(packet.Payload, version); err != nil {
		return nil, err
	}

	body, err := packet.Payload.ReadBytes(packet.Payload.Remaining())
	if err != nil {
		return nil, err
	}
	result.Payload = body
	return result, nil
}

func NewPublishPacket(version mqtt.ProtocolVersion, p *PublishPacket) []byte {
	var flags byte
	if p.Dup && p.QoS > mqtt.QoS0 {
		flags |= 0x08
	}
	flags |= byte(p.QoS) << 1
	if p.Retain {
		flags |= 0x01
	}

	body := make([]byte, 0, len(p.Topic)+len(p.Payload)+8)
	body = mqtt.AppendString(body, p.Topic)
	if p.QoS > mqtt.QoS0 {
		body = mqtt.AppendUint16(body, p.PacketID)
	}
	if version == mqtt.Version5 {
		body = appendProperties(body, p.Properties)
	}
	body = append(body, p.Payload...)
	return mqtt.Encode(mqtt.PUBLISH, flags, body)
}
