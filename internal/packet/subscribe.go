package packet

import (
	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

type Subscription struct {
	Filter            string
	QoS               mqtt.QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []Subscription
	Properties    *Properties
}

func ParseSubscribePacket(packet *mqtt.Packet, version mqtt.ProtocolVersion) (*SubscribePacket, error) {
	result := &SubscribePacket{}
	var err error
	if result.PacketID, err = readPacketID(packet.Payload); err != nil {
		return nil, err
	}
	if result.Properties, err = readOptionalProperties(packet.Payload, version); err != nil {
		return nil, err
	}

	for packet.Payload.CheckRemainingLength() {
		filter, err := packet.Payload.ReadString()
		if err != nil {
			return nil, err
		}
		options, err := packet.Payload.ReadByte()
		if err != nil {
			return nil, err
		}
		sub := Subscription{Filter: filter, QoS: mqtt.QoS(options & 0x03)}
		if version == mqtt.Version5 {
			sub.NoLocal = options&0x04 != 0
			sub.RetainAsPublished = options&0x08 != 0
			sub.RetainHandling = (options >> 4) & 0x03
			if options&0xC0 != 0 || sub.RetainHandling == 3 {
				return nil, malformed("reserved subscription options are set")
			}
		} else if options&0xFC != 0 {
			return nil, malformed("reserved subscription options are set")
		}
		if !sub.QoS.Valid() {
			return nil, malformed("the QoS Level must not set to 3")
		}
		result.Subscriptions = append(result.Subscriptions, sub)
	}

	if len(result.Subscriptions) == 0 {
		return nil, malformed("SUBSCRIBE without topic filters")
	}
	return result, nil
}

// NewSubAckPacket encodes one return code per requested filter. Version 3.1.1
// clients see every error code as 0x80.
func NewSubAckPacket(version mqtt.ProtocolVersion, packetID uint16, codes []mqtt.ReasonCode) []byte {
	body := mqtt.AppendUint16(nil, packetID)
	if version == mqtt.Version5 {
		body = append(body, 0)
	}
	for _, code := range codes {
		if version != mqtt.Version5 && code.IsError() {
			code = mqtt.ReasonUnspecifiedError
		}
		body = append(body, byte(code))
	}
	return mqtt.Encode(mqtt.SUBACK, 0, body)
}

type UnsubscribePacket struct {
	PacketID uint16
	Filters  []string
}

func ParseUnsubscribePacket(packet *mqtt.Packet, version mqtt.ProtocolVersion) (*UnsubscribePacket, error) {
	result := &UnsubscribePacket{}
	var err error
	if result.PacketID, err = readPacketID(packet.Payload); err != nil {
		return nil, err
	}
	if _, err = readOptionalProperties(packet.Payload, version); err != nil {
		return nil, err
	}
	for packet.Payload.CheckRemainingLength() {
		filter, err := packet.Payload.ReadString()
		if err != nil {
			return nil, err
		}
		result.Filters = append(result.Filters, filter)
	}
	if len(result.Filters) == 0 {
		return nil, malformed("UNSUBSCRIBE without topic filters")
	}
	return result, nil
}

// NewUnSubAckPacket carries reason codes for v5 only; v3.1.1 UNSUBACK has no
// payload.
func NewUnSubAckPacket(version mqtt.ProtocolVersion, packetID uint16, codes []mqtt.ReasonCode) []byte {
	body := mqtt.AppendUint16(nil, packetID)
	if version == mqtt.Version5 {
		body = append(body, 0)
		for _, code := range codes {
			body = append(body, byte(code))
		}
	}
	return mqtt.Encode(mqtt.UNSUBACK, 0, body)
}
