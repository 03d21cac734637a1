package packet

import (
	"fmt"

	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

type UserProperty struct {
	Key   string
	Value string
}

// Properties holds the MQTT5 properties the broker acts on. Others are
// skipped while parsing.
type Properties struct {
	SessionExpiry    *uint32
	WillDelay        uint32
	ContentType      string
	PayloadFormat    *byte
	MessageExpiry    *uint32
	ResponseTopic    string
	CorrelationData  []byte
	ReasonString     string
	ReceiveMaximum   uint16
	TopicAlias       uint16
	AssignedClientID string
	UserProperties   []UserProperty
}

// readProperties parses a property block. Unknown identifiers are skipped by
// their wire type; an identifier with no known type makes the packet malformed.
func readProperties(payload *mqtt.Payload) (*Properties, error) {
	length, err := payload.ReadVarInt()
	if err != nil {
		return nil, fmt.Errorf("property length: %w", err)
	}
	block, err := payload.ReadBytes(length)
	if err != nil {
		return nil, fmt.Errorf("property block: %w", err)
	}

	props := &Properties{}
	p := mqtt.NewPayload(block)
	for p.CheckRemainingLength() {
		id, err := p.ReadVarInt()
		if err != nil {
			return nil, err
		}
		switch byte(id) {
		case mqtt.PropSessionExpiry:
			v, err := p.ReadUint32()
			if err != nil {
				return nil, err
			}
			props.SessionExpiry = &v
		case mqtt.PropWillDelay:
			if props.WillDelay, err = p.ReadUint32(); err != nil {
				return nil, err
			}
		case mqtt.PropContentType:
			if props.ContentType, err = p.ReadString(); err != nil {
				return nil, err
			}
		case mqtt.PropPayloadFormat:
			v, err := p.ReadByte()
			if err != nil {
				return nil, err
			}
			props.PayloadFormat = &v
		case mqtt.PropMessageExpiry:
			v, err := p.ReadUint32()
			if err != nil {
				return nil, err
			}
			props.MessageExpiry = &v
		case mqtt.PropResponseTopic:
			if props.ResponseTopic, err = p.ReadString(); err != nil {
				return nil, err
			}
		case mqtt.PropCorrelationData:
			data, err := p.ReadBinary()
			if err != nil {
				return nil, err
			}
			props.CorrelationData = append([]byte(nil), data...)
		case mqtt.PropReasonString:
			if props.ReasonString, err = p.ReadString(); err != nil {
				return nil, err
			}
		case mqtt.PropReceiveMaximum:
			if props.ReceiveMaximum, err = p.ReadUint16(); err != nil {
				return nil, err
			}
		case mqtt.PropTopicAlias:
			if props.TopicAlias, err = p.ReadUint16(); err != nil {
				return nil, err
			}
		case mqtt.PropUserProperty:
			key, err := p.ReadString()
			if err != nil {
				return nil, err
			}
			value, err := p.ReadString()
			if err != nil {
				return nil, err
			}
			props.UserProperties = append(props.UserProperties, UserProperty{Key: key, Value: value})
		default:
			if err := skipProperty(p, byte(id)); err != nil {
				return nil, err
			}
		}
	}
	return props, nil
}

func skipProperty(p *mqtt.Payload, id byte) error {
	var err error
	switch id {
	case mqtt.PropRequestProblemInfo, mqtt.PropRequestResponseInfo, mqtt.PropMaximumQoS,
		mqtt.PropRetainAvailable, mqtt.PropWildcardSubAvailable, mqtt.PropSubIDAvailable,
		mqtt.PropSharedSubAvailable:
		_, err = p.ReadByte()
	case mqtt.PropServerKeepAlive, mqtt.PropTopicAliasMaximum:
		_, err = p.ReadUint16()
	case mqtt.PropMaximumPacketSize:
		_, err = p.ReadUint32()
	case mqtt.PropSubscriptionID:
		_, err = p.ReadVarInt()
	case mqtt.PropAssignedClientID, mqtt.PropAuthMethod, mqtt.PropResponseInfo, mqtt.PropServerReference:
		_, err = p.ReadString()
	case mqtt.PropAuthData:
		_, err = p.ReadBinary()
	default:
		return fmt.Errorf("%w: unknown property 0x%02X", mqtt.ErrMalformed, id)
	}
	return err
}

// appendProperties writes the property block for the fields that are set.
func appendProperties(dst []byte, props *Properties) []byte {
	if props == nil {
		return append(dst, 0)
	}
	var block []byte
	if props.SessionExpiry != nil {
		block = append(block, mqtt.PropSessionExpiry)
		block = mqtt.AppendUint32(block, *props.SessionExpiry)
	}
	if props.PayloadFormat != nil {
		block = append(block, mqtt.PropPayloadFormat, *props.PayloadFormat)
	}
	if props.MessageExpiry != nil {
		block = append(block, mqtt.PropMessageExpiry)
		block = mqtt.AppendUint32(block, *props.MessageExpiry)
	}
	if props.ContentType != "" {
		block = append(block, mqtt.PropContentType)
		block = mqtt.AppendString(block, props.ContentType)
	}
	if props.ResponseTopic != "" {
		block = append(block, mqtt.PropResponseTopic)
		block = mqtt.AppendString(block, props.ResponseTopic)
	}
	if len(props.CorrelationData) > 0 {
		block = append(block, mqtt.PropCorrelationData)
		block = mqtt.AppendBinary(block, props.CorrelationData)
	}
	if props.AssignedClientID != "" {
		block = append(block, mqtt.PropAssignedClientID)
		block = mqtt.AppendString(block, props.AssignedClientID)
	}
	if props.ReasonString != "" {
		block = append(block, mqtt.PropReasonString)
		block = mqtt.AppendString(block, props.ReasonString)
	}
	if props.ReceiveMaximum > 0 {
		block = append(block, mqtt.PropReceiveMaximum)
		block = mqtt.AppendUint16(block, props.ReceiveMaximum)
	}
	for _, up := range props.UserProperties {
		block = append(block, mqtt.PropUserProperty)
		block = mqtt.AppendString(block, up.Key)
		block = mqtt.AppendString(block, up.Value)
	}
	dst = mqtt.AppendVarInt(dst, len(block))
	return append(dst, block...)
}
