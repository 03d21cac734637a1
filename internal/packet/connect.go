package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

// ConnectRespType is the CONNACK return code of MQTT 3.1.1.
type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	AuthenticationFailed
	NotAuthorized
)

// ConnectPacketFlag CONNECT控制包连接标志位
type ConnectPacketFlag struct {
	UsernameFlag    bool
	PasswordFlag    bool
	RemainFlag      bool
	QoSLevel        mqtt.QoS
	WillMessageFlag bool
	CleanSession    bool
}

type WillMessage struct {
	Topic          string
	Payload        []byte
	QoS            mqtt.QoS
	Retain         bool
	Delay          uint32
	ContentType    string
	UserProperties []UserProperty
}

type ConnectPacket struct {
	ProtocolVersion mqtt.ProtocolVersion
	ConnectFlag     ConnectPacketFlag
	KeepAlive       uint16
	ClientID        string
	Username        string
	Password        []byte
	Will            *WillMessage
	Properties      *Properties
}

// ConnectError is a CONNECT the broker must refuse with Code. Other parse
// errors close the connection without a CONNACK.
type ConnectError struct {
	Version mqtt.ProtocolVersion
	Code    mqtt.ReasonCode
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect refused (0x%02X): %v", byte(e.Code), e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

var ErrUnsupportedProtocol = errors.New("protocol version does not match")

// ParseConnectPacket 处理 CONNECT 控制包的可变头和负载
func ParseConnectPacket(packet *mqtt.Packet) (*ConnectPacket, error) {
	payload := packet.Payload
	result := &ConnectPacket{}

	protocolName, err := payload.ReadString()
	if err != nil {
		return nil, errors.New("unable to check protocol string")
	}
	if protocolName != "MQTT" {
		return nil, fmt.Errorf("incorrect Protocol String: %s", protocolName)
	}

	// 协议版本
	version, err := payload.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("unable to read protocol version, details: %w", err)
	}
	result.ProtocolVersion = mqtt.ProtocolVersion(version)
	if result.ProtocolVersion != mqtt.Version311 && result.ProtocolVersion != mqtt.Version5 {
		return nil, &ConnectError{
			Version: mqtt.Version311,
			Code:    mqtt.ReasonUnsupportedProtocolVersion,
			Err:     ErrUnsupportedProtocol,
		}
	}
	refuse := func(code mqtt.ReasonCode, err error) (*ConnectPacket, error) {
		return nil, &ConnectError{Version: result.ProtocolVersion, Code: code, Err: err}
	}

	// 连接标志位
	connectFlag, err := payload.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("unable to read connect flag, details: %w", err)
	}
	if connectFlag&0x01 != 0 {
		return refuse(mqtt.ReasonMalformedPacket, malformed("reserved connect flag is set"))
	}
	result.ConnectFlag = ConnectPacketFlag{
		UsernameFlag:    (connectFlag&0x80)>>7 == 1,
		PasswordFlag:    (connectFlag&0x40)>>6 == 1,
		RemainFlag:      (connectFlag&0x20)>>5 == 1,
		QoSLevel:        mqtt.QoS((connectFlag & 0x18) >> 3),
		WillMessageFlag: (connectFlag&0x04)>>2 == 1,
		CleanSession:    (connectFlag&0x02)>>1 == 1,
	}
	flags := result.ConnectFlag
	if !flags.WillMessageFlag && (flags.RemainFlag || flags.QoSLevel != mqtt.QoS0) {
		return refuse(mqtt.ReasonMalformedPacket,
			malformed("when will message flag is not set, remain flag must not be set and QoSLevel must be 0"))
	}
	if !flags.QoSLevel.Valid() {
		return refuse(mqtt.ReasonMalformedPacket, malformed("will QoS must not be 3"))
	}

	if result.KeepAlive, err = payload.ReadUint16(); err != nil {
		return nil, errors.New("unable to read keep alive time")
	}

	if result.Properties, err = readOptionalProperties(payload, result.ProtocolVersion); err != nil {
		return refuse(mqtt.ReasonMalformedPacket, err)
	}

	if result.ClientID, err = payload.ReadString(); err != nil {
		return refuse(mqtt.ReasonClientIDNotValid, fmt.Errorf("client ID: %w", err))
	}

	if flags.WillMessageFlag {
		will := &WillMessage{QoS: flags.QoSLevel, Retain: flags.RemainFlag}
		willProps, err := readOptionalProperties(payload, result.ProtocolVersion)
		if err != nil {
			return refuse(mqtt.ReasonMalformedPacket, fmt.Errorf("will properties: %w", err))
		}
		will.Delay = willProps.WillDelay
		will.ContentType = willProps.ContentType
		will.UserProperties = willProps.UserProperties

		if will.Topic, err = payload.ReadString(); err != nil {
			return refuse(mqtt.ReasonMalformedPacket, fmt.Errorf("will topic: %w", err))
		}
		content, err := payload.ReadBinary()
		if err != nil {
			return refuse(mqtt.ReasonMalformedPacket, fmt.Errorf("will content: %w", err))
		}
		will.Payload = append([]byte(nil), content...)
		result.Will = will
	}

	if flags.UsernameFlag {
		if result.Username, err = payload.ReadString(); err != nil {
			return refuse(mqtt.ReasonMalformedPacket, fmt.Errorf("username: %w", err))
		}
	}
	if flags.PasswordFlag {
		password, err := payload.ReadBinary()
		if err != nil {
			return refuse(mqtt.ReasonMalformedPacket, fmt.Errorf("password: %w", err))
		}
		result.Password = append([]byte(nil), password...)
	}

	if payload.CheckRemainingLength() {
		return refuse(mqtt.ReasonMalformedPacket, malformed("%d trailing bytes", payload.Remaining()))
	}
	return result, nil
}

// SessionExpiry returns the requested session expiry in seconds. A v3.1.1
// client gets 0 for a clean session and "never" otherwise.
func (c *ConnectPacket) SessionExpiry() (seconds uint32, never bool) {
	if c.ProtocolVersion != mqtt.Version5 {
		if c.ConnectFlag.CleanSession {
			return 0, false
		}
		return 0, true
	}
	if c.Properties == nil || c.Properties.SessionExpiry == nil {
		return 0, false
	}
	if *c.Properties.SessionExpiry == 0xFFFFFFFF {
		return 0, true
	}
	return *c.Properties.SessionExpiry, false
}

func legacyReturnCode(code mqtt.ReasonCode) ConnectRespType {
	switch code {
	case mqtt.ReasonSuccess:
		return Accepted
	case mqtt.ReasonUnsupportedProtocolVersion:
		return UnacceptableProtocol
	case mqtt.ReasonClientIDNotValid:
		return IdentifierRejected
	case 0x86:
		return AuthenticationFailed
	case 0x87:
		return NotAuthorized
	default:
		return ServerUnavailable
	}
}

func NewConnectAckPacket(version mqtt.ProtocolVersion, sessionPresent bool, code mqtt.ReasonCode, props *Properties) []byte {
	var ack byte
	if sessionPresent && code == mqtt.ReasonSuccess {
		ack = 0x01
	}
	if version != mqtt.Version5 {
		return mqtt.Encode(mqtt.CONNACK, 0, []byte{ack, byte(legacyReturnCode(code))})
	}
	body := []byte{ack, byte(code)}
	body = appendProperties(body, props)
	return mqtt.Encode(mqtt.CONNACK, 0, body)
}
