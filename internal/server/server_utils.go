package server

import (
	"time"

	"github.com/life-stream-dev/mqtt-session-core/internal/packet"
	"github.com/life-stream-dev/mqtt-session-core/internal/session"
)

// expiryFromSeconds maps the wire session expiry to a duration; 0xFFFFFFFF
// never expires.
func expiryFromSeconds(seconds uint32) time.Duration {
	if seconds == 0xFFFFFFFF {
		return session.ExpiryNever
	}
	return time.Duration(seconds) * time.Second
}

func sessionExpiry(connect *packet.ConnectPacket) time.Duration {
	seconds, never := connect.SessionExpiry()
	if never {
		return session.ExpiryNever
	}
	return time.Duration(seconds) * time.Second
}

func userProperties(props []packet.UserProperty) []session.UserProperty {
	if len(props) == 0 {
		return nil
	}
	result := make([]session.UserProperty, 0, len(props))
	for _, up := range props {
		result = append(result, session.UserProperty{Key: up.Key, Value: up.Value})
	}
	return result
}

func willFromPacket(will *packet.WillMessage) *session.Will {
	if will == nil {
		return nil
	}
	return &session.Will{
		Message: session.Message{
			Topic:          will.Topic,
			Payload:        will.Payload,
			QoS:            will.QoS,
			Retain:         will.Retain,
			ContentType:    will.ContentType,
			UserProperties: userProperties(will.UserProperties),
		},
		Delay: time.Duration(will.Delay) * time.Second,
	}
}

func messageFromPublish(p *packet.PublishPacket) session.Message {
	msg := session.Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
	}
	if p.Properties != nil {
		msg.ContentType = p.Properties.ContentType
		msg.UserProperties = userProperties(p.Properties.UserProperties)
	}
	return msg
}
