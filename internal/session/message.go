package session

import (
	"math"
	"time"

	"github.com/life-stream-dev/mqtt-session-core/internal/database"
	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

// ExpiryNever is the session expiry of a session that is never reaped.
const ExpiryNever = time.Duration(math.MaxInt64)

type UserProperty struct {
	Key   string
	Value string
}

// Message is an application message on its way through the broker.
type Message struct {
	Topic          string
	Payload        []byte
	QoS            mqtt.QoS
	Retain         bool
	ContentType    string
	UserProperties []UserProperty
}

// Will is the message published on behalf of a client that went away.
type Will struct {
	Message
	Delay time.Duration
}

func (m Message) clone() Message {
	m.Payload = append([]byte(nil), m.Payload...)
	m.UserProperties = append([]UserProperty(nil), m.UserProperties...)
	return m
}

func (m Message) toRecord() database.MessageRecord {
	record := database.MessageRecord{
		Topic:       m.Topic,
		Payload:     m.Payload,
		QoS:         byte(m.QoS),
		Retain:      m.Retain,
		ContentType: m.ContentType,
	}
	for _, up := range m.UserProperties {
		record.UserProperties = append(record.UserProperties, database.UserPropertyRecord{Key: up.Key, Value: up.Value})
	}
	return record
}

func messageFromRecord(record database.MessageRecord) Message {
	m := Message{
		Topic:       record.Topic,
		Payload:     record.Payload,
		QoS:         mqtt.QoS(record.QoS),
		Retain:      record.Retain,
		ContentType: record.ContentType,
	}
	for _, up := range record.UserProperties {
		m.UserProperties = append(m.UserProperties, UserProperty{Key: up.Key, Value: up.Value})
	}
	return m
}
