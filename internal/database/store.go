// Package database holds the durable records of the session core and the
// backends able to persist them.
package database

import (
	"context"
	"errors"
	"time"
)

const (
	SessionCollectionName  = "sessions"
	InflightCollectionName = "inflight"
	WillTaskCollectionName = "will_tasks"
	RetainedCollectionName = "retained"
)

var (
	ErrClientIDEmpty = errors.New("client_id is empty")
	ErrTopicEmpty    = errors.New("topic is empty")
)

type UserPropertyRecord struct {
	Key   string `bson:"key" msgpack:"key" json:"key"`
	Value string `bson:"value" msgpack:"value" json:"value"`
}

type MessageRecord struct {
	Topic          string               `bson:"topic" msgpack:"topic" json:"topic"`
	Payload        []byte               `bson:"payload" msgpack:"payload" json:"payload"`
	QoS            byte                 `bson:"qos" msgpack:"qos" json:"qos"`
	Retain         bool                 `bson:"retain" msgpack:"retain" json:"retain"`
	ContentType    string               `bson:"content_type,omitempty" msgpack:"content_type,omitempty" json:"content_type,omitempty"`
	UserProperties []UserPropertyRecord `bson:"user_properties,omitempty" msgpack:"user_properties,omitempty" json:"user_properties,omitempty"`
}

type SubscriptionRecord struct {
	Filter string `bson:"filter" msgpack:"filter" json:"filter"`
	QoS    byte   `bson:"qos" msgpack:"qos" json:"qos"`
}

// SessionRecord is the persisted part of a non-clean session.
type SessionRecord struct {
	ClientID       string               `bson:"client_id" msgpack:"client_id" json:"client_id"`
	CleanSession   bool                 `bson:"clean_session" msgpack:"clean_session" json:"clean_session"`
	ExpiryInterval time.Duration        `bson:"expiry_interval" msgpack:"expiry_interval" json:"expiry_interval"`
	CreatedAt      time.Time            `bson:"created_at" msgpack:"created_at" json:"created_at"`
	DisconnectedAt time.Time            `bson:"disconnected_at" msgpack:"disconnected_at" json:"disconnected_at"`
	Subscriptions  []SubscriptionRecord `bson:"subscriptions" msgpack:"subscriptions" json:"subscriptions"`
	NextPacketID   uint16               `bson:"next_packet_id" msgpack:"next_packet_id" json:"next_packet_id"`
	PendingPubrel  []uint16             `bson:"pending_pubrel" msgpack:"pending_pubrel" json:"pending_pubrel"`
}

// InflightRecord is one unacknowledged outbound message; State mirrors
// session.DeliveryState.
type InflightRecord struct {
	PacketID  uint16        `bson:"packet_id" msgpack:"packet_id" json:"packet_id"`
	QoS       byte          `bson:"qos" msgpack:"qos" json:"qos"`
	State     uint8         `bson:"state" msgpack:"state" json:"state"`
	SentAt    time.Time     `bson:"sent_at" msgpack:"sent_at" json:"sent_at"`
	SendCount int           `bson:"send_count" msgpack:"send_count" json:"send_count"`
	Message   MessageRecord `bson:"message" msgpack:"message" json:"message"`
}

type WillRecord struct {
	Message MessageRecord `bson:"message" msgpack:"message" json:"message"`
	Delay   time.Duration `bson:"delay" msgpack:"delay" json:"delay"`
}

// WillTaskRecord is an armed will. FireAt is absolute so a restart resumes the
// remaining delay instead of starting over.
type WillTaskRecord struct {
	ClientID string     `bson:"client_id" msgpack:"client_id" json:"client_id"`
	Token    string     `bson:"token" msgpack:"token" json:"token"`
	FireAt   time.Time  `bson:"fire_at" msgpack:"fire_at" json:"fire_at"`
	Will     WillRecord `bson:"will" msgpack:"will" json:"will"`
}

// Store is the durability contract of the session core. Get returns nil, nil
// when nothing is stored for the client; Delete removes the session together
// with its inflight queue and will task.
type Store interface {
	Put(ctx context.Context, record *SessionRecord) error
	Get(ctx context.Context, clientID string) (*SessionRecord, error)
	Delete(ctx context.Context, clientID string) error
	List(ctx context.Context) ([]*SessionRecord, error)

	PutInflight(ctx context.Context, clientID string, entries []InflightRecord) error
	GetInflight(ctx context.Context, clientID string) ([]InflightRecord, error)

	PutWillTask(ctx context.Context, clientID string, task *WillTaskRecord) error
	DeleteWillTask(ctx context.Context, clientID string) error
	ListWillTasks(ctx context.Context) ([]*WillTaskRecord, error)

	// Retained messages are keyed by topic.
	PutRetained(ctx context.Context, message MessageRecord) error
	DeleteRetained(ctx context.Context, topic string) error
	ListRetained(ctx context.Context) ([]MessageRecord, error)

	Close(ctx context.Context) error
}

func (r *SessionRecord) clone() *SessionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Subscriptions = append([]SubscriptionRecord(nil), r.Subscriptions...)
	c.PendingPubrel = append([]uint16(nil), r.PendingPubrel...)
	return &c
}

func (m MessageRecord) clone() MessageRecord {
	m.Payload = append([]byte(nil), m.Payload...)
	m.UserProperties = append([]UserPropertyRecord(nil), m.UserProperties...)
	return m
}

func cloneInflight(entries []InflightRecord) []InflightRecord {
	if len(entries) == 0 {
		return nil
	}
	out := make([]InflightRecord, len(entries))
	for i, e := range entries {
		e.Message = e.Message.clone()
		out[i] = e
	}
	return out
}

func (t *WillTaskRecord) clone() *WillTaskRecord {
	if t == nil {
		return nil
	}
	c := *t
	c.Will.Message = t.Will.Message.clone()
	return &c
}
