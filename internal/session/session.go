package session

import (
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/mqtt-session-core/internal/database"
	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

type DeliveryState uint8

const (
	// Queued entries were enqueued while detached and never sent.
	Queued DeliveryState = iota
	Sent
	AwaitingPubrec
	AwaitingPubcomp
)

func (d DeliveryState) String() string {
	switch d {
	case Queued:
		return "queued"
	case Sent:
		return "sent"
	case AwaitingPubrec:
		return "awaiting_pubrec"
	case AwaitingPubcomp:
		return "awaiting_pubcomp"
	}
	return "unknown"
}

type InflightEntry struct {
	PacketID  uint16
	Message   Message
	QoS       mqtt.QoS
	State     DeliveryState
	SentAt    time.Time
	SendCount int
}

type WillState uint8

const (
	Unarmed WillState = iota
	Armed
	Fired
	Cancelled
)

func (w WillState) String() string {
	switch w {
	case Unarmed:
		return "unarmed"
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// WillTask is an armed will. Token identifies this arming so a stale timer
// event cannot fire a later one.
type WillTask struct {
	State  WillState
	Token  string
	FireAt time.Time
	Will   Will
}

// Session is the broker side state of one client identifier. All fields are
// guarded by mu.
type Session struct {
	mu sync.Mutex

	clientID       string
	clean          bool
	expiry         time.Duration
	binding        Binding
	createdAt      time.Time
	disconnectedAt time.Time

	subscriptions map[string]mqtt.QoS
	inflight      []*InflightEntry
	inflightIDs   map[uint16]*InflightEntry
	nextPacketID  uint16
	pendingPubrel map[uint16]struct{}

	// will of the live connection, armed into willTask on abrupt loss
	will     *Will
	willTask *WillTask

	// set under mu when the session left the registry map
	destroyed bool
}

func newSession(clientID string, now time.Time) *Session {
	return &Session{
		clientID:      clientID,
		createdAt:     now,
		subscriptions: make(map[string]mqtt.QoS),
		inflightIDs:   make(map[uint16]*InflightEntry),
		pendingPubrel: make(map[uint16]struct{}),
		nextPacketID:  1,
	}
}

func (s *Session) ClientID() string {
	return s.clientID
}

// durable reports whether the session outlives its connection and is written
// to the store.
func (s *Session) durable() bool {
	return !s.clean && s.expiry > 0
}

func (s *Session) expiredAt(now time.Time) bool {
	if s.binding != nil || s.disconnectedAt.IsZero() || s.expiry == ExpiryNever {
		return false
	}
	return now.Sub(s.disconnectedAt) >= s.expiry
}

// reset drops everything but the identity.
func (s *Session) reset(now time.Time) {
	s.subscriptions = make(map[string]mqtt.QoS)
	s.inflight = nil
	s.inflightIDs = make(map[uint16]*InflightEntry)
	s.pendingPubrel = make(map[uint16]struct{})
	s.nextPacketID = 1
	s.createdAt = now
	s.disconnectedAt = time.Time{}
}

// allocatePacketID returns the next identifier not in flight, wrapping from
// 65535 to 1.
func (s *Session) allocatePacketID() (uint16, error) {
	for i := 0; i < 65535; i++ {
		id := s.nextPacketID
		if s.nextPacketID == 65535 {
			s.nextPacketID = 1
		} else {
			s.nextPacketID++
		}
		if id == 0 {
			continue
		}
		if _, used := s.inflightIDs[id]; !used {
			return id, nil
		}
	}
	return 0, resourceExhausted("no free packet identifier for %s", s.clientID)
}

func (s *Session) toRecord() *database.SessionRecord {
	record := &database.SessionRecord{
		ClientID:       s.clientID,
		CleanSession:   s.clean,
		ExpiryInterval: s.expiry,
		CreatedAt:      s.createdAt,
		DisconnectedAt: s.disconnectedAt,
		NextPacketID:   s.nextPacketID,
	}
	filters := make([]string, 0, len(s.subscriptions))
	for filter := range s.subscriptions {
		filters = append(filters, filter)
	}
	sort.Strings(filters)
	for _, filter := range filters {
		record.Subscriptions = append(record.Subscriptions, database.SubscriptionRecord{Filter: filter, QoS: byte(s.subscriptions[filter])})
	}
	for id := range s.pendingPubrel {
		record.PendingPubrel = append(record.PendingPubrel, id)
	}
	sort.Slice(record.PendingPubrel, func(i, j int) bool { return record.PendingPubrel[i] < record.PendingPubrel[j] })
	return record
}

func (s *Session) inflightRecords() []database.InflightRecord {
	records := make([]database.InflightRecord, 0, len(s.inflight))
	for _, e := range s.inflight {
		records = append(records, database.InflightRecord{
			PacketID:  e.PacketID,
			QoS:       byte(e.QoS),
			State:     uint8(e.State),
			SentAt:    e.SentAt,
			SendCount: e.SendCount,
			Message:   e.Message.toRecord(),
		})
	}
	return records
}

func sessionFromRecord(record *database.SessionRecord, inflight []database.InflightRecord) *Session {
	s := newSession(record.ClientID, record.CreatedAt)
	s.clean = record.CleanSession
	s.expiry = record.ExpiryInterval
	s.disconnectedAt = record.DisconnectedAt
	if record.NextPacketID != 0 {
		s.nextPacketID = record.NextPacketID
	}
	for _, sub := range record.Subscriptions {
		s.subscriptions[sub.Filter] = mqtt.QoS(sub.QoS)
	}
	for _, id := range record.PendingPubrel {
		s.pendingPubrel[id] = struct{}{}
	}
	for _, r := range inflight {
		entry := &InflightEntry{
			PacketID:  r.PacketID,
			QoS:       mqtt.QoS(r.QoS),
			State:     DeliveryState(r.State),
			SentAt:    r.SentAt,
			SendCount: r.SendCount,
			Message:   messageFromRecord(r.Message),
		}
		s.inflight = append(s.inflight, entry)
		s.inflightIDs[entry.PacketID] = entry
	}
	// the record is written less often than the queue
	if n := len(s.inflight); n > 0 {
		s.nextPacketID = s.inflight[n-1].PacketID + 1
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
	}
	return s
}

func willTaskRecord(clientID string, task *WillTask) *database.WillTaskRecord {
	return &database.WillTaskRecord{
		ClientID: clientID,
		Token:    task.Token,
		FireAt:   task.FireAt,
		Will: database.WillRecord{
			Message: task.Will.Message.toRecord(),
			Delay:   task.Will.Delay,
		},
	}
}

// Snapshot is a read-only copy of a session for inspection.
type Snapshot struct {
	ClientID       string
	CleanSession   bool
	Expiry         time.Duration
	Connected      bool
	CreatedAt      time.Time
	DisconnectedAt time.Time
	Subscriptions  map[string]mqtt.QoS
	Inflight       []InflightEntry
	NextPacketID   uint16
	PendingPubrel  []uint16
	WillState      WillState
	WillFireAt     time.Time
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ClientID:       s.clientID,
		CleanSession:   s.clean,
		Expiry:         s.expiry,
		Connected:      s.binding != nil,
		CreatedAt:      s.createdAt,
		DisconnectedAt: s.disconnectedAt,
		Subscriptions:  make(map[string]mqtt.QoS, len(s.subscriptions)),
		NextPacketID:   s.nextPacketID,
	}
	for filter, qos := range s.subscriptions {
		snap.Subscriptions[filter] = qos
	}
	for _, e := range s.inflight {
		c := *e
		c.Message = e.Message.clone()
		snap.Inflight = append(snap.Inflight, c)
	}
	snap.PendingPubrel = s.toRecord().PendingPubrel
	if s.willTask != nil {
		snap.WillState = s.willTask.State
		snap.WillFireAt = s.willTask.FireAt
	}
	return snap
}
