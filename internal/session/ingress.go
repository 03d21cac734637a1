package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/life-stream-dev/mqtt-session-core/internal/database"
	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
	"github.com/life-stream-dev/mqtt-session-core/internal/subscription"
)

// retainedStore keeps the last retained message per topic and writes it
// through to the session store.
type retainedStore struct {
	mu       sync.RWMutex
	store    database.Store
	messages map[string]Message
}

func newRetainedStore(store database.Store) *retainedStore {
	return &retainedStore{store: store, messages: make(map[string]Message)}
}

// update stores msg, or clears the topic when the payload is empty. The store
// is written under mu so updates of one topic persist in publish order.
func (rs *retainedStore) update(ctx context.Context, msg Message) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(msg.Payload) == 0 {
		delete(rs.messages, msg.Topic)
		if err := rs.store.DeleteRetained(ctx, msg.Topic); err != nil {
			return storeUnavailable(err, "delete retained %s", msg.Topic)
		}
		return nil
	}
	rs.messages[msg.Topic] = msg.clone()
	if err := rs.store.PutRetained(ctx, msg.toRecord()); err != nil {
		return storeUnavailable(err, "save retained %s", msg.Topic)
	}
	return nil
}

// load replaces the in-memory messages with the stored ones.
func (rs *retainedStore) load(ctx context.Context) (int, error) {
	records, err := rs.store.ListRetained(ctx)
	if err != nil {
		return 0, storeUnavailable(err, "list retained messages")
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.messages = make(map[string]Message, len(records))
	for _, record := range records {
		rs.messages[record.Topic] = messageFromRecord(record)
	}
	return len(records), nil
}

func (rs *retainedStore) match(filter string) []Message {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var result []Message
	for topic, msg := range rs.messages {
		if subscription.MatchFilter(filter, topic) {
			result = append(result, msg.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result
}

func (rs *retainedStore) len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.messages)
}

// Publish routes msg to every matching subscriber at the lower of the two
// QoS levels. Failures of single subscribers are combined into the result;
// the remaining subscribers still receive the message.
func (r *Registry) Publish(ctx context.Context, msg Message) error {
	if err := subscription.ValidateTopic(msg.Topic); err != nil {
		return protocolViolation("publish: %v", err)
	}
	if !msg.QoS.Valid() {
		return protocolViolation("publish: invalid qos %d", msg.QoS)
	}
	if msg.Retain {
		if err := r.retained.update(ctx, msg); err != nil {
			logger.WarnF("Retained message of %s kept in memory only: %v", msg.Topic, err)
		}
	}

	out := msg
	out.Retain = false
	now := r.now()

	var result error
	for _, sub := range r.matcher.Match(msg.Topic) {
		s := r.lockResident(sub.ClientID)
		if s == nil {
			continue
		}
		err := r.deliverLocked(ctx, s, out, mqtt.MinQoS(msg.QoS, sub.QoS), now)
		s.mu.Unlock()
		if err != nil {
			result = errors.CombineErrors(result, errors.Wrapf(err, "deliver to %s", sub.ClientID))
		}
	}
	return result
}

func (r *Registry) deliverLocked(ctx context.Context, s *Session, msg Message, qos mqtt.QoS, now time.Time) error {
	if qos == mqtt.QoS0 {
		if s.binding == nil {
			return nil
		}
		m := msg
		return s.binding.Send(Packet{Kind: PacketPublish, QoS: mqtt.QoS0, Message: &m})
	}
	_, err := r.enqueueLocked(ctx, s, msg, qos, now)
	return err
}

type Subscription struct {
	Filter string
	QoS    mqtt.QoS
}

// SubscribeRequest carries a SUBSCRIBE. Acknowledge receives the reason code
// per subscription under the session lock, before retained messages are sent.
type SubscribeRequest struct {
	ClientID      string
	Subscriptions []Subscription
	Acknowledge   func(codes []mqtt.ReasonCode) error
}

// Subscribe records the subscriptions of a session and delivers retained
// messages matching the accepted ones. The returned codes are the granted
// QoS, or a failure code per rejected filter.
func (r *Registry) Subscribe(ctx context.Context, req SubscribeRequest) ([]mqtt.ReasonCode, error) {
	s := r.lockResident(req.ClientID)
	if s == nil {
		return nil, protocolViolation("subscribe for unknown session %s", req.ClientID)
	}
	defer s.mu.Unlock()

	codes := make([]mqtt.ReasonCode, len(req.Subscriptions))
	var accepted []Subscription
	for i, sub := range req.Subscriptions {
		if !sub.QoS.Valid() {
			codes[i] = mqtt.ReasonUnspecifiedError
			continue
		}
		if _, err := r.matcher.Subscribe(s.clientID, sub.Filter, sub.QoS); err != nil {
			logger.DebugF("[%s] Rejecting filter %q: %v", s.clientID, sub.Filter, err)
			codes[i] = mqtt.ReasonTopicFilterInvalid
			continue
		}
		s.subscriptions[sub.Filter] = sub.QoS
		codes[i] = mqtt.ReasonCode(sub.QoS)
		accepted = append(accepted, sub)
	}

	if err := r.persistLocked(ctx, s); err != nil {
		logger.WarnF("[%s] %v", s.clientID, err)
	}
	if req.Acknowledge != nil {
		if err := req.Acknowledge(codes); err != nil {
			return codes, errors.Wrap(err, "acknowledge subscribe")
		}
	}

	now := r.now()
	var result error
	for _, sub := range accepted {
		for _, msg := range r.retained.match(sub.Filter) {
			msg.Retain = true
			if err := r.deliverLocked(ctx, s, msg, mqtt.MinQoS(msg.QoS, sub.QoS), now); err != nil {
				result = errors.CombineErrors(result, errors.Wrapf(err, "retained %s", msg.Topic))
			}
		}
	}
	return codes, result
}

// Unsubscribe removes filters from a session.
func (r *Registry) Unsubscribe(ctx context.Context, clientID string, filters []string) ([]mqtt.ReasonCode, error) {
	s := r.lockResident(clientID)
	if s == nil {
		return nil, protocolViolation("unsubscribe for unknown session %s", clientID)
	}
	defer s.mu.Unlock()

	codes := make([]mqtt.ReasonCode, len(filters))
	for i, filter := range filters {
		if _, ok := s.subscriptions[filter]; !ok {
			codes[i] = mqtt.ReasonNoSubscriptionExisted
			continue
		}
		delete(s.subscriptions, filter)
		r.matcher.Unsubscribe(clientID, filter)
		codes[i] = mqtt.ReasonSuccess
	}
	if err := r.persistLocked(ctx, s); err != nil {
		logger.WarnF("[%s] %v", clientID, err)
	}
	return codes, nil
}

// ReceiveQoS2 records an inbound QoS2 PUBLISH. dup reports that the identifier
// is already awaiting PUBREL, so the message must not be routed again.
func (r *Registry) ReceiveQoS2(ctx context.Context, clientID string, packetID uint16) (bool, error) {
	s := r.lockResident(clientID)
	if s == nil {
		return false, protocolViolation("qos2 publish for unknown session %s", clientID)
	}
	defer s.mu.Unlock()

	if _, ok := s.pendingPubrel[packetID]; ok {
		return true, nil
	}
	s.pendingPubrel[packetID] = struct{}{}
	if err := r.persistLocked(ctx, s); err != nil {
		logger.WarnF("[%s] %v", clientID, err)
	}
	return false, nil
}

// ReleaseQoS2 handles PUBREL and reports whether the identifier was pending.
func (r *Registry) ReleaseQoS2(ctx context.Context, clientID string, packetID uint16) bool {
	s := r.lockResident(clientID)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()

	if _, ok := s.pendingPubrel[packetID]; !ok {
		return false
	}
	delete(s.pendingPubrel, packetID)
	if err := r.persistLocked(ctx, s); err != nil {
		logger.WarnF("[%s] %v", clientID, err)
	}
	return true
}

func (r *Registry) restoreRetained(ctx context.Context) error {
	n, err := r.retained.load(ctx)
	if err != nil {
		return err
	}
	logger.DebugF("Restored %d retained messages", n)
	return nil
}
