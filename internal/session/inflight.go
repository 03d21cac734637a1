package session

import (
	"context"
	"time"

	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

// Enqueue queues msg at qos for clientID and sends it right away when the
// session is bound. QoS0 is never queued.
func (r *Registry) Enqueue(ctx context.Context, clientID string, msg Message, qos mqtt.QoS) (uint16, error) {
	if qos == mqtt.QoS0 || !qos.Valid() {
		return 0, protocolViolation("cannot enqueue at qos %d", qos)
	}
	s := r.lockResident(clientID)
	if s == nil {
		return 0, protocolViolation("no session for %s", clientID)
	}
	defer s.mu.Unlock()
	return r.enqueueLocked(ctx, s, msg, qos, r.now())
}

func (r *Registry) enqueueLocked(ctx context.Context, s *Session, msg Message, qos mqtt.QoS, now time.Time) (uint16, error) {
	if len(s.inflight) >= r.opts.MaxInflight {
		return 0, resourceExhausted("inflight queue of %s is full (%d)", s.clientID, r.opts.MaxInflight)
	}
	previousNext := s.nextPacketID
	id, err := s.allocatePacketID()
	if err != nil {
		return 0, err
	}

	entry := &InflightEntry{PacketID: id, Message: msg.clone(), QoS: qos, State: Queued}
	s.inflight = append(s.inflight, entry)
	s.inflightIDs[id] = entry

	if err := r.persistInflightLocked(ctx, s); err != nil {
		s.removeEntry(id)
		s.nextPacketID = previousNext
		return 0, err
	}
	if s.binding != nil {
		r.sendEntryLocked(s, entry, now)
	}
	return id, nil
}

// sendEntryLocked transmits entry according to its state. A failed send leaves
// the entry for the next replay; the transport reports its own death.
func (r *Registry) sendEntryLocked(s *Session, entry *InflightEntry, now time.Time) {
	packet := Packet{Kind: PacketPublish, PacketID: entry.PacketID, QoS: entry.QoS}
	next := entry.State
	switch entry.State {
	case Queued:
		if entry.QoS == mqtt.QoS2 {
			next = AwaitingPubrec
		} else {
			next = Sent
		}
	case Sent, AwaitingPubrec:
		packet.Dup = true
	case AwaitingPubcomp:
		packet.Kind = PacketPubrel
	}
	if packet.Kind == PacketPublish {
		msg := entry.Message
		packet.Message = &msg
	}

	if err := s.binding.Send(packet); err != nil {
		logger.WarnF("[%s] Unable to send packet %d: %v", s.clientID, entry.PacketID, err)
		return
	}
	entry.State = next
	entry.SentAt = now
	entry.SendCount++
}

// OnBindingAttached replays the whole inflight queue of clientID in enqueue
// order with the identifiers it was first sent with.
func (r *Registry) OnBindingAttached(ctx context.Context, clientID string) {
	s := r.lockResident(clientID)
	if s == nil {
		return
	}
	defer s.mu.Unlock()
	r.replayLocked(ctx, s, r.now())
}

func (r *Registry) replayLocked(ctx context.Context, s *Session, now time.Time) {
	if s.binding == nil || len(s.inflight) == 0 {
		return
	}
	for _, entry := range s.inflight {
		r.sendEntryLocked(s, entry, now)
	}
	if err := r.persistInflightLocked(ctx, s); err != nil {
		logger.WarnF("[%s] %v", s.clientID, err)
	}
	logger.DebugF("[%s] Replayed %d inflight messages", s.clientID, len(s.inflight))
}

// OnAck advances the delivery of packetID. Unknown identifiers and acks that
// do not fit the entry's state are protocol violations and change nothing.
func (r *Registry) OnAck(ctx context.Context, clientID string, packetID uint16, ackType mqtt.PacketType, reason mqtt.ReasonCode) error {
	s := r.lockResident(clientID)
	if s == nil {
		return protocolViolation("%s for unknown session %s", ackType, clientID)
	}
	defer s.mu.Unlock()

	entry, ok := s.inflightIDs[packetID]
	if !ok {
		return protocolViolation("%s for unknown packet %d of %s", ackType, packetID, clientID)
	}

	switch {
	case ackType == mqtt.PUBACK && entry.QoS == mqtt.QoS1 && entry.State == Sent:
		s.removeEntry(packetID)
	case ackType == mqtt.PUBREC && entry.QoS == mqtt.QoS2 && (entry.State == AwaitingPubrec || entry.State == AwaitingPubcomp):
		if reason.IsError() {
			s.removeEntry(packetID)
			logger.DebugF("[%s] Packet %d refused with 0x%02X", clientID, packetID, byte(reason))
			break
		}
		entry.State = AwaitingPubcomp
		if s.binding != nil {
			r.sendEntryLocked(s, entry, r.now())
		}
	case ackType == mqtt.PUBCOMP && entry.QoS == mqtt.QoS2 && entry.State == AwaitingPubcomp:
		s.removeEntry(packetID)
	default:
		return protocolViolation("%s out of state for packet %d of %s (qos %d, %s)", ackType, packetID, clientID, entry.QoS, entry.State)
	}

	if err := r.persistInflightLocked(ctx, s); err != nil {
		return err
	}
	return nil
}

// retryLocked resends entries of a bound session whose last transmission is
// older than the retry interval.
func (r *Registry) retryLocked(ctx context.Context, s *Session, now time.Time) int {
	if s.binding == nil {
		return 0
	}
	resent := 0
	for _, entry := range s.inflight {
		if entry.State != Queued && now.Sub(entry.SentAt) < r.opts.RetryInterval {
			continue
		}
		r.sendEntryLocked(s, entry, now)
		resent++
	}
	if resent > 0 {
		if err := r.persistInflightLocked(ctx, s); err != nil {
			logger.WarnF("[%s] %v", s.clientID, err)
		}
	}
	return resent
}

func (s *Session) removeEntry(packetID uint16) {
	delete(s.inflightIDs, packetID)
	for i, entry := range s.inflight {
		if entry.PacketID == packetID {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return
		}
	}
}
