package session

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/mqtt-session-core/internal/database"
	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

func TestDetachedQoS1DeliveredInOrder(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, newFakeClock(), nil)

	connect(t, r, "alpha", newFakeBinding(), withExpiry(time.Hour))
	subscribe(t, r, "alpha", "t", mqtt.QoS1)
	require.NoError(t, r.Disconnect(ctx, DisconnectRequest{ClientID: "alpha"}))

	for _, payload := range []string{"one", "two", "three"} {
		publish(t, r, "t", payload, mqtt.QoS1)
	}
	snap, _ := r.Lookup("alpha")
	require.Len(t, snap.Inflight, 3)
	for _, entry := range snap.Inflight {
		assert.Equal(t, Queued, entry.State)
	}

	b := newFakeBinding()
	assert.True(t, connect(t, r, "alpha", b, withExpiry(time.Hour)))

	got := b.publishes("t")
	require.Len(t, got, 3)
	assert.Equal(t, []string{"one", "two", "three"}, payloads(got))
	for i, p := range got {
		assert.Equal(t, uint16(i+1), p.PacketID)
		assert.Equal(t, mqtt.QoS1, p.QoS)
		assert.False(t, p.Dup)
	}

	for _, p := range got {
		require.NoError(t, r.OnAck(ctx, "alpha", p.PacketID, mqtt.PUBACK, mqtt.ReasonSuccess))
	}
	snap, _ = r.Lookup("alpha")
	assert.Empty(t, snap.Inflight)
}

func TestReplayKeepsPacketIdentifiers(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, newFakeClock(), nil)

	first := newFakeBinding()
	connect(t, r, "alpha", first, withExpiry(time.Hour))
	subscribe(t, r, "alpha", "t", mqtt.QoS1)
	publish(t, r, "t", "one", mqtt.QoS1)
	require.Len(t, first.publishes("t"), 1)
	r.ConnectionLost(ctx, "alpha")

	second := newFakeBinding()
	connect(t, r, "alpha", second, withExpiry(time.Hour))
	got := second.publishes("t")
	require.Len(t, got, 1)
	assert.Equal(t, first.publishes("t")[0].PacketID, got[0].PacketID)
	assert.True(t, got[0].Dup)

	snap, _ := r.Lookup("alpha")
	require.Len(t, snap.Inflight, 1)
	assert.Equal(t, 2, snap.Inflight[0].SendCount)
}

func TestRestartRedeliversWithOriginalPacketID(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	clock := newFakeClock()

	before := newTestRegistry(t, clock, func(o *Options) { o.Store = store })
	connect(t, before, "alpha", newFakeBinding(), withExpiry(time.Hour))
	subscribe(t, before, "alpha", "t", mqtt.QoS1)
	require.NoError(t, before.Disconnect(ctx, DisconnectRequest{ClientID: "alpha"}))
	before.mu.RLock()
	s := before.sessions["alpha"]
	before.mu.RUnlock()
	s.mu.Lock()
	s.nextPacketID = 41
	s.mu.Unlock()
	publish(t, before, "t", "undelivered", mqtt.QoS1)

	clock.Advance(time.Minute)
	after := newTestRegistry(t, clock, func(o *Options) { o.Store = store })
	restored, err := after.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
	assert.Len(t, after.matcher.Match("t"), 1)

	b := newFakeBinding()
	assert.True(t, connect(t, after, "alpha", b, withExpiry(time.Hour)))
	got := b.publishes("t")
	require.Len(t, got, 1)
	assert.Equal(t, uint16(41), got[0].PacketID)
	assert.Equal(t, "undelivered", string(got[0].Message.Payload))

	// the allocator continues after the restored identifier
	publish(t, after, "t", "next", mqtt.QoS1)
	got = b.publishes("t")
	require.Len(t, got, 2)
	assert.Equal(t, uint16(42), got[1].PacketID)
}

func TestEnqueueRejectsOverCapacity(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, newFakeClock(), func(o *Options) { o.MaxInflight = 2 })
	connect(t, r, "alpha", newFakeBinding(), withExpiry(time.Hour))
	subscribe(t, r, "alpha", "t", mqtt.QoS1)
	require.NoError(t, r.Disconnect(ctx, DisconnectRequest{ClientID: "alpha"}))

	publish(t, r, "t", "one", mqtt.QoS1)
	publish(t, r, "t", "two", mqtt.QoS1)
	err := r.Publish(ctx, Message{Topic: "t", Payload: []byte("three"), QoS: mqtt.QoS1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceExhausted))

	_, err = r.Enqueue(ctx, "alpha", Message{Topic: "t", Payload: []byte("four")}, mqtt.QoS1)
	assert.True(t, errors.Is(err, ErrResourceExhausted))

	snap, _ := r.Lookup("alpha")
	assert.Equal(t, []string{"one", "two"}, []string{string(snap.Inflight[0].Message.Payload), string(snap.Inflight[1].Message.Payload)})
}

func TestEnqueueRollsBackOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: database.NewMemoryStore()}
	r := newTestRegistry(t, newFakeClock(), func(o *Options) { o.Store = store })
	connect(t, r, "alpha", newFakeBinding(), withExpiry(time.Hour))

	store.setFailing(true)
	_, err := r.Enqueue(ctx, "alpha", Message{Topic: "t", Payload: []byte("x")}, mqtt.QoS1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))

	snap, _ := r.Lookup("alpha")
	assert.Empty(t, snap.Inflight)
	assert.Equal(t, uint16(1), snap.NextPacketID)
}

func TestPacketIDAllocation(t *testing.T) {
	t.Run("wraps to 1", func(t *testing.T) {
		s := newSession("alpha", time.Now())
		s.nextPacketID = 65535
		id, err := s.allocatePacketID()
		require.NoError(t, err)
		assert.Equal(t, uint16(65535), id)
		id, err = s.allocatePacketID()
		require.NoError(t, err)
		assert.Equal(t, uint16(1), id)
	})

	t.Run("skips identifiers in flight", func(t *testing.T) {
		s := newSession("alpha", time.Now())
		s.nextPacketID = 65535
		s.inflightIDs[1] = &InflightEntry{PacketID: 1}
		s.inflightIDs[2] = &InflightEntry{PacketID: 2}
		_, err := s.allocatePacketID()
		require.NoError(t, err)
		id, err := s.allocatePacketID()
		require.NoError(t, err)
		assert.Equal(t, uint16(3), id)
	})

	t.Run("exhausted", func(t *testing.T) {
		s := newSession("alpha", time.Now())
		for id := 1; id <= 65535; id++ {
			s.inflightIDs[uint16(id)] = &InflightEntry{PacketID: uint16(id)}
		}
		_, err := s.allocatePacketID()
		assert.True(t, errors.Is(err, ErrResourceExhausted))
	})
}

func TestOnAck(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, qos mqtt.QoS) (*Registry, *fakeBinding, uint16) {
		r := newTestRegistry(t, newFakeClock(), nil)
		b := newFakeBinding()
		connect(t, r, "alpha", b, withExpiry(time.Hour))
		id, err := r.Enqueue(ctx, "alpha", Message{Topic: "t", Payload: []byte("x")}, qos)
		require.NoError(t, err)
		return r, b, id
	}

	t.Run("unknown identifier", func(t *testing.T) {
		r, _, _ := setup(t, mqtt.QoS1)
		err := r.OnAck(ctx, "alpha", 999, mqtt.PUBACK, mqtt.ReasonSuccess)
		assert.True(t, errors.Is(err, ErrProtocolViolation))
		snap, _ := r.Lookup("alpha")
		assert.Len(t, snap.Inflight, 1)
	})

	t.Run("unknown session", func(t *testing.T) {
		r, _, id := setup(t, mqtt.QoS1)
		err := r.OnAck(ctx, "nobody", id, mqtt.PUBACK, mqtt.ReasonSuccess)
		assert.True(t, errors.Is(err, ErrProtocolViolation))
	})

	t.Run("qos1 puback removes", func(t *testing.T) {
		r, _, id := setup(t, mqtt.QoS1)
		require.NoError(t, r.OnAck(ctx, "alpha", id, mqtt.PUBACK, mqtt.ReasonSuccess))
		snap, _ := r.Lookup("alpha")
		assert.Empty(t, snap.Inflight)
	})

	t.Run("qos2 handshake", func(t *testing.T) {
		r, b, id := setup(t, mqtt.QoS2)
		snap, _ := r.Lookup("alpha")
		assert.Equal(t, AwaitingPubrec, snap.Inflight[0].State)

		err := r.OnAck(ctx, "alpha", id, mqtt.PUBACK, mqtt.ReasonSuccess)
		assert.True(t, errors.Is(err, ErrProtocolViolation))
		err = r.OnAck(ctx, "alpha", id, mqtt.PUBCOMP, mqtt.ReasonSuccess)
		assert.True(t, errors.Is(err, ErrProtocolViolation))

		require.NoError(t, r.OnAck(ctx, "alpha", id, mqtt.PUBREC, mqtt.ReasonSuccess))
		snap, _ = r.Lookup("alpha")
		assert.Equal(t, AwaitingPubcomp, snap.Inflight[0].State)
		sent := b.sent()
		last := sent[len(sent)-1]
		assert.Equal(t, PacketPubrel, last.Kind)
		assert.Equal(t, id, last.PacketID)

		require.NoError(t, r.OnAck(ctx, "alpha", id, mqtt.PUBCOMP, mqtt.ReasonSuccess))
		snap, _ = r.Lookup("alpha")
		assert.Empty(t, snap.Inflight)
	})

	t.Run("qos2 pubrec with error reason", func(t *testing.T) {
		r, _, id := setup(t, mqtt.QoS2)
		require.NoError(t, r.OnAck(ctx, "alpha", id, mqtt.PUBREC, mqtt.ReasonQuotaExceeded))
		snap, _ := r.Lookup("alpha")
		assert.Empty(t, snap.Inflight)
	})

	t.Run("pubrel replayed on reconnect", func(t *testing.T) {
		r, _, id := setup(t, mqtt.QoS2)
		require.NoError(t, r.OnAck(ctx, "alpha", id, mqtt.PUBREC, mqtt.ReasonSuccess))
		r.ConnectionLost(ctx, "alpha")

		b := newFakeBinding()
		connect(t, r, "alpha", b, withExpiry(time.Hour))
		assert.Equal(t, []string{"connack present=true", "pubrel 1"}, b.entries())
	})
}

func TestRetrySweepResendsStaleEntries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock, func(o *Options) { o.RetryInterval = 10 * time.Second })
	b := newFakeBinding()
	connect(t, r, "alpha", b, withExpiry(time.Hour))
	_, err := r.Enqueue(ctx, "alpha", Message{Topic: "t", Payload: []byte("x")}, mqtt.QoS1)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, r.retrySweep(ctx, clock.Now()))

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, r.retrySweep(ctx, clock.Now()))
	got := b.publishes("t")
	require.Len(t, got, 2)
	assert.True(t, got[1].Dup)
	assert.Equal(t, got[0].PacketID, got[1].PacketID)
}

func TestEnqueueRejectsQoS0(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	connect(t, r, "alpha", newFakeBinding())
	_, err := r.Enqueue(context.Background(), "alpha", Message{Topic: "t"}, mqtt.QoS0)
	assert.True(t, errors.Is(err, ErrProtocolViolation))
}
