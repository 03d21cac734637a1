package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/mqtt-session-core/internal/database"
	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// fakeBinding records what the registry sends. Notes written by the test
// (for example the CONNACK) share the log so ordering can be checked.
type fakeBinding struct {
	id string

	mu      sync.Mutex
	packets []Packet
	log     []string
	closed  bool
}

var bindingSeq struct {
	sync.Mutex
	n int
}

func newFakeBinding() *fakeBinding {
	bindingSeq.Lock()
	defer bindingSeq.Unlock()
	bindingSeq.n++
	return &fakeBinding{id: fmt.Sprintf("binding-%d", bindingSeq.n)}
}

func (b *fakeBinding) ID() string {
	return b.id
}

func (b *fakeBinding) Send(packet Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBindingClosed
	}
	b.packets = append(b.packets, packet)
	if packet.Kind == PacketPubrel {
		b.log = append(b.log, fmt.Sprintf("pubrel %d", packet.PacketID))
	} else {
		b.log = append(b.log, fmt.Sprintf("publish %s", packet.Message.Topic))
	}
	return nil
}

func (b *fakeBinding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBinding) note(entry string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, entry)
}

func (b *fakeBinding) sent() []Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Packet(nil), b.packets...)
}

func (b *fakeBinding) entries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.log...)
}

func (b *fakeBinding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBinding) publishes(topic string) []Packet {
	var result []Packet
	for _, p := range b.sent() {
		if p.Kind == PacketPublish && p.Message.Topic == topic {
			result = append(result, p)
		}
	}
	return result
}

// failingStore refuses session writes once failPut is set.
type failingStore struct {
	*database.MemoryStore
	mu      sync.Mutex
	failPut bool
}

func (f *failingStore) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPut = v
}

func (f *failingStore) Put(ctx context.Context, record *database.SessionRecord) error {
	f.mu.Lock()
	fail := f.failPut
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("connection refused")
	}
	return f.MemoryStore.Put(ctx, record)
}

func (f *failingStore) PutInflight(ctx context.Context, clientID string, entries []database.InflightRecord) error {
	f.mu.Lock()
	fail := f.failPut
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("connection refused")
	}
	return f.MemoryStore.PutInflight(ctx, clientID, entries)
}

func newTestRegistry(t *testing.T, clock *fakeClock, mutate func(*Options)) *Registry {
	t.Helper()
	opts := Options{
		Store:         database.NewMemoryStore(),
		MaxInflight:   16,
		RetryInterval: time.Minute,
		ReapInterval:  time.Hour,
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	if mutate != nil {
		mutate(&opts)
	}
	r := NewRegistry(opts)
	t.Cleanup(r.wills.stop)
	return r
}

type connectOption func(*ConnectRequest)

func withExpiry(d time.Duration) connectOption {
	return func(req *ConnectRequest) { req.SessionExpiry = d }
}

func withClean() connectOption {
	return func(req *ConnectRequest) { req.CleanSession = true }
}

func withWill(topic, payload string, delay time.Duration) connectOption {
	return func(req *ConnectRequest) {
		req.Will = &Will{Message: Message{Topic: topic, Payload: []byte(payload)}, Delay: delay}
	}
}

func connect(t *testing.T, r *Registry, clientID string, b *fakeBinding, opts ...connectOption) bool {
	t.Helper()
	req := ConnectRequest{
		ClientID: clientID,
		Binding:  b,
		Acknowledge: func(present bool) error {
			b.note(fmt.Sprintf("connack present=%v", present))
			return nil
		},
	}
	for _, opt := range opts {
		opt(&req)
	}
	_, present, err := r.Connect(context.Background(), req)
	require.NoError(t, err)
	return present
}

func subscribe(t *testing.T, r *Registry, clientID, filter string, qos mqtt.QoS) {
	t.Helper()
	codes, err := r.Subscribe(context.Background(), SubscribeRequest{
		ClientID:      clientID,
		Subscriptions: []Subscription{{Filter: filter, QoS: qos}},
	})
	require.NoError(t, err)
	require.Equal(t, []mqtt.ReasonCode{mqtt.ReasonCode(qos)}, codes)
}

func publish(t *testing.T, r *Registry, topic, payload string, qos mqtt.QoS) {
	t.Helper()
	require.NoError(t, r.Publish(context.Background(), Message{Topic: topic, Payload: []byte(payload), QoS: qos}))
}

func payloads(packets []Packet) []string {
	result := make([]string, 0, len(packets))
	for _, p := range packets {
		result = append(result, string(p.Message.Payload))
	}
	return result
}
