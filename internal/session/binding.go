package session

import "github.com/life-stream-dev/mqtt-session-core/internal/mqtt"

type PacketKind uint8

const (
	PacketPublish PacketKind = iota
	PacketPubrel
)

// Packet is an outbound delivery the binding encodes for its protocol
// version. Message is nil for PUBREL.
type Packet struct {
	Kind     PacketKind
	PacketID uint16
	QoS      mqtt.QoS
	Dup      bool
	Message  *Message
}

// Binding is the live transport of a session. Send fails with
// ErrBindingClosed once Close was called. The transport reports its own end
// through Registry.TransportClosed, at most once per binding.
type Binding interface {
	ID() string
	Send(packet Packet) error
	Close() error
}
