// Package connection 实现了MQTT服务器的连接管理功能
package connection

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
	"github.com/life-stream-dev/mqtt-session-core/internal/packet"
	"github.com/life-stream-dev/mqtt-session-core/internal/session"
)

// Connection 表示一个客户端连接. It is the session.Binding of the client
// once CONNECT succeeded.
type Connection struct {
	conn         net.Conn
	connID       string
	writeTimeout time.Duration

	version  atomic.Uint32
	clientID atomic.Value

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

var _ session.Binding = (*Connection)(nil)

func NewConnection(conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		conn:         conn,
		connID:       uuid.NewString(),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.version.Store(uint32(mqtt.Version311))
	c.clientID.Store("")
	return c
}

func (c *Connection) ID() string {
	return c.connID
}

func (c *Connection) Conn() net.Conn {
	return c.conn
}

func (c *Connection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// SetProtocolVersion selects the encoding of outbound packets. It is set from
// the CONNECT before the connection is bound to a session.
func (c *Connection) SetProtocolVersion(version mqtt.ProtocolVersion) {
	c.version.Store(uint32(version))
}

func (c *Connection) ProtocolVersion() mqtt.ProtocolVersion {
	return mqtt.ProtocolVersion(c.version.Load())
}

func (c *Connection) SetClientID(clientID string) {
	c.clientID.Store(clientID)
}

func (c *Connection) ClientID() string {
	return c.clientID.Load().(string)
}

// Done is closed by Close.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Write sends an encoded packet under the write deadline.
func (c *Connection) Write(data []byte) error {
	if c.closed.Load() {
		return session.ErrBindingClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	total := 0
	for total < len(data) {
		n, err := c.conn.Write(data[total:])
		if err != nil {
			if c.closed.Load() {
				return session.ErrBindingClosed
			}
			logger.ErrorF("[%s] Fail to send data, details: %v", c.connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", c.connID, total)
	return nil
}

// Send encodes a session delivery for the negotiated protocol version.
func (c *Connection) Send(p session.Packet) error {
	return c.Write(c.encode(p))
}

func (c *Connection) encode(p session.Packet) []byte {
	version := c.ProtocolVersion()
	if p.Kind == session.PacketPubrel {
		return packet.NewAckPacket(mqtt.PUBREL, version, p.PacketID, mqtt.ReasonSuccess)
	}

	msg := p.Message
	publish := &packet.PublishPacket{
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		QoS:      p.QoS,
		Retain:   msg.Retain,
		Dup:      p.Dup,
		PacketID: p.PacketID,
	}
	if version == mqtt.Version5 && (msg.ContentType != "" || len(msg.UserProperties) > 0) {
		props := &packet.Properties{ContentType: msg.ContentType}
		for _, up := range msg.UserProperties {
			props.UserProperties = append(props.UserProperties, packet.UserProperty{Key: up.Key, Value: up.Value})
		}
		publish.Properties = props
	}
	return packet.NewPublishPacket(version, publish)
}

// Close closes the socket once. The reader of the connection sees the close
// and reports the end of the transport itself.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if err = c.conn.Close(); err != nil && IsNetClosedError(err) {
			err = nil
		}
		logger.DebugF("[%s] Connection closed", c.connID)
	})
	return err
}

func (c *Connection) Closed() bool {
	return c.closed.Load()
}
