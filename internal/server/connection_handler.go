package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/mqtt-session-core/internal/connection"
	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
	pa "github.com/life-stream-dev/mqtt-session-core/internal/packet"
	"github.com/life-stream-dev/mqtt-session-core/internal/session"
)

var (
	errUnexpectedPacket = errors.New("unexpected packet")
	errDuplicateConnect = errors.New("duplicate CONNECT packet")
)

type ConnectionHandler struct {
	server    *Server
	conn      *connection.Connection
	connId    string
	clientID  string
	version   mqtt.ProtocolVersion
	keepAlive time.Duration
	// bound is set once the registry attached the connection
	bound bool
	// detached is set after a DISCONNECT was handed to the registry
	detached bool
}

func (c *ConnectionHandler) registry() *session.Registry {
	return c.server.registry
}

func (c *ConnectionHandler) handleFirstPacket(ctx context.Context) error {
	_ = c.conn.Conn().SetReadDeadline(time.Now().Add(c.server.opts.ConnectTimeout))
	packet, err := mqtt.ReadPacket(c.conn.Conn(), c.server.opts.MaxPacketSize)
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", c.connId, err)
		return err
	}

	if packet.Header.Type != mqtt.CONNECT {
		logger.ErrorF("[%s] Invalid first packet type, expected %s packet, but got %s packet", c.connId, mqtt.CONNECT.String(), packet.Header.Type.String())
		return errUnexpectedPacket
	}

	connect, err := pa.ParseConnectPacket(packet)
	if err != nil {
		var refused *pa.ConnectError
		if errors.As(err, &refused) {
			_ = c.conn.Write(pa.NewConnectAckPacket(refused.Version, false, refused.Code, nil))
		}
		logger.ErrorF("[%s] Fail to parse CONNECT packet, details: %v", c.connId, err)
		return err
	}
	c.version = connect.ProtocolVersion
	c.conn.SetProtocolVersion(c.version)

	var ackProps *pa.Properties
	clientID := connect.ClientID
	if clientID == "" {
		if c.version != mqtt.Version5 && !connect.ConnectFlag.CleanSession {
			_ = c.conn.Write(pa.NewConnectAckPacket(c.version, false, mqtt.ReasonClientIDNotValid, nil))
			return errors.New("empty client identifier without clean session")
		}
		clientID = uuid.NewString()
		if c.version == mqtt.Version5 {
			ackProps = &pa.Properties{AssignedClientID: clientID}
		}
	}
	c.clientID = clientID
	c.conn.SetClientID(clientID)

	acked := false
	_, _, err = c.registry().Connect(ctx, session.ConnectRequest{
		ClientID:      clientID,
		CleanSession:  connect.ConnectFlag.CleanSession,
		SessionExpiry: sessionExpiry(connect),
		Will:          willFromPacket(connect.Will),
		Binding:       c.conn,
		Acknowledge: func(sessionPresent bool) error {
			acked = true
			return c.conn.Write(pa.NewConnectAckPacket(c.version, sessionPresent, mqtt.ReasonSuccess, ackProps))
		},
	})
	if err != nil {
		if !acked {
			code := mqtt.ReasonUnspecifiedError
			if errors.Is(err, session.ErrStoreUnavailable) {
				code = mqtt.ReasonServerUnavailable
			}
			_ = c.conn.Write(pa.NewConnectAckPacket(c.version, false, code, nil))
		}
		logger.ErrorF("[%s] Fail to handle CONNECT packet, details: %v", c.connId, err)
		return err
	}
	c.bound = true

	c.keepAlive = time.Duration(connect.KeepAlive) * time.Second
	if c.keepAlive == 0 {
		logger.WarnF("[%s] Keep alive set to 0, heartbeat disable", c.connId)
	}
	_ = c.conn.Conn().SetReadDeadline(time.Time{})
	logger.InfoF("[%s] Client %s connected, protocol %d, keep alive %s", c.connId, clientID, c.version, c.keepAlive)
	return nil
}

func (c *ConnectionHandler) handlePacket(ctx context.Context) error {
	for {
		if c.keepAlive != 0 {
			_ = c.conn.Conn().SetReadDeadline(time.Now().Add(c.keepAlive * 3 / 2))
		}

		packet, err := mqtt.ReadPacket(c.conn.Conn(), c.server.opts.MaxPacketSize)
		if err != nil {
			connection.HandleReadError(c.connId, err)
			return err
		}

		logger.DebugF("[%s] Receive %s package, remaining length %d", c.connId, packet.Header.Type, packet.Header.RemainingLength)

		switch packet.Header.Type {
		case mqtt.CONNECT:
			logger.ErrorF("[%s] Duplicate CONNECT package", c.connId)
			return errDuplicateConnect
		case mqtt.PUBLISH:
			err = c.handlePublish(ctx, packet)
		case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBCOMP:
			err = c.handleAck(ctx, packet)
		case mqtt.PUBREL:
			err = c.handlePubrel(ctx, packet)
		case mqtt.SUBSCRIBE:
			err = c.handleSubscribe(ctx, packet)
		case mqtt.UNSUBSCRIBE:
			err = c.handleUnsubscribe(ctx, packet)
		case mqtt.PINGREQ:
			err = c.conn.Write(pa.NewPingRespPacket())
		case mqtt.DISCONNECT:
			return c.handleDisconnect(ctx, packet)
		default:
			logger.WarnF("[%s] %s package has not been supported", c.connId, packet.Header.Type.String())
			return errUnexpectedPacket
		}
		if err != nil {
			logger.ErrorF("[%s] Fail to handle %s packet, details: %v", c.connId, packet.Header.Type, err)
			return err
		}
	}
}

func (c *ConnectionHandler) handlePublish(ctx context.Context, packet *mqtt.Packet) error {
	publish, err := pa.ParsePublishPacket(packet, c.version)
	if err != nil {
		return err
	}
	msg := messageFromPublish(publish)

	switch publish.QoS {
	case mqtt.QoS0:
		c.publish(ctx, msg)
		return nil
	case mqtt.QoS1:
		reason := c.publish(ctx, msg)
		return c.conn.Write(pa.NewAckPacket(mqtt.PUBACK, c.version, publish.PacketID, reason))
	default:
		dup, err := c.registry().ReceiveQoS2(ctx, c.clientID, publish.PacketID)
		if err != nil {
			return err
		}
		reason := mqtt.ReasonSuccess
		if !dup {
			reason = c.publish(ctx, msg)
		}
		return c.conn.Write(pa.NewAckPacket(mqtt.PUBREC, c.version, publish.PacketID, reason))
	}
}

// publish routes msg and maps a failure to the reason code of the ack.
func (c *ConnectionHandler) publish(ctx context.Context, msg session.Message) mqtt.ReasonCode {
	err := c.registry().Publish(ctx, msg)
	switch {
	case err == nil:
		return mqtt.ReasonSuccess
	case errors.Is(err, session.ErrResourceExhausted):
		logger.WarnF("[%s] Publish to %s partially dropped: %v", c.connId, msg.Topic, err)
		return mqtt.ReasonQuotaExceeded
	case errors.Is(err, session.ErrProtocolViolation):
		logger.WarnF("[%s] Publish to %s refused: %v", c.connId, msg.Topic, err)
		return mqtt.ReasonTopicNameInvalid
	default:
		logger.ErrorF("[%s] Publish to %s failed: %v", c.connId, msg.Topic, err)
		return mqtt.ReasonUnspecifiedError
	}
}

func (c *ConnectionHandler) handleAck(ctx context.Context, packet *mqtt.Packet) error {
	ack, err := pa.ParseAckPacket(packet, c.version)
	if err != nil {
		return err
	}
	if err := c.registry().OnAck(ctx, c.clientID, ack.PacketID, ack.Type, ack.Reason); err != nil {
		if errors.Is(err, session.ErrProtocolViolation) {
			logger.DebugF("[%s] Ignoring %s: %v", c.connId, ack.Type, err)
			return nil
		}
		return err
	}
	return nil
}

func (c *ConnectionHandler) handlePubrel(ctx context.Context, packet *mqtt.Packet) error {
	ack, err := pa.ParseAckPacket(packet, c.version)
	if err != nil {
		return err
	}
	reason := mqtt.ReasonSuccess
	if !c.registry().ReleaseQoS2(ctx, c.clientID, ack.PacketID) {
		reason = mqtt.ReasonPacketIDNotFound
	}
	return c.conn.Write(pa.NewAckPacket(mqtt.PUBCOMP, c.version, ack.PacketID, reason))
}

func (c *ConnectionHandler) handleSubscribe(ctx context.Context, packet *mqtt.Packet) error {
	subscribe, err := pa.ParseSubscribePacket(packet, c.version)
	if err != nil {
		return err
	}
	subs := make([]session.Subscription, 0, len(subscribe.Subscriptions))
	for _, s := range subscribe.Subscriptions {
		subs = append(subs, session.Subscription{Filter: s.Filter, QoS: s.QoS})
	}
	_, err = c.registry().Subscribe(ctx, session.SubscribeRequest{
		ClientID:      c.clientID,
		Subscriptions: subs,
		Acknowledge: func(codes []mqtt.ReasonCode) error {
			return c.conn.Write(pa.NewSubAckPacket(c.version, subscribe.PacketID, codes))
		},
	})
	if err != nil && !errors.Is(err, session.ErrResourceExhausted) {
		return err
	}
	return nil
}

func (c *ConnectionHandler) handleUnsubscribe(ctx context.Context, packet *mqtt.Packet) error {
	unsubscribe, err := pa.ParseUnsubscribePacket(packet, c.version)
	if err != nil {
		return err
	}
	codes, err := c.registry().Unsubscribe(ctx, c.clientID, unsubscribe.Filters)
	if err != nil {
		return err
	}
	return c.conn.Write(pa.NewUnSubAckPacket(c.version, unsubscribe.PacketID, codes))
}

func (c *ConnectionHandler) handleDisconnect(ctx context.Context, packet *mqtt.Packet) error {
	disconnect, err := pa.ParseDisconnectPacket(packet, c.version)
	if err != nil {
		return err
	}
	req := session.DisconnectRequest{
		ClientID: c.clientID,
		Reason:   disconnect.Reason,
		Binding:  c.conn,
	}
	if disconnect.Properties != nil && disconnect.Properties.SessionExpiry != nil {
		expiry := expiryFromSeconds(*disconnect.Properties.SessionExpiry)
		req.SessionExpiry = &expiry
	}
	if err := c.registry().Disconnect(ctx, req); err != nil {
		return err
	}
	c.detached = true
	logger.InfoF("[%s] Client disconnect, reason 0x%02X", c.connId, byte(disconnect.Reason))
	return nil
}

func (c *ConnectionHandler) handleConnection(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	c.connId = fmt.Sprintf("%s/%s", c.conn.RemoteAddr(), c.conn.ID()[:8])

	defer func() {
		if err := c.conn.Close(); err != nil {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connId, err)
		}
		if c.bound && !c.detached {
			c.registry().TransportClosed(ctx, c.conn)
		}
	}()

	if err := c.handleFirstPacket(ctx); err != nil {
		return
	}
	_ = c.handlePacket(ctx)
}
